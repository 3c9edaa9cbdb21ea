package bintail

import (
	"fmt"

	"github.com/xyproto/bintail/internal/mvgraph"
)

// Kind classifies a bintail error per spec.md §7.
type Kind int

const (
	KindIoError Kind = iota
	KindElfMalformed
	KindLayoutViolation
	KindDecodeError
	KindUnknownVariable
	KindRangeError
)

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "io error"
	case KindElfMalformed:
		return "malformed ELF"
	case KindLayoutViolation:
		return "layout violation"
	case KindDecodeError:
		return "decode error"
	case KindUnknownVariable:
		return "unknown variable"
	case KindRangeError:
		return "range error"
	default:
		return "unknown error"
	}
}

// Fatal reports whether an error of this Kind aborts the run. Only
// UnknownVariable is a warning: the matching change is ignored and the
// run continues (spec.md §7).
func (k Kind) Fatal() bool {
	return k != KindUnknownVariable
}

// Vaddr identifies the virtual address an Error concerns, in place of
// the teacher's SourceLocation (bintail operates on an ELF image, not
// source text).
type Vaddr uint64

func (v Vaddr) String() string {
	if v == 0 {
		return "?"
	}
	return fmt.Sprintf("%#x", uint64(v))
}

// Error is a single bintail failure or warning.
type Error struct {
	Kind    Kind
	Message string
	At      Vaddr  // 0 when the error isn't tied to a specific address
	Path    string // set for IoError
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	if e.At != 0 {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.At, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func ioError(path string, err error) *Error {
	return &Error{Kind: KindIoError, Message: err.Error(), Path: path}
}

func elfMalformed(format string, args ...any) *Error {
	return &Error{Kind: KindElfMalformed, Message: fmt.Sprintf(format, args...)}
}

func layoutViolation(format string, args ...any) *Error {
	return &Error{Kind: KindLayoutViolation, Message: fmt.Sprintf(format, args...)}
}

func unknownVariable(name string) *Error {
	return &Error{Kind: KindUnknownVariable, Message: fmt.Sprintf("no such variable %q", name)}
}

func rangeError(at uint64, format string, args ...any) *Error {
	return &Error{Kind: KindRangeError, Message: fmt.Sprintf(format, args...), At: Vaddr(at)}
}

func decodeError(at uint64, format string, args ...any) *Error {
	return &Error{Kind: KindDecodeError, Message: fmt.Sprintf(format, args...), At: Vaddr(at)}
}

// classify maps a mvgraph.Build failure to its matching *Error kind,
// falling back to ElfMalformed for anything not specifically a decode
// or range failure.
func classify(err error) *Error {
	switch e := err.(type) {
	case *mvgraph.DecodeError:
		return decodeError(e.Addr, "%s", e.Msg)
	case *mvgraph.RangeError:
		return rangeError(e.Addr, "%s", e.Msg)
	default:
		return elfMalformed("%v", err)
	}
}
