// Package archx86 implements spec.md §4.4, the Architecture Layer: the
// only part of bintail that knows what x86-64 machine code looks like.
// It decodes variant bodies and call sites, and emits the replacement
// bytes a commit writes over a patchpoint.
//
// Grounded on original_source/arch-x86.cpp, which this package follows
// byte-for-byte — same opcode patterns, same lengths, same disp32
// arithmetic — reworked as Go functions operating on byte slices instead
// of the original's libopcodes-backed disassembly.
package archx86

import "fmt"

// VariantKind is the decoded shape of a variant function body.
type VariantKind int

const (
	KindNone VariantKind = iota
	KindNop
	KindConstant
	KindCli
	KindSti
)

func (k VariantKind) String() string {
	switch k {
	case KindNop:
		return "NOP"
	case KindConstant:
		return "CONSTANT"
	case KindCli:
		return "CLI"
	case KindSti:
		return "STI"
	default:
		return "NONE"
	}
}

// CallsiteKind is the decoded shape of a patchpoint's original bytes.
type CallsiteKind int

const (
	KindInvalid CallsiteKind = iota
	KindJump
	KindCall
	KindIndirectCall
)

func (k CallsiteKind) String() string {
	switch k {
	case KindJump:
		return "JUMP"
	case KindCall:
		return "CALL"
	case KindIndirectCall:
		return "INDIRECT_CALL"
	default:
		return "INVALID"
	}
}

// isRet reports whether b starts with a ret (0xc3) or repz ret (0xf3 0xc3).
func isRet(b []byte) (retLen int, ok bool) {
	if len(b) >= 1 && b[0] == 0xc3 {
		return 1, true
	}
	if len(b) >= 2 && b[0] == 0xf3 && b[1] == 0xc3 {
		return 2, true
	}
	return 0, false
}

// DecodeVariant classifies a variant function body per spec.md §4.4:
//
//	31 C0 <ret>    -> CONSTANT(0)
//	B8 <imm32> <ret> -> CONSTANT(imm32)
//	<ret>          -> NOP
//	FA <ret>       -> CLI
//	FB <ret>       -> STI
//	otherwise      -> NONE
func DecodeVariant(body []byte) (kind VariantKind, constant uint32) {
	if len(body) >= 2 && body[0] == 0x31 && body[1] == 0xc0 {
		if _, ok := isRet(body[2:]); ok {
			return KindConstant, 0
		}
	}
	if len(body) >= 5 && body[0] == 0xb8 {
		if _, ok := isRet(body[5:]); ok {
			c := uint32(body[1]) | uint32(body[2])<<8 | uint32(body[3])<<16 | uint32(body[4])<<24
			return KindConstant, c
		}
	}
	if _, ok := isRet(body); ok {
		return KindNop, 0
	}
	if len(body) >= 1 && body[0] == 0xfa {
		if _, ok := isRet(body[1:]); ok {
			return KindCli, 0
		}
	}
	if len(body) >= 1 && body[0] == 0xfb {
		if _, ok := isRet(body[1:]); ok {
			return KindSti, 0
		}
	}
	return KindNone, 0
}

// DecodeCallsite classifies the original bytes at a call label per
// spec.md §4.4, returning its kind, byte length (5 or 6), and the
// resolved callee address (addr is the virtual address of b[0]).
func DecodeCallsite(addr uint64, b []byte) (kind CallsiteKind, length int, callee uint64) {
	if len(b) >= 5 && b[0] == 0xe8 {
		disp := int32(uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16 | uint32(b[4])<<24)
		return KindCall, 5, uint64(int64(addr) + int64(disp) + 5)
	}
	if len(b) >= 6 && b[0] == 0xff && b[1] == 0x15 {
		disp := int32(uint32(b[2]) | uint32(b[3])<<8 | uint32(b[4])<<16 | uint32(b[5])<<24)
		return KindIndirectCall, 6, uint64(int64(addr) + int64(disp) + 6)
	}
	return KindInvalid, 0, 0
}

// PatchpointLength returns the byte length of a patchpoint given its
// kind: 6 for INDIRECT_CALL, 5 for everything else (CALL and the
// synthetic JUMP alike).
func PatchpointLength(kind CallsiteKind) int {
	if kind == KindIndirectCall {
		return 6
	}
	return 5
}

func disp32(target, next uint64) uint32 {
	return uint32(int32(int64(target) - int64(next)))
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// EmitPatch produces the replacement bytes for a call site at addr whose
// kind is indirect (6 bytes) or direct (5 bytes), dispatching to the
// selected variant body per spec.md §4.4's table. variantBody is only
// consulted for kind == archx86.KindNone (the direct-call fallback).
func EmitPatch(addr uint64, indirect bool, vkind VariantKind, constant uint32, variantBody uint64) ([]byte, error) {
	length := 5
	if indirect {
		length = 6
	}
	var out []byte
	switch vkind {
	case KindNop:
		if indirect {
			out = []byte{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00}
		} else {
			out = []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}
		}
	case KindConstant:
		out = append([]byte{0xb8}, le32(constant)...)
		if indirect {
			out = append(out, 0x90)
		}
	case KindCli:
		if indirect {
			out = append([]byte{0xfa}, 0x0f, 0x1f, 0x44, 0x00, 0x00)
		} else {
			out = append([]byte{0xfa}, 0x0f, 0x1f, 0x40, 0x00)
		}
	case KindSti:
		if indirect {
			out = append([]byte{0xfb}, 0x0f, 0x1f, 0x44, 0x00, 0x00)
		} else {
			out = append([]byte{0xfb}, 0x0f, 0x1f, 0x40, 0x00)
		}
	case KindNone:
		next := addr + 5
		out = append([]byte{0xe8}, le32(disp32(variantBody, next))...)
		if indirect {
			out = append(out, 0x90)
		}
	default:
		return nil, fmt.Errorf("archx86: cannot emit patch for unknown variant kind")
	}
	if len(out) != length {
		return nil, fmt.Errorf("archx86: emitted %d bytes, want %d", len(out), length)
	}
	return out, nil
}

// EmitJump produces the synthetic JUMP patchpoint written at Fn.body:
// E9 <disp32>, disp32 = variantBody - (patchAddr + 5).
func EmitJump(patchAddr, variantBody uint64) []byte {
	next := patchAddr + 5
	return append([]byte{0xe9}, le32(disp32(variantBody, next))...)
}
