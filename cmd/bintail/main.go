// Command bintail statically commits multiverse configuration values
// into an x86-64 PIE/shared-object executable and trims the metadata
// that specialization no longer needs.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/bintail/internal/bintail"
)

// VerboseMode mirrors the teacher's global debug toggle, set from -v
// post-parse rather than checked via flag.Bool directly everywhere.
var VerboseMode bool

// nameValueList collects repeatable "-s name=value" flags.
type nameValueList struct {
	names  []string
	values []uint64
}

func (l *nameValueList) String() string { return "" }

func (l *nameValueList) Set(s string) error {
	name, rest, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(rest), 0, 64)
	if err != nil {
		return fmt.Errorf("bad value in %q: %w", s, err)
	}
	l.names = append(l.names, strings.TrimSpace(name))
	l.values = append(l.values, v)
	return nil
}

// nameList collects repeatable "-a name" flags.
type nameList struct{ names []string }

func (l *nameList) String() string { return "" }
func (l *nameList) Set(s string) error {
	l.names = append(l.names, s)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("bintail", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sets nameValueList
	var applies nameList
	fs.Var(&sets, "s", "set a variable's value, name=value (repeatable)")
	fs.Var(&applies, "a", "freeze and patch one function's variable, by name (repeatable)")
	applyAll := fs.Bool("A", false, "freeze and patch every function")
	guard := fs.Bool("g", false, "poison unselected variant bodies with int3 (guard mode)")
	dumpGraph := fs.Bool("d", false, "dump the multiverse graph")
	dumpSymbols := fs.Bool("y", false, "dump the symbol table")
	dumpDynamic := fs.Bool("l", false, "dump .dynamic entries")
	dumpRelocs := fs.Bool("r", false, "dump mv-section relocations")
	verbose := fs.Bool("v", false, "verbose mode")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: bintail [flags] infile [outfile]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	VerboseMode = *verbose
	if VerboseMode {
		os.Setenv("BINTAIL_VERBOSE", "1")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 1
	}
	infile := rest[0]
	outfile := ""
	if len(rest) > 1 {
		outfile = rest[1]
	}

	bt, err := bintail.Load(infile)
	if err != nil {
		return report(stderr, err)
	}

	bt.Guard(*guard)

	for i, name := range sets.names {
		if err := bt.Change(name, sets.values[i], stderr); err != nil {
			return report(stderr, err)
		}
	}
	for _, name := range applies.names {
		if err := bt.Apply(name, stderr); err != nil {
			return report(stderr, err)
		}
	}
	if *applyAll {
		if err := bt.ApplyAll(); err != nil {
			return report(stderr, err)
		}
	}

	if *dumpGraph {
		bintail.DumpGraph(stdout, bt.Graph)
	}
	if *dumpSymbols {
		names := make([]string, len(bt.Image.Symbols))
		values := make([]uint64, len(bt.Image.Symbols))
		for i, s := range bt.Image.Symbols {
			names[i], values[i] = s.SymName, s.Value
		}
		bintail.DumpSymbols(stdout, names, values)
	}
	if *dumpDynamic {
		tags := make([]int64, len(bt.Image.Dynamic))
		vals := make([]uint64, len(bt.Image.Dynamic))
		for i, d := range bt.Image.Dynamic {
			tags[i], vals[i] = d.Tag, d.Val
		}
		bintail.DumpDynamic(stdout, tags, vals)
	}
	if *dumpRelocs {
		mvNames := []string{"__multiverse_var_", "__multiverse_fn_", "__multiverse_callsite_", "__multiverse_data_", "__multiverse_text_"}
		var offsets, addends []uint64
		for _, r := range bt.Image.Relas {
			for _, name := range mvNames {
				if sec, ok := bt.Image.Section(name); ok && sec.Contains(r.Offset) {
					offsets = append(offsets, r.Offset)
					addends = append(addends, uint64(r.Addend))
					break
				}
			}
		}
		bintail.DumpRelocs(stdout, offsets, addends)
	}

	if outfile == "" {
		s := bt.Summary()
		s.Print(stdout)
		return 0
	}

	res, err := bt.Trim()
	if err != nil {
		return report(stderr, err)
	}
	if err := bt.Write(outfile); err != nil {
		return report(stderr, err)
	}

	s := bintail.Summary{Vars: res.VarsKept, Fns: res.FnsKept, Callsites: res.CsKept, Shrinkage: res.Shrinkage}
	s.Print(stdout)

	return 0
}

// report prints err appropriately and returns the process exit code: 0
// for a non-fatal UnknownVariable warning, a distinct code per fatal
// Kind otherwise. Exit code 1 is reserved for bad CLI usage (flag
// parse failures, a missing infile), never for a fatal run error.
func report(stderr *os.File, err error) int {
	be, ok := err.(*bintail.Error)
	if !ok {
		fmt.Fprintf(stderr, "bintail: %v\n", err)
		return 1
	}
	if !be.Kind.Fatal() {
		bintail.Warn(stderr, be)
		return 0
	}
	bintail.Fatal(stderr, be)
	return exitCode(be.Kind)
}

// exitCode maps a fatal Kind to its process exit code, distinct from 1
// (bad CLI usage) and from each other.
func exitCode(k bintail.Kind) int {
	switch k {
	case bintail.KindIoError:
		return 2
	case bintail.KindElfMalformed:
		return 3
	case bintail.KindLayoutViolation:
		return 4
	case bintail.KindDecodeError:
		return 5
	case bintail.KindRangeError:
		return 6
	default:
		return 7
	}
}
