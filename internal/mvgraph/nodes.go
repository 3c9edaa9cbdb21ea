package mvgraph

import "github.com/xyproto/bintail/internal/archx86"

// VarID and FnID are stable indices into Graph.Vars / Graph.Fns,
// replacing the original's intrusive pointer graph per spec.md §9's
// redesign note: cross-references are indices into owning slices rather
// than pointers, so there are no cycles and no aliased mutation.
type VarID int
type FnID int

const noVar VarID = -1
const noFn FnID = -1

// Var is a configuration variable: its name/address/width as read from
// a mv_info_var record, its current value, and whether commit has
// frozen it.
type Var struct {
	ID       VarID
	Name     string
	NameAddr uint64 // address of the NUL-terminated name in .rodata
	Address  uint64 // address of the value word in .data
	Width    int    // byte width, 1..8
	Signed   bool
	Tracked  bool
	Bound    bool
	Value    uint64
	Frozen   bool

	// Assigns lists every Assign (by index into Graph.Assigns) that
	// references this Var, populated during linking.
	Assigns []int
}

// Assign is one [lower, upper] range constraint tying an Mvfn to a Var.
type Assign struct {
	VarID VarID
	Lower uint32
	Upper uint32
}

// Satisfied reports whether the given value falls within [Lower, Upper].
func (a Assign) Satisfied(value uint32) bool {
	return value >= a.Lower && value <= a.Upper
}

// Mvfn is one specialized variant of a function.
type Mvfn struct {
	Body       uint64
	Size       uint64 // symbol-declared size (ELF st_size) of the body at Body; the decoded byte window's length when no sized symbol is found
	Kind       archx86.VariantKind
	Constant   uint32
	AssignIdx  []int  // indices into Graph.Assigns
	RecordAddr uint64 // address of this mvfn's mv_info_mvfn record, if any
}

// Active reports whether every one of this variant's assignments is
// satisfied given the current frozen values of the Vars they reference,
// resolved through the owning graph.
func (m *Mvfn) Active(g *Graph) bool {
	for _, idx := range m.AssignIdx {
		a := g.Assigns[idx]
		v := &g.Vars[a.VarID]
		if !v.Frozen {
			return false
		}
		if !a.Satisfied(uint32(v.Value)) {
			return false
		}
	}
	return true
}

// Fn is one multiverse-specialized function: its generic body address,
// its variants, and the patchpoints that call it.
type Fn struct {
	ID       FnID
	Name     string
	NameAddr uint64
	Body     uint64 // address in .text
	Size     uint64 // symbol-declared size (ELF st_size) of the generic body at Body; 5 when no sized symbol is found
	RecordAddr uint64
	Variants []Mvfn

	// Patchpoints indexes into Graph.Patchpoints.
	Patchpoints []int

	// OriginalBodyPP caches the per-function synthetic JUMP patchpoint at
	// Fn.Body, found during linking (spec.md §4.3 step 5).
	OriginalBodyPP int // index into Graph.Patchpoints, -1 if absent

	Frozen       bool
	SelectedMvfn int // index into Variants, -1 if none selected
}

// Patchpoint is one rewritable call site or the synthetic entry jump.
type Patchpoint struct {
	Address      uint64
	FnID         FnID
	Kind         archx86.CallsiteKind
	Length       int
	OriginalCode [6]byte
	RecordAddr   uint64 // address of the owning mv_info_callsite record, 0 for the synthetic JUMP
}
