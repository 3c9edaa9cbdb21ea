// Package mvgraph assembles the in-memory multiverse object graph of
// spec.md §4.3 out of the raw mv_info_* records stored in the five
// __multiverse_*_ sections, and owns the Var/Fn/Mvfn/Assign/Patchpoint
// node types that the commit and trim engines operate on.
//
// Grounded on original_source/bintail.h's raw struct layouts
// (mv_info_var/fn/mvfn/callsite/assignment) for the record shapes, and
// on original_source/src/bintail.cpp's Bintail constructor for the
// linking algorithm.
package mvgraph

// Record sizes per spec.md §6, all packed little-endian.
const (
	VarRecordSize       = 8 + 8 + 4 + 8 // name, variable_location, info_bits, functions_head
	FnRecordSize         = 8 + 8 + 4 + 8 + 8 + 8 // name, function_body, n_mv_functions, mv_functions, patchpoints_head, active_mvfn
	MvfnRecordSize       = 8 + 4 + 8 + 4 + 4 // function_body, n_assignments, assignments, type, constant
	CallsiteRecordSize   = 8 + 8             // function_body, call_label
	AssignmentRecordSize = 8 + 4 + 4         // location, lower, upper
)

// rawVar is mv_info_var as laid out on disk.
type rawVar struct {
	Name             uint64
	VariableLocation uint64
	InfoBits         uint32
	FunctionsHead    uint64
}

// infoBits field layout: width:4 | reserved:25 | tracked:1 | signed:1 | bound:1
func (b rawVar) width() int     { return int(b.InfoBits & 0xf) }
func (b rawVar) tracked() bool  { return (b.InfoBits>>29)&1 != 0 }
func (b rawVar) signed() bool   { return (b.InfoBits>>30)&1 != 0 }
func (b rawVar) bound() bool    { return (b.InfoBits>>31)&1 != 0 }

func readRawVar(b []byte) rawVar {
	return rawVar{
		Name:             leU64(b[0:8]),
		VariableLocation: leU64(b[8:16]),
		InfoBits:         leU32(b[16:20]),
		FunctionsHead:    leU64(b[20:28]),
	}
}

func (v rawVar) bytes() []byte {
	out := make([]byte, VarRecordSize)
	putLEU64(out[0:8], v.Name)
	putLEU64(out[8:16], v.VariableLocation)
	putLEU32(out[16:20], v.InfoBits)
	putLEU64(out[20:28], v.FunctionsHead)
	return out
}

func makeInfoBits(width int, tracked, signed, bound bool) uint32 {
	var b uint32 = uint32(width) & 0xf
	if tracked {
		b |= 1 << 29
	}
	if signed {
		b |= 1 << 30
	}
	if bound {
		b |= 1 << 31
	}
	return b
}

// rawFn is mv_info_fn.
type rawFn struct {
	Name            uint64
	FunctionBody    uint64
	NMvFunctions    uint32
	MvFunctions     uint64
	PatchpointsHead uint64
	ActiveMvfn      uint64
}

func readRawFn(b []byte) rawFn {
	return rawFn{
		Name:            leU64(b[0:8]),
		FunctionBody:    leU64(b[8:16]),
		NMvFunctions:    leU32(b[16:20]),
		MvFunctions:     leU64(b[20:28]),
		PatchpointsHead: leU64(b[28:36]),
		ActiveMvfn:      leU64(b[36:44]),
	}
}

func (f rawFn) bytes() []byte {
	out := make([]byte, FnRecordSize)
	putLEU64(out[0:8], f.Name)
	putLEU64(out[8:16], f.FunctionBody)
	putLEU32(out[16:20], f.NMvFunctions)
	putLEU64(out[20:28], f.MvFunctions)
	// patchpoints_head and active_mvfn are always serialized as zero; see
	// DESIGN.md's open-question note on these runtime-only fields.
	putLEU64(out[28:36], 0)
	putLEU64(out[36:44], 0)
	return out
}

// rawMvfn is mv_info_mvfn.
type rawMvfn struct {
	FunctionBody  uint64
	NAssignments  uint32
	Assignments   uint64
	Type          int32
	Constant      uint32
}

func readRawMvfn(b []byte) rawMvfn {
	return rawMvfn{
		FunctionBody: leU64(b[0:8]),
		NAssignments: leU32(b[8:12]),
		Assignments:  leU64(b[12:20]),
		Type:         int32(leU32(b[20:24])),
		Constant:     leU32(b[24:28]),
	}
}

func (m rawMvfn) bytes() []byte {
	out := make([]byte, MvfnRecordSize)
	putLEU64(out[0:8], m.FunctionBody)
	putLEU32(out[8:12], m.NAssignments)
	putLEU64(out[12:20], m.Assignments)
	putLEU32(out[20:24], uint32(m.Type))
	putLEU32(out[24:28], m.Constant)
	return out
}

// rawCallsite is mv_info_callsite.
type rawCallsite struct {
	FunctionBody uint64
	CallLabel    uint64
}

func readRawCallsite(b []byte) rawCallsite {
	return rawCallsite{FunctionBody: leU64(b[0:8]), CallLabel: leU64(b[8:16])}
}

func (c rawCallsite) bytes() []byte {
	out := make([]byte, CallsiteRecordSize)
	putLEU64(out[0:8], c.FunctionBody)
	putLEU64(out[8:16], c.CallLabel)
	return out
}

// rawAssignment is mv_info_assignment.
type rawAssignment struct {
	Location uint64
	Lower    uint32
	Upper    uint32
}

func readRawAssignment(b []byte) rawAssignment {
	return rawAssignment{Location: leU64(b[0:8]), Lower: leU32(b[8:12]), Upper: leU32(b[12:16])}
}

func (a rawAssignment) bytes() []byte {
	out := make([]byte, AssignmentRecordSize)
	putLEU64(out[0:8], a.Location)
	putLEU32(out[8:12], a.Lower)
	putLEU32(out[12:16], a.Upper)
	return out
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func putLEU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
