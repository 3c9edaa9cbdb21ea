package mvgraph

import (
	"fmt"

	"github.com/xyproto/bintail/internal/archx86"
	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvsection"
)

// DecodeError reports instruction bytes that did not decode to any
// known variant or callsite pattern, surfaced separately from other
// Build failures so callers can distinguish "bad machine code" from a
// generally malformed ELF (spec.md §7's DecodeError kind).
type DecodeError struct {
	Addr uint64
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mvgraph: decode error at %#x: %s", e.Addr, e.Msg)
}

// RangeError reports a record, name, or body address that falls outside
// the bounds of the section it is supposed to live in (spec.md §7's
// RangeError kind).
type RangeError struct {
	Addr uint64
	Msg  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("mvgraph: range error at %#x: %s", e.Addr, e.Msg)
}

// Boundary records one __multiverse_<k>_ array's current extent and the
// addresses of its boundary words in .data, so trim can rewrite both the
// words and their relocations (spec.md §4.3 step 6, §4.6 step 7).
type Boundary struct {
	StartPtrAddr uint64 // address of __start___multiverse_<k>_ptr in .data
	StopPtrAddr  uint64 // address of __stop___multiverse_<k>_ptr in .data
	Start        uint64 // current start vaddr of __multiverse_<k>_
	Stop         uint64 // current stop vaddr of __multiverse_<k>_
}

// Graph is the assembled multiverse object graph: owning vectors of
// every node kind plus the index-based cross-references between them
// (spec.md §9's redesign of the intrusive pointer graph).
type Graph struct {
	Vars        []Var
	Fns         []Fn
	Assigns     []Assign
	Patchpoints []Patchpoint

	VarBoundary      Boundary
	FnBoundary       Boundary
	CallsiteBoundary Boundary
}

// Input bundles the section wrappers Build reads from. MVFn, MVCs,
// MVData, and MVText are nil when their sections are absent (spec.md
// §6: only __multiverse_var_ is required).
type Input struct {
	Image  *elfimage.Image
	Rodata *mvsection.Rodata
	Data   *mvsection.Data
	Text   *mvsection.Text
	MVVar  *mvsection.MVVar
	MVFn   *mvsection.MVFn
	MVCs   *mvsection.MVCs
	MVData *mvsection.MVData
	MVText *mvsection.MVText
}

func resolveBoundary(in Input, kind string) (Boundary, error) {
	startSym := "__start___multiverse_" + kind + "_ptr"
	stopSym := "__stop___multiverse_" + kind + "_ptr"

	startPtrAddr, ok := in.Image.SymbolValue(startSym)
	if !ok {
		return Boundary{}, fmt.Errorf("mvgraph: missing required symbol %s", startSym)
	}
	stopPtrAddr, ok := in.Image.SymbolValue(stopSym)
	if !ok {
		return Boundary{}, fmt.Errorf("mvgraph: missing required symbol %s", stopSym)
	}
	start, ok := in.Data.Sec.Uint64At(startPtrAddr)
	if !ok {
		return Boundary{}, fmt.Errorf("mvgraph: %s does not point inside .data", startSym)
	}
	stop, ok := in.Data.Sec.Uint64At(stopPtrAddr)
	if !ok {
		return Boundary{}, fmt.Errorf("mvgraph: %s does not point inside .data", stopSym)
	}
	return Boundary{StartPtrAddr: startPtrAddr, StopPtrAddr: stopPtrAddr, Start: start, Stop: stop}, nil
}

// recordBytes returns the raw bytes of one fixed-size record at addr in
// sec, failing if the record does not fit entirely inside the section.
func recordBytes(sec *elfimage.Section, addr uint64, size int) ([]byte, error) {
	b, ok := sec.CodeBytesAt(addr, size)
	if !ok {
		return nil, &RangeError{Addr: addr, Msg: fmt.Sprintf("record does not fit in section %s", sec.Name)}
	}
	return b, nil
}

// Build assembles the multiverse graph per spec.md §4.3.
func Build(in Input) (*Graph, error) {
	g := &Graph{}

	varBoundary, err := resolveBoundary(in, "var")
	if err != nil {
		return nil, err
	}
	g.VarBoundary = varBoundary

	varByAddr := map[uint64]VarID{}

	// Step 1: instantiate Var from every raw mv_info_var record, reading
	// its current value out of .data.
	for addr := varBoundary.Start; addr < varBoundary.Stop; addr += VarRecordSize {
		b, err := recordBytes(in.MVVar.Sec, addr, VarRecordSize)
		if err != nil {
			return nil, err
		}
		raw := readRawVar(b)

		name, ok := in.Rodata.Sec.StringAt(raw.Name)
		if !ok {
			return nil, &RangeError{Addr: raw.Name, Msg: "var name not in .rodata"}
		}
		value, ok := in.Data.ReadVarValue(raw.VariableLocation, raw.width())
		if !ok {
			return nil, &RangeError{Addr: raw.VariableLocation, Msg: fmt.Sprintf("var %q location not in .data", name)}
		}

		id := VarID(len(g.Vars))
		g.Vars = append(g.Vars, Var{
			ID:       id,
			Name:     name,
			NameAddr: raw.Name,
			Address:  raw.VariableLocation,
			Width:    raw.width(),
			Signed:   raw.signed(),
			Tracked:  raw.tracked(),
			Bound:    raw.bound(),
			Value:    value,
		})
		varByAddr[raw.VariableLocation] = id
	}

	// __multiverse_fn_, __multiverse_callsite_, __multiverse_data_, and
	// __multiverse_text_ are all optional; a binary with zero
	// multiverse-specialized functions carries only variables.
	if in.MVFn == nil {
		return g, nil
	}

	fnBoundary, err := resolveBoundary(in, "fn")
	if err != nil {
		return nil, err
	}
	g.FnBoundary = fnBoundary

	fnByBody := map[uint64]FnID{}

	// Step 2: instantiate Fn, then each Mvfn, then each Assign.
	for addr := fnBoundary.Start; addr < fnBoundary.Stop; addr += FnRecordSize {
		b, err := recordBytes(in.MVFn.Sec, addr, FnRecordSize)
		if err != nil {
			return nil, err
		}
		raw := readRawFn(b)

		name, ok := in.Rodata.Sec.StringAt(raw.Name)
		if !ok {
			return nil, &RangeError{Addr: raw.Name, Msg: "fn name not in .rodata"}
		}

		bodySize, ok := in.Image.SymbolSizeAt(raw.FunctionBody)
		if !ok || bodySize == 0 {
			bodySize = 5 // the synthetic JUMP patch's length, as a last resort
		}

		id := FnID(len(g.Fns))
		fn := Fn{
			ID:             id,
			Name:           name,
			NameAddr:       raw.Name,
			Body:           raw.FunctionBody,
			Size:           bodySize,
			RecordAddr:     addr,
			OriginalBodyPP: -1,
			SelectedMvfn:   -1,
		}

		for i := uint32(0); i < raw.NMvFunctions; i++ {
			mvfnAddr := raw.MvFunctions + uint64(i)*MvfnRecordSize
			mb, err := recordBytes(in.MVData.Sec, mvfnAddr, MvfnRecordSize)
			if err != nil {
				return nil, err
			}
			rm := readRawMvfn(mb)

			body, ok := in.MVText.Sec.CodeBytesAt(rm.FunctionBody, 8)
			if !ok {
				// Variant bodies can be shorter than 8 bytes (e.g. a bare
				// ret); fall back to whatever remains in the section.
				off, inSec := in.MVText.Sec.Offset(rm.FunctionBody)
				if !inSec || off >= len(in.MVText.Sec.Data) {
					return nil, &RangeError{Addr: rm.FunctionBody, Msg: "variant body not in __multiverse_text_"}
				}
				body = in.MVText.Sec.Data[off:]
			}
			kind, constant := archx86.DecodeVariant(body)

			size, ok := in.Image.SymbolSizeAt(rm.FunctionBody)
			if !ok || size == 0 {
				size = uint64(len(body))
			}
			mvfn := Mvfn{Body: rm.FunctionBody, Size: size, Kind: kind, Constant: constant, RecordAddr: mvfnAddr}

			for j := uint32(0); j < rm.NAssignments; j++ {
				aAddr := rm.Assignments + uint64(j)*AssignmentRecordSize
				ab, err := recordBytes(in.MVData.Sec, aAddr, AssignmentRecordSize)
				if err != nil {
					return nil, err
				}
				ra := readRawAssignment(ab)

				vid, ok := varByAddr[ra.Location]
				if !ok {
					return nil, fmt.Errorf("mvgraph: assignment location %#x matches no Var", ra.Location)
				}
				assignIdx := len(g.Assigns)
				g.Assigns = append(g.Assigns, Assign{VarID: vid, Lower: ra.Lower, Upper: ra.Upper})
				mvfn.AssignIdx = append(mvfn.AssignIdx, assignIdx)
				g.Vars[vid].Assigns = append(g.Vars[vid].Assigns, assignIdx)
			}

			fn.Variants = append(fn.Variants, mvfn)
		}

		g.Fns = append(g.Fns, fn)
		fnByBody[fn.Body] = id
	}

	// Step 5 (done here, ahead of callsite linking, since the entry jump
	// is always present even when __multiverse_callsite_ is absent):
	// cache the synthetic original-body JUMP patchpoint for every Fn.
	for i := range g.Fns {
		fn := &g.Fns[i]
		body, ok := in.Text.Sec.CodeBytesAt(fn.Body, 5)
		if !ok {
			return nil, &RangeError{Addr: fn.Body, Msg: fmt.Sprintf("fn %q body not in .text", fn.Name)}
		}
		var orig [6]byte
		copy(orig[:5], body)
		ppIdx := len(g.Patchpoints)
		g.Patchpoints = append(g.Patchpoints, Patchpoint{
			Address:      fn.Body,
			FnID:         fn.ID,
			Kind:         archx86.KindJump,
			Length:       5,
			OriginalCode: orig,
		})
		fn.OriginalBodyPP = ppIdx
		fn.Patchpoints = append(fn.Patchpoints, ppIdx)
	}

	if in.MVCs == nil {
		return g, nil
	}

	csBoundary, err := resolveBoundary(in, "callsite")
	if err != nil {
		return nil, err
	}
	g.CallsiteBoundary = csBoundary

	// Step 3 + step 4 (Patchpoint<->Fn linking): instantiate a
	// Patchpoint per raw callsite record by decoding the bytes at its
	// call_label, then find the owning Fn by function_body.
	for addr := csBoundary.Start; addr < csBoundary.Stop; addr += CallsiteRecordSize {
		b, err := recordBytes(in.MVCs.Sec, addr, CallsiteRecordSize)
		if err != nil {
			return nil, err
		}
		raw := readRawCallsite(b)

		fid, ok := fnByBody[raw.FunctionBody]
		if !ok {
			return nil, fmt.Errorf("mvgraph: callsite function_body %#x matches no Fn", raw.FunctionBody)
		}

		code, ok := in.Text.Sec.CodeBytesAt(raw.CallLabel, 6)
		if !ok {
			code, ok = in.Text.Sec.CodeBytesAt(raw.CallLabel, 5)
			if !ok {
				return nil, &RangeError{Addr: raw.CallLabel, Msg: "callsite call_label not in .text"}
			}
		}
		kind, length, _ := archx86.DecodeCallsite(raw.CallLabel, code)
		if kind == archx86.KindInvalid {
			return nil, &DecodeError{Addr: raw.CallLabel, Msg: "callsite decodes to no known pattern"}
		}

		var orig [6]byte
		copy(orig[:length], code[:length])

		ppIdx := len(g.Patchpoints)
		g.Patchpoints = append(g.Patchpoints, Patchpoint{
			Address:      raw.CallLabel,
			FnID:         fid,
			Kind:         kind,
			Length:       length,
			OriginalCode: orig,
			RecordAddr:   addr,
		})
		g.Fns[fid].Patchpoints = append(g.Fns[fid].Patchpoints, ppIdx)
	}

	return g, nil
}
