// Package trim implements spec.md §4.6, the Trim Engine: after commit
// has frozen whatever variables and functions it could, trim deletes
// the now-dead metadata for those frozen entries, repacks what remains
// into a contiguous area, and shrinks the file by growing .bss to
// absorb the freed space.
//
// Grounded on original_source/src/mvscn.cpp's InfoArea::generate
// (layout order and boundary bookkeeping) and Bintail::update_relocs_sym
// (the .rela.dyn / .symtab rebuild), adapted to Go's slice-of-structs
// style instead of the original's intrusive Area/Section hierarchy.
package trim

import (
	"fmt"

	"github.com/xyproto/bintail/internal/archx86"
	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvgraph"
	"github.com/xyproto/bintail/internal/mvsection"
)

// Engine bundles everything trim needs: the ELF image, the graph commit
// already mutated, and the section wrappers over every section trim
// reads from or rewrites.
type Engine struct {
	Image *elfimage.Image
	Graph *mvgraph.Graph

	Data    *mvsection.Data
	Bss     *mvsection.Bss
	MVData  *mvsection.MVData
	MVFn    *mvsection.MVFn
	MVVar   *mvsection.MVVar
	MVCs    *mvsection.MVCs
	MVText  *mvsection.MVText
	Dynamic *mvsection.Dynamic
}

// Result reports the accounting spec.md §8's "Trim accounting" property
// is stated in terms of.
type Result struct {
	Shrinkage  uint64
	VarsKept   int
	FnsKept    int
	CsKept     int
	RelaCount  int
}

// Run executes the full trim pipeline and returns the shrinkage applied.
func (e *Engine) Run() (*Result, error) {
	bssSeg, ok := e.Image.SegmentFor(e.Bss.Sec)
	if !ok {
		return nil, fmt.Errorf("trim: LayoutViolation: .bss is not inside a LOAD segment")
	}
	seg := &e.Image.Phdrs[bssSeg]
	if !e.Bss.Sec.IsNobits() || e.Bss.Sec.Shdr.Offset != seg.Offset+seg.Filesz {
		return nil, fmt.Errorf("trim: LayoutViolation: .bss is not at its segment's file-size tail")
	}

	metaSections := []*mvsection.Wrapper{}
	for _, w := range []*mvsection.Wrapper{&e.MVData.Wrapper, &e.MVFn.MVSection.Wrapper, &e.MVVar.MVSection.Wrapper, &e.MVCs.MVSection.Wrapper} {
		if w.Sec != nil {
			metaSections = append(metaSections, w)
			segIdx, ok := e.Image.SegmentFor(w.Sec)
			if !ok || segIdx != bssSeg {
				return nil, fmt.Errorf("trim: LayoutViolation: %s is not co-located with .bss's LOAD segment", w.Sec.Name)
			}
		}
	}
	if len(metaSections) == 0 {
		return nil, fmt.Errorf("trim: LayoutViolation: no multiverse metadata sections present")
	}

	areaOffset := metaSections[0].Sec.Shdr.Offset
	for _, w := range metaSections[1:] {
		if w.Sec.Shdr.Offset < areaOffset {
			areaOffset = w.Sec.Shdr.Offset
		}
	}
	areaEnd := seg.Offset + seg.Filesz
	vaddrDelta := seg.Vaddr - seg.Offset

	// Step 1: clear the owned-relocation lists of the four metadata
	// sections before reclaiming/regenerating.
	e.MVData.ClearRelocs()
	e.MVFn.ClearRelocs()
	e.MVVar.ClearRelocs()
	e.MVCs.ClearRelocs()

	// Bucket every original relocation: boundary words and in-area
	// pointers go to their owning mv section (the first to claim them
	// wins); everything else stays with .data, __multiverse_text_, or
	// falls through to "unclaimed". mvvar/mvfn/mvcs/mvdata's claims are
	// discarded immediately after (their lists were just cleared in step
	// 1 and are rebuilt from scratch below) — the only purpose of
	// offering them first is to keep their old boundary-word relocations
	// out of .data's bucket.
	e.Data.ClearRelocs()
	e.MVText.ClearRelocs()
	claimers := []interface{ ClaimReloc(elfimage.Rela) bool }{
		&e.MVData.Wrapper, &e.MVFn.MVSection, &e.MVVar.MVSection, &e.MVCs.MVSection,
	}
	var unclaimed []elfimage.Rela
	for _, r := range e.Image.Relas {
		claimed := false
		for _, w := range claimers {
			if w.ClaimReloc(r) {
				claimed = true
				break
			}
		}
		if claimed {
			continue
		}
		if e.MVText.ClaimReloc(r) {
			continue
		}
		if e.Data.ClaimReloc(r) {
			continue
		}
		unclaimed = append(unclaimed, r)
	}
	e.MVData.ClearRelocs()
	e.MVFn.ClearRelocs()
	e.MVVar.ClearRelocs()
	e.MVCs.ClearRelocs()

	// Steps 3-6: lay out and serialize non-frozen entries, in order
	// mvdata, mvfn, mvvar, mvcs.
	mvdataBytes, fnMvfnOffset, result, err := e.buildMvdata(areaOffset, vaddrDelta)
	if err != nil {
		return nil, err
	}
	cursor := areaOffset + uint64(len(mvdataBytes))

	mvfnBytes, mvfnOffset := e.buildMvfn(cursor, vaddrDelta, fnMvfnOffset)
	cursor += uint64(len(mvfnBytes))

	mvvarBytes, mvvarOffset := e.buildMvvar(cursor, vaddrDelta)
	cursor += uint64(len(mvvarBytes))

	mvcsBytes, mvcsOffset := e.buildMvcs(cursor, vaddrDelta)
	cursor += uint64(len(mvcsBytes))

	for i := range e.Graph.Vars {
		if !e.Graph.Vars[i].Frozen {
			result.VarsKept++
		}
	}
	result.CsKept = len(mvcsBytes) / mvgraph.CallsiteRecordSize

	regionSize := cursor - areaOffset
	if areaEnd < areaOffset+regionSize {
		return nil, fmt.Errorf("trim: regenerated metadata (%d bytes) exceeds original area", regionSize)
	}
	shrinkage := (areaEnd - areaOffset) - regionSize

	e.applySection(&e.MVData.Wrapper, mvdataBytes, areaOffset, vaddrDelta)
	e.applySection(&e.MVFn.Wrapper, mvfnBytes, mvfnOffset, vaddrDelta)
	e.applySection(&e.MVVar.Wrapper, mvvarBytes, mvvarOffset, vaddrDelta)
	e.applySection(&e.MVCs.Wrapper, mvcsBytes, mvcsOffset, vaddrDelta)

	// Step 7: mark boundaries for each regenerated section.
	if err := e.markBoundary("var", &e.MVVar.MVSection); err != nil {
		return nil, err
	}
	if err := e.markBoundary("fn", &e.MVFn.MVSection); err != nil {
		return nil, err
	}
	if err := e.markBoundary("callsite", &e.MVCs.MVSection); err != nil {
		return nil, err
	}

	// Step 8: grow .bss by the shrinkage, shrink the LOAD segment's
	// p_filesz by the same amount.
	oldBssAddr, oldBssSize := e.Bss.Sec.Shdr.Addr, e.Bss.Sec.Shdr.Size
	e.Bss.Sec.Shdr.Size = oldBssSize + shrinkage
	e.Bss.Sec.Shdr.Addr = oldBssAddr - shrinkage
	e.Bss.Sec.Shdr.Offset = areaOffset + regionSize
	seg.Filesz -= shrinkage

	// Step 9: rebuild .rela.dyn as the fixed concatenation.
	var newRelas []elfimage.Rela
	newRelas = append(newRelas, e.Data.Relocs...)
	newRelas = append(newRelas, e.MVVar.Relocs...)
	newRelas = append(newRelas, e.MVData.Relocs...)
	newRelas = append(newRelas, e.MVFn.Relocs...)
	newRelas = append(newRelas, e.MVCs.Relocs...)
	newRelas = append(newRelas, e.MVText.Relocs...)
	newRelas = append(newRelas, unclaimed...)
	e.Image.Relas = newRelas

	relaDynSec, ok := e.Image.Section(".rela.dyn")
	if !ok {
		return nil, fmt.Errorf("trim: .rela.dyn vanished")
	}
	var relaBuf []byte
	relaCount := 0
	for _, r := range newRelas {
		relaBuf = append(relaBuf, elfimage.EncodeRela(r)...)
		if r.RelocType() == elfimage.RX8664Relative {
			relaCount++
		}
	}
	relaDynSec.Data = relaBuf
	relaDynSec.Shdr.Size = uint64(len(relaBuf))
	relaDynSec.Dirty = true

	if idx, ok := e.Dynamic.Get(elfimage.DTRelasz); ok {
		e.Dynamic.Entries[idx].Val = uint64(len(relaBuf))
	}
	if idx, ok := e.Dynamic.Get(elfimage.DTRelacount); ok {
		// Tolerated when absent per spec.md §9: libmultiverse-patched
		// binaries across revisions disagree on whether this tag exists.
		e.Dynamic.Entries[idx].Val = uint64(relaCount)
	}
	e.rewriteDynamicSection()

	// Step 10: rewrite the symbol table, preserving input order.
	e.rewriteSymtab()

	// Step 11: shift every section at or past area_end (except .bss)
	// down by the shrinkage, and subtract it from e_shoff.
	for _, s := range e.Image.Sections {
		if s == e.Bss.Sec {
			continue
		}
		if s.Shdr.Offset >= areaEnd {
			s.Shdr.Offset -= shrinkage
		}
	}
	e.Image.Ehdr.Shoff -= shrinkage

	result.Shrinkage = shrinkage
	result.RelaCount = relaCount
	return result, nil
}

// markBoundary writes the new start/stop virtual addresses of one
// multiverse metadata section into its .data boundary words and
// records the matching R_X86_64_RELATIVE relocations on the section's
// own Relocs list (spec.md §4.6 step 7).
func (e *Engine) markBoundary(kind string, sec *mvsection.MVSection) error {
	var b mvgraph.Boundary
	switch kind {
	case "var":
		b = e.Graph.VarBoundary
	case "fn":
		b = e.Graph.FnBoundary
	case "callsite":
		b = e.Graph.CallsiteBoundary
	}
	start := sec.Sec.Shdr.Addr
	stop := sec.Sec.Shdr.Addr + sec.Sec.Shdr.Size
	if !e.Data.WritePtr(true, b.StartPtrAddr, start) {
		return fmt.Errorf("trim: writing %s start boundary: out of range", kind)
	}
	if !e.Data.WritePtr(true, b.StopPtrAddr, stop) {
		return fmt.Errorf("trim: writing %s stop boundary: out of range", kind)
	}
	// WritePtr on e.Data already appended a reloc to e.Data's own list;
	// move it to the owning mv section's list instead, per the fixed
	// concatenation order of step 9.
	n := len(e.Data.Relocs)
	sec.Relocs = append(sec.Relocs, e.Data.Relocs[n-2:n]...)
	e.Data.Relocs = e.Data.Relocs[:n-2]
	return nil
}

func (e *Engine) applySection(w *mvsection.Wrapper, data []byte, offset, vaddrDelta uint64) {
	if w.Sec == nil {
		return
	}
	w.Sec.Data = data
	w.Sec.Shdr.Offset = offset
	w.Sec.Shdr.Addr = offset + vaddrDelta
	w.Sec.Shdr.Size = uint64(len(data))
	w.Sec.Dirty = true
}

func (e *Engine) buildMvdata(areaOffset, vaddrDelta uint64) ([]byte, map[mvgraph.FnID]uint64, *Result, error) {
	result := &Result{}

	// Pass 1: compute sizes and addresses.
	cursor := areaOffset
	fnMvfnOffset := map[mvgraph.FnID]uint64{}
	type vkey struct {
		fn int
		vr int
	}
	assignOffsetByKey := map[vkey]uint64{}

	var keptFns []int
	for fi := range e.Graph.Fns {
		fn := &e.Graph.Fns[fi]
		if fn.Frozen {
			continue
		}
		keptFns = append(keptFns, fi)
		fnMvfnOffset[fn.ID] = cursor
		cursor += uint64(len(fn.Variants)) * mvgraph.MvfnRecordSize
		for vi := range fn.Variants {
			assignOffsetByKey[vkey{fi, vi}] = cursor
			cursor += uint64(len(fn.Variants[vi].AssignIdx)) * mvgraph.AssignmentRecordSize
		}
	}
	result.FnsKept = len(keptFns)

	size := cursor - areaOffset
	buf := make([]byte, size)

	// Pass 2: write bytes and emit relocations now that every address is
	// known.
	for _, fi := range keptFns {
		fn := &e.Graph.Fns[fi]
		for vi := range fn.Variants {
			v := &fn.Variants[vi]
			mvfnOff := fnMvfnOffset[fn.ID] + uint64(vi)*mvgraph.MvfnRecordSize
			assignOff := assignOffsetByKey[vkey{fi, vi}]
			assignVaddr := assignOff + vaddrDelta

			rec := mvgraph.EncodeMvfnRecord(v, assignVaddr)
			copy(buf[mvfnOff-areaOffset:], rec)

			mvfnVaddr := mvfnOff + vaddrDelta
			e.MVData.AddReloc(mvfnVaddr+0, v.Body) // function_body field at offset 0
			e.MVData.AddReloc(mvfnVaddr+12, assignVaddr) // assignments field at offset 12

			for ai, assignIdx := range v.AssignIdx {
				a := e.Graph.Assigns[assignIdx]
				varAddr := e.Graph.Vars[a.VarID].Address
				off := assignOff + uint64(ai)*mvgraph.AssignmentRecordSize
				rec := mvgraph.EncodeAssignmentRecord(&a, varAddr)
				copy(buf[off-areaOffset:], rec)
				aVaddr := off + vaddrDelta
				e.MVData.AddReloc(aVaddr+0, varAddr) // location field at offset 0
			}
		}
	}

	return buf, fnMvfnOffset, result, nil
}

func (e *Engine) buildMvfn(offset, vaddrDelta uint64, fnMvfnOffset map[mvgraph.FnID]uint64) ([]byte, uint64) {
	var buf []byte
	for fi := range e.Graph.Fns {
		fn := &e.Graph.Fns[fi]
		if fn.Frozen {
			continue
		}
		mvFunctionsVaddr := fnMvfnOffset[fn.ID] + vaddrDelta
		rec := mvgraph.EncodeFnRecord(fn, mvFunctionsVaddr)
		recOff := offset + uint64(len(buf))
		buf = append(buf, rec...)

		recVaddr := recOff + vaddrDelta
		e.MVFn.AddReloc(recVaddr+0, fn.NameAddr)          // name field, offset 0
		e.MVFn.AddReloc(recVaddr+8, fn.Body)               // function_body field, offset 8
		e.MVFn.AddReloc(recVaddr+20, mvFunctionsVaddr)      // mv_functions field, offset 20
	}
	return buf, offset
}

func (e *Engine) buildMvvar(offset, vaddrDelta uint64) ([]byte, uint64) {
	var buf []byte
	for vi := range e.Graph.Vars {
		v := &e.Graph.Vars[vi]
		if v.Frozen {
			continue
		}
		rec := mvgraph.EncodeVarRecord(v)
		recOff := offset + uint64(len(buf))
		buf = append(buf, rec...)

		recVaddr := recOff + vaddrDelta
		e.MVVar.AddReloc(recVaddr+0, v.NameAddr)    // name field, offset 0
		e.MVVar.AddReloc(recVaddr+8, v.Address)     // variable_location field, offset 8
	}
	return buf, offset
}

func (e *Engine) buildMvcs(offset, vaddrDelta uint64) ([]byte, uint64) {
	var buf []byte
	for pi := range e.Graph.Patchpoints {
		pp := &e.Graph.Patchpoints[pi]
		if pp.Kind == archx86.KindJump {
			continue
		}
		fn := &e.Graph.Fns[pp.FnID]
		if fn.Frozen {
			continue
		}
		rec := mvgraph.EncodeCallsiteRecord(pp, fn.Body)
		recOff := offset + uint64(len(buf))
		buf = append(buf, rec...)

		recVaddr := recOff + vaddrDelta
		e.MVCs.AddReloc(recVaddr+0, fn.Body)    // function_body field, offset 0
		e.MVCs.AddReloc(recVaddr+8, pp.Address) // call_label field, offset 8
	}
	return buf, offset
}

func (e *Engine) rewriteDynamicSection() {
	dynSec, ok := e.Image.Section(".dynamic")
	if !ok {
		return
	}
	var buf []byte
	for _, d := range e.Dynamic.Entries {
		buf = append(buf, elfimage.EncodeDyn(d)...)
	}
	dynSec.Data = buf
	dynSec.Dirty = true
	e.Image.Dynamic = e.Dynamic.Entries
}

func (e *Engine) rewriteSymtab() {
	symtabSec, ok := e.Image.Section(".symtab")
	if !ok {
		return
	}
	var buf []byte
	for _, s := range e.Image.Symbols {
		buf = append(buf, elfimage.EncodeSym(s)...)
	}
	symtabSec.Data = buf
	symtabSec.Dirty = true
}
