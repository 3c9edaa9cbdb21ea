package trim

import (
	"testing"

	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvgraph"
	"github.com/xyproto/bintail/internal/mvsection"
)

func newSection(name string, typ uint32, addr, offset uint64, data []byte, size uint64) *elfimage.Section {
	s := &elfimage.Section{Name: name, Shdr: elfimage.Shdr{Type: typ, Addr: addr, Offset: offset, Size: size}}
	if typ != elfimage.SHTNobits {
		s.Data = data
	}
	return s
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v)
		v >>= 8
	}
}

func putU32(b []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		b[off+i] = byte(v)
		v >>= 8
	}
}

// fixture holds one synthetic binary: one Var ("config") and one Fn
// ("work") with two variants (NOP active for config in [0,1], CONSTANT(7)
// active for config in [2,5]), one direct-CALL patchpoint, laid out with
// a single LOAD segment (vaddr == file offset) so area bookkeeping is
// easy to check by hand.
type fixture struct {
	img     *elfimage.Image
	graph   *mvgraph.Graph
	engine  *Engine
	bssSeg  int
}

// Layout: mvvar (1 var record, 28B), mvfn (1 fn record, 44B), mvcs (1
// callsite record, 16B), mvdata (2 mvfn + 2 assignment records, 88B),
// packed back-to-back so the original metadata region is exactly
// 28+44+16+88 = 176 bytes wide, ending where .bss's file offset begins.
const (
	rodataAddr = 0x1000
	dataAddr   = 0x2000
	textAddr   = 0x3000
	mvvarAddr  = 0x4000
	mvfnAddr   = mvvarAddr + mvgraph.VarRecordSize
	mvcsAddr   = mvfnAddr + mvgraph.FnRecordSize
	mvdataAddr = mvcsAddr + mvgraph.CallsiteRecordSize
	bssAddr    = mvdataAddr + 2*mvgraph.MvfnRecordSize + 2*mvgraph.AssignmentRecordSize
	mvtextAddr = 0x8000
)

func buildFixture(t *testing.T) *fixture {
	t.Helper()

	rodata := make([]byte, 0x40)
	copy(rodata[0x00:], "config\x00")
	copy(rodata[0x10:], "work\x00")

	data := make([]byte, 0x40)
	putU32(data, 0x00, 3) // config = 3 -> CONSTANT(7) variant active
	putU64(data, 0x08, mvvarAddr)
	putU64(data, 0x10, mvvarAddr+mvgraph.VarRecordSize)
	putU64(data, 0x18, mvfnAddr)
	putU64(data, 0x20, mvfnAddr+mvgraph.FnRecordSize)
	putU64(data, 0x28, mvcsAddr)
	putU64(data, 0x30, mvcsAddr+mvgraph.CallsiteRecordSize)

	mvvar := make([]byte, mvgraph.VarRecordSize)
	putU64(mvvar, 0, rodataAddr+0x00)               // name
	putU64(mvvar, 8, dataAddr+0x00)                 // variable_location
	putU32(mvvar, 16, uint32(4)|1<<31)              // width=4, bound=1

	mvdata := make([]byte, 2*mvgraph.MvfnRecordSize+2*mvgraph.AssignmentRecordSize)
	nopAssignAddr := mvdataAddr + 2*mvgraph.MvfnRecordSize
	constAssignAddr := nopAssignAddr + mvgraph.AssignmentRecordSize
	putU64(mvdata, 0, mvtextAddr+0x00) // nop mvfn function_body
	putU32(mvdata, 8, 1)
	putU64(mvdata, 12, uint64(nopAssignAddr))
	putU64(mvdata, mvgraph.MvfnRecordSize+0, mvtextAddr+0x10) // constant mvfn function_body
	putU32(mvdata, mvgraph.MvfnRecordSize+8, 1)
	putU64(mvdata, mvgraph.MvfnRecordSize+12, uint64(constAssignAddr))
	putU32(mvdata, mvgraph.MvfnRecordSize+24, 7) // constant = 7
	off := 2 * mvgraph.MvfnRecordSize
	putU64(mvdata, off, dataAddr+0x00)
	putU32(mvdata, off+8, 0)
	putU32(mvdata, off+12, 1)
	off += mvgraph.AssignmentRecordSize
	putU64(mvdata, off, dataAddr+0x00)
	putU32(mvdata, off+8, 2)
	putU32(mvdata, off+12, 5)

	mvtext := make([]byte, 0x20)
	mvtext[0x00] = 0xc3
	mvtext[0x10] = 0xb8
	putU32(mvtext, 0x11, 7)
	mvtext[0x15] = 0xc3

	mvfn := make([]byte, mvgraph.FnRecordSize)
	putU64(mvfn, 0, rodataAddr+0x10) // name
	putU64(mvfn, 8, textAddr+0x00)   // function_body
	putU32(mvfn, 16, 2)              // n_mv_functions
	putU64(mvfn, 20, mvdataAddr)     // mv_functions

	text := make([]byte, 0x40)
	copy(text[0x00:], []byte{0x90, 0x90, 0x90, 0x90, 0x90})
	callAddr := textAddr + 0x10
	disp := int32(int64(textAddr) - int64(callAddr+5))
	text[0x10] = 0xe8
	putU32(text, 0x11, uint32(disp))

	mvcs := make([]byte, mvgraph.CallsiteRecordSize)
	putU64(mvcs, 0, textAddr+0x00)
	putU64(mvcs, 8, callAddr)

	bss := make([]byte, 0) // NOBITS, no file bytes

	rodataSec := newSection(".rodata", elfimage.SHTProgbits, rodataAddr, rodataAddr, rodata, uint64(len(rodata)))
	dataSec := newSection(".data", elfimage.SHTProgbits, dataAddr, dataAddr, data, uint64(len(data)))
	textSec := newSection(".text", elfimage.SHTProgbits, textAddr, textAddr, text, uint64(len(text)))
	mvvarSec := newSection("__multiverse_var_", elfimage.SHTProgbits, mvvarAddr, mvvarAddr, mvvar, uint64(len(mvvar)))
	mvfnSec := newSection("__multiverse_fn_", elfimage.SHTProgbits, mvfnAddr, mvfnAddr, mvfn, uint64(len(mvfn)))
	mvcsSec := newSection("__multiverse_callsite_", elfimage.SHTProgbits, mvcsAddr, mvcsAddr, mvcs, uint64(len(mvcs)))
	mvdataSec := newSection("__multiverse_data_", elfimage.SHTProgbits, mvdataAddr, mvdataAddr, mvdata, uint64(len(mvdata)))
	mvtextSec := newSection("__multiverse_text_", elfimage.SHTProgbits, mvtextAddr, mvtextAddr, mvtext, uint64(len(mvtext)))
	bssSec := newSection(".bss", elfimage.SHTNobits, bssAddr, bssAddr, bss, 0x100)
	relaSec := newSection(".rela.dyn", elfimage.SHTRela, 0, 0, nil, 0)
	dynSec := newSection(".dynamic", elfimage.SHTDynamic, 0, 0, nil, 0)
	symtabSec := newSection(".symtab", elfimage.SHTSymtab, 0, 0, nil, 0)

	sections := []*elfimage.Section{rodataSec, dataSec, textSec, mvvarSec, mvfnSec, mvcsSec, mvdataSec, mvtextSec, bssSec, relaSec, dynSec, symtabSec}
	for i, s := range sections {
		s.Index = i
	}

	img := elfimage.NewImage(
		elfimage.Ehdr{Shoff: 0x9000},
		[]elfimage.Phdr{{Type: elfimage.PTLoad, Offset: 0, Vaddr: 0, Filesz: bssAddr, Memsz: bssAddr + 0x100}},
		sections,
		[]elfimage.Sym{
			{SymName: "__start___multiverse_var_ptr", Value: dataAddr + 0x08},
			{SymName: "__stop___multiverse_var_ptr", Value: dataAddr + 0x10},
			{SymName: "__start___multiverse_fn_ptr", Value: dataAddr + 0x18},
			{SymName: "__stop___multiverse_fn_ptr", Value: dataAddr + 0x20},
			{SymName: "__start___multiverse_callsite_ptr", Value: dataAddr + 0x28},
			{SymName: "__stop___multiverse_callsite_ptr", Value: dataAddr + 0x30},
		},
		[]elfimage.Rela{
			elfimage.NewRelativeRela(dataAddr+0x08, mvvarAddr),
			elfimage.NewRelativeRela(dataAddr+0x10, uint64(mvvarAddr+mvgraph.VarRecordSize)),
			elfimage.NewRelativeRela(dataAddr+0x18, mvfnAddr),
			elfimage.NewRelativeRela(dataAddr+0x20, uint64(mvfnAddr+mvgraph.FnRecordSize)),
			elfimage.NewRelativeRela(dataAddr+0x28, mvcsAddr),
			elfimage.NewRelativeRela(dataAddr+0x30, uint64(mvcsAddr+mvgraph.CallsiteRecordSize)),
		},
		[]elfimage.Dyn{
			{Tag: elfimage.DTRelasz, Val: 6 * elfimage.RelaSize},
			{Tag: elfimage.DTRelacount, Val: 6},
		},
	)

	rodataW := &mvsection.Rodata{Wrapper: mvsection.NewWrapper(rodataSec)}
	dataW := &mvsection.Data{Wrapper: mvsection.NewWrapper(dataSec)}
	textW := &mvsection.Text{Wrapper: mvsection.NewWrapper(textSec)}
	mvvarW := &mvsection.MVVar{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvvarSec)}}
	mvfnW := &mvsection.MVFn{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvfnSec)}}
	mvcsW := &mvsection.MVCs{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvcsSec)}}
	mvdataW := &mvsection.MVData{Wrapper: mvsection.NewWrapper(mvdataSec)}
	mvtextW := &mvsection.MVText{Wrapper: mvsection.NewWrapper(mvtextSec)}
	bssW := &mvsection.Bss{Wrapper: mvsection.NewWrapper(bssSec)}
	dynW := &mvsection.Dynamic{Wrapper: mvsection.NewWrapper(dynSec), Entries: img.Dynamic}

	g, err := mvgraph.Build(mvgraph.Input{
		Image: img, Rodata: rodataW, Data: dataW, Text: textW,
		MVVar: mvvarW, MVFn: mvfnW, MVCs: mvcsW, MVData: mvdataW, MVText: mvtextW,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The driver wires each metadata section's boundary-word addresses
	// after Build so the initial relocation bucketing routes stale
	// boundary relocations to the owning section (and out of .data's
	// bucket) instead of leaving them stranded there.
	mvvarW.StartPtr, mvvarW.StopPtr = g.VarBoundary.StartPtrAddr, g.VarBoundary.StopPtrAddr
	mvfnW.StartPtr, mvfnW.StopPtr = g.FnBoundary.StartPtrAddr, g.FnBoundary.StopPtrAddr
	mvcsW.StartPtr, mvcsW.StopPtr = g.CallsiteBoundary.StartPtrAddr, g.CallsiteBoundary.StopPtrAddr

	e := &Engine{
		Image: img, Graph: g,
		Data: dataW, Bss: bssW, MVData: mvdataW, MVFn: mvfnW, MVVar: mvvarW, MVCs: mvcsW, MVText: mvtextW, Dynamic: dynW,
	}

	return &fixture{img: img, graph: g, engine: e, bssSeg: 0}
}

func TestTrimNoOpWhenNothingFrozen(t *testing.T) {
	f := buildFixture(t)
	res, err := f.engine.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Shrinkage != 0 {
		t.Fatalf("shrinkage = %d, want 0 (nothing frozen)", res.Shrinkage)
	}
	if res.VarsKept != 1 || res.FnsKept != 1 || res.CsKept != 1 {
		t.Fatalf("unexpected kept counts: %+v", res)
	}
	if f.engine.Bss.Sec.Shdr.Size != 0x100 {
		t.Fatalf(".bss size changed despite zero shrinkage: %#x", f.engine.Bss.Sec.Shdr.Size)
	}

	// Boundary words must point at the (possibly reordered) new section
	// extents.
	wantVarStart := f.engine.MVVar.Sec.Shdr.Addr
	gotVarStart, _ := f.engine.Data.Sec.Uint64At(dataAddr + 0x08)
	if gotVarStart != wantVarStart {
		t.Fatalf("var start boundary = %#x, want %#x", gotVarStart, wantVarStart)
	}
}

func TestTrimShrinksWhenEverythingFrozen(t *testing.T) {
	f := buildFixture(t)
	f.graph.Vars[0].Frozen = true
	f.graph.Fns[0].Frozen = true

	res, err := f.engine.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	const wantShrinkage = 176 // 28 (var) + 44 (fn) + 16 (cs) + 88 (data) = original region size
	if res.Shrinkage != wantShrinkage {
		t.Fatalf("shrinkage = %d, want %d", res.Shrinkage, wantShrinkage)
	}
	if res.VarsKept != 0 || res.FnsKept != 0 || res.CsKept != 0 {
		t.Fatalf("expected everything dropped, got %+v", res)
	}
	if f.engine.Bss.Sec.Shdr.Size != 0x100+wantShrinkage {
		t.Fatalf(".bss size = %#x, want %#x", f.engine.Bss.Sec.Shdr.Size, 0x100+wantShrinkage)
	}
	if f.engine.MVVar.Sec.Shdr.Size != 0 || f.engine.MVFn.Sec.Shdr.Size != 0 || f.engine.MVCs.Sec.Shdr.Size != 0 || f.engine.MVData.Sec.Shdr.Size != 0 {
		t.Fatalf("expected all four metadata sections to shrink to zero")
	}

	relaCount := 0
	for _, r := range f.img.Relas {
		if r.RelocType() == elfimage.RX8664Relative {
			relaCount++
		}
	}
	if idx, ok := f.engine.Dynamic.Get(elfimage.DTRelacount); ok {
		if f.engine.Dynamic.Entries[idx].Val != uint64(relaCount) {
			t.Fatalf("DT_RELACOUNT = %d, want %d", f.engine.Dynamic.Entries[idx].Val, relaCount)
		}
	}
}

func TestTrimRejectsMisplacedBss(t *testing.T) {
	f := buildFixture(t)
	f.engine.Bss.Sec.Shdr.Offset++ // no longer at the segment's file-size tail
	if _, err := f.engine.Run(); err == nil {
		t.Fatal("expected a LayoutViolation error")
	}
}
