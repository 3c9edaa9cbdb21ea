package mvgraph

import (
	"testing"

	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvsection"
)

// newSection builds a *elfimage.Section covering [addr, addr+len(data))
// for test fixtures, sidestepping a full ELF file parse.
func newSection(name string, addr uint64, data []byte) *elfimage.Section {
	return &elfimage.Section{
		Name: name,
		Shdr: elfimage.Shdr{Addr: addr, Size: uint64(len(data))},
		Data: data,
	}
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

// buildFixture assembles a minimal synthetic binary: one Var ("config",
// width 4) at .data+0x00, one Fn ("work") with two variants (a NOP body
// and a CONSTANT(7) body) each gated by a disjoint [lower,upper] range
// on config, and one direct-CALL patchpoint in .text calling Fn.
func buildFixture(t *testing.T) Input {
	t.Helper()

	const (
		rodataAddr = 0x1000
		dataAddr   = 0x2000
		textAddr   = 0x3000
		mvvarAddr  = 0x4000
		mvfnAddr   = 0x5000
		mvcsAddr   = 0x6000
		mvdataAddr = 0x7000
		mvtextAddr = 0x8000
	)

	rodata := make([]byte, 0x40)
	copy(rodata[0x00:], "config\x00")
	copy(rodata[0x10:], "work\x00")

	// .data layout: [0x00] config value (4 bytes)
	//               [0x08] __start_var_ptr word, [0x10] __stop_var_ptr word
	//               [0x18] __start_fn_ptr word, [0x20] __stop_fn_ptr word
	//               [0x28] __start_cs_ptr word, [0x30] __stop_cs_ptr word
	data := make([]byte, 0x40)
	putU32(data, 0x00, 3) // config = 3, falls in the CONSTANT(7) variant's [2,5] range
	putU64(data, 0x08, mvvarAddr)
	putU64(data, 0x10, mvvarAddr+VarRecordSize)
	putU64(data, 0x18, mvfnAddr)
	putU64(data, 0x20, mvfnAddr+FnRecordSize)
	putU64(data, 0x28, mvcsAddr)
	putU64(data, 0x30, mvcsAddr+CallsiteRecordSize)

	mvvar := make([]byte, VarRecordSize)
	v := rawVar{Name: rodataAddr + 0x00, VariableLocation: dataAddr + 0x00, InfoBits: makeInfoBits(4, true, false, true)}
	copy(mvvar, v.bytes())

	// Two variants: NOP active for config in [0,1], CONSTANT(7) active
	// for config in [2,5].
	mvdata := make([]byte, 2*MvfnRecordSize+2*AssignmentRecordSize)
	nopMvfn := rawMvfn{FunctionBody: mvtextAddr + 0x00, NAssignments: 1, Assignments: mvdataAddr + 2*MvfnRecordSize}
	constMvfn := rawMvfn{FunctionBody: mvtextAddr + 0x10, NAssignments: 1, Assignments: mvdataAddr + 2*MvfnRecordSize + AssignmentRecordSize}
	copy(mvdata[0:], nopMvfn.bytes())
	copy(mvdata[MvfnRecordSize:], constMvfn.bytes())
	nopAssign := rawAssignment{Location: dataAddr + 0x00, Lower: 0, Upper: 1}
	constAssign := rawAssignment{Location: dataAddr + 0x00, Lower: 2, Upper: 5}
	copy(mvdata[2*MvfnRecordSize:], nopAssign.bytes())
	copy(mvdata[2*MvfnRecordSize+AssignmentRecordSize:], constAssign.bytes())

	mvtext := make([]byte, 0x20)
	mvtext[0x00] = 0xc3 // bare ret -> NOP
	mvtext[0x10] = 0xb8 // B8 <imm32> ret -> CONSTANT(7)
	putU32(mvtext, 0x11, 7)
	mvtext[0x15] = 0xc3

	mvfn := make([]byte, FnRecordSize)
	f := rawFn{Name: rodataAddr + 0x10, FunctionBody: textAddr + 0x00, NMvFunctions: 2, MvFunctions: mvdataAddr}
	copy(mvfn, f.bytes())

	text := make([]byte, 0x40)
	// Fn.Body: a 5-byte synthetic-JUMP-sized placeholder (irrelevant bytes).
	copy(text[0x00:], []byte{0x90, 0x90, 0x90, 0x90, 0x90})
	// direct CALL to Fn.Body at text+0x10: E8 <disp32>
	callAddr := textAddr + 0x10
	disp := int32(int64(textAddr) - int64(callAddr+5))
	text[0x10] = 0xe8
	putU32(text, 0x11, uint32(disp))

	mvcs := make([]byte, CallsiteRecordSize)
	cs := rawCallsite{FunctionBody: textAddr + 0x00, CallLabel: callAddr}
	copy(mvcs, cs.bytes())

	rodataSec := newSection(".rodata", rodataAddr, rodata)
	dataSec := newSection(".data", dataAddr, data)
	textSec := newSection(".text", textAddr, text)
	mvvarSec := newSection("__multiverse_var_", mvvarAddr, mvvar)
	mvfnSec := newSection("__multiverse_fn_", mvfnAddr, mvfn)
	mvcsSec := newSection("__multiverse_callsite_", mvcsAddr, mvcs)
	mvdataSec := newSection("__multiverse_data_", mvdataAddr, mvdata)
	mvtextSec := newSection("__multiverse_text_", mvtextAddr, mvtext)

	img := &elfimage.Image{
		Symbols: []elfimage.Sym{
			{SymName: "__start___multiverse_var_ptr", Value: dataAddr + 0x08},
			{SymName: "__stop___multiverse_var_ptr", Value: dataAddr + 0x10},
			{SymName: "__start___multiverse_fn_ptr", Value: dataAddr + 0x18},
			{SymName: "__stop___multiverse_fn_ptr", Value: dataAddr + 0x20},
			{SymName: "__start___multiverse_callsite_ptr", Value: dataAddr + 0x28},
			{SymName: "__stop___multiverse_callsite_ptr", Value: dataAddr + 0x30},
		},
	}

	return Input{
		Image:  img,
		Rodata: &mvsection.Rodata{Wrapper: mvsection.NewWrapper(rodataSec)},
		Data:   &mvsection.Data{Wrapper: mvsection.NewWrapper(dataSec)},
		Text:   &mvsection.Text{Wrapper: mvsection.NewWrapper(textSec)},
		MVVar:  &mvsection.MVVar{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvvarSec)}},
		MVFn:   &mvsection.MVFn{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvfnSec)}},
		MVCs:   &mvsection.MVCs{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvcsSec)}},
		MVData: &mvsection.MVData{Wrapper: mvsection.NewWrapper(mvdataSec)},
		MVText: &mvsection.MVText{Wrapper: mvsection.NewWrapper(mvtextSec)},
	}
}

func TestBuildGraph(t *testing.T) {
	in := buildFixture(t)
	g, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(g.Vars) != 1 {
		t.Fatalf("got %d vars, want 1", len(g.Vars))
	}
	cfg := g.Vars[0]
	if cfg.Name != "config" || cfg.Value != 3 || cfg.Width != 4 {
		t.Fatalf("unexpected var: %+v", cfg)
	}

	if len(g.Fns) != 1 {
		t.Fatalf("got %d fns, want 1", len(g.Fns))
	}
	fn := g.Fns[0]
	if fn.Name != "work" || len(fn.Variants) != 2 {
		t.Fatalf("unexpected fn: %+v", fn)
	}
	// Build leaves every Var unfrozen, and Active only counts frozen
	// values; once config is frozen, exactly one of the two variants
	// should be active for config=3.
	g.Vars[0].Frozen = true
	active := 0
	for i := range fn.Variants {
		if fn.Variants[i].Active(g) {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("got %d active variants for config=3, want 1", active)
	}
	if !fn.Variants[1].Active(g) {
		t.Fatalf("expected the CONSTANT(7) variant (index 1) to be active")
	}

	// Two patchpoints: the synthetic entry JUMP plus the direct CALL.
	if len(fn.Patchpoints) != 2 {
		t.Fatalf("got %d patchpoints for fn, want 2", len(fn.Patchpoints))
	}
	if fn.OriginalBodyPP < 0 {
		t.Fatalf("OriginalBodyPP was not set")
	}
	callPP := g.Patchpoints[fn.Patchpoints[1]]
	if callPP.Kind.String() != "CALL" || callPP.Length != 5 {
		t.Fatalf("unexpected call patchpoint: %+v", callPP)
	}
}
