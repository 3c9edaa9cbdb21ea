package commit

import (
	"testing"

	"github.com/xyproto/bintail/internal/archx86"
	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvgraph"
	"github.com/xyproto/bintail/internal/mvsection"
)

func newSection(addr uint64, data []byte) *elfimage.Section {
	return &elfimage.Section{Shdr: elfimage.Shdr{Addr: addr, Size: uint64(len(data))}, Data: data}
}

// newFixture builds a graph with one Var ("flag", width 1) at data+0x00
// and one Fn ("greet") with a NOP variant active for flag==0 and a
// CONSTANT(1) variant active for flag==1, reachable through one direct
// CALL patchpoint and the synthetic entry JUMP.
func newFixture() (*Engine, *mvgraph.Graph) {
	const (
		textAddr   = 0x3000
		mvtextAddr = 0x8000
	)

	data := make([]byte, 0x10)
	text := make([]byte, 0x40)
	copy(text[0x00:], []byte{0x90, 0x90, 0x90, 0x90, 0x90}) // Fn.Body placeholder
	text[0x10] = 0xe8                                       // direct CALL at text+0x10
	// disp32 so callee == Fn.Body (value irrelevant to commit, only decode matters)
	disp := int32(int64(textAddr) - int64(textAddr+0x10+5))
	putU32(text, 0x11, uint32(disp))

	mvtext := make([]byte, 0x20)
	mvtext[0x00] = 0xc3 // NOP variant body
	mvtext[0x10] = 0xb8 // CONSTANT(1) variant body
	putU32(mvtext, 0x11, 1)
	mvtext[0x15] = 0xc3

	g := &mvgraph.Graph{
		Vars: []mvgraph.Var{{ID: 0, Name: "flag", Address: 0x00, Width: 1}},
	}
	g.Assigns = []mvgraph.Assign{
		{VarID: 0, Lower: 0, Upper: 0},
		{VarID: 0, Lower: 1, Upper: 1},
	}
	g.Vars[0].Assigns = []int{0, 1}

	fn := mvgraph.Fn{
		ID:           0,
		Name:         "greet",
		Body:         textAddr + 0x00,
		Size:         5,
		SelectedMvfn: -1,
		Variants: []mvgraph.Mvfn{
			{Body: mvtextAddr + 0x00, Size: 1, Kind: archx86.KindNop, AssignIdx: []int{0}},
			{Body: mvtextAddr + 0x10, Size: 6, Kind: archx86.KindConstant, Constant: 1, AssignIdx: []int{1}},
		},
	}
	g.Fns = []mvgraph.Fn{fn}

	g.Patchpoints = []mvgraph.Patchpoint{
		{Address: textAddr + 0x00, FnID: 0, Kind: archx86.KindJump, Length: 5},
		{Address: textAddr + 0x10, FnID: 0, Kind: archx86.KindCall, Length: 5},
	}
	g.Fns[0].Patchpoints = []int{0, 1}
	g.Fns[0].OriginalBodyPP = 0

	e := &Engine{
		Graph:  g,
		Data:   &mvsection.Data{Wrapper: mvsection.NewWrapper(newSection(0, data))},
		Text:   &mvsection.Text{Wrapper: mvsection.NewWrapper(newSection(textAddr, text))},
		MVText: &mvsection.MVText{Wrapper: mvsection.NewWrapper(newSection(mvtextAddr, mvtext))},
	}
	return e, g
}

func putU32(b []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		b[off+i] = byte(v)
		v >>= 8
	}
}

func TestChangeUnknownVariable(t *testing.T) {
	e, _ := newFixture()
	err := e.Change("nosuch", 1)
	if _, ok := err.(*ErrUnknownVariable); !ok {
		t.Fatalf("got %v, want *ErrUnknownVariable", err)
	}
}

func TestChangeAndApplySelectsConstantVariant(t *testing.T) {
	e, g := newFixture()

	if err := e.Change("flag", 1); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := e.Apply("flag"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	fn := g.Fns[0]
	if !fn.Frozen {
		t.Fatal("fn was not frozen after apply")
	}
	if fn.SelectedMvfn != 1 {
		t.Fatalf("selected variant %d, want 1 (CONSTANT)", fn.SelectedMvfn)
	}

	// The entry JUMP patchpoint must now read E9 <disp32>.
	entry, _ := e.Text.Sec.CodeBytesAt(fn.Body, 5)
	if entry[0] != 0xe9 {
		t.Fatalf("entry jump opcode = %#x, want 0xE9", entry[0])
	}

	// The direct CALL patchpoint must now be B8 01 00 00 00 (CONSTANT(1)).
	call, _ := e.Text.Sec.CodeBytesAt(g.Patchpoints[1].Address, 5)
	want := []byte{0xb8, 0x01, 0x00, 0x00, 0x00}
	if string(call) != string(want) {
		t.Fatalf("call site bytes = % x, want % x", call, want)
	}
}

func TestApplyLeavesFnUnfrozenWhenNoVariantMatches(t *testing.T) {
	e, g := newFixture()
	if err := e.Change("flag", 9); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := e.Apply("flag"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if g.Fns[0].Frozen {
		t.Fatal("fn should remain unfrozen when no variant's range is satisfied")
	}
}

func TestApplyAllGuardModePoisonsOtherVariant(t *testing.T) {
	e, g := newFixture()
	e.Guard = true

	if err := e.Change("flag", 0); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := e.ApplyAll(); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if g.Fns[0].SelectedMvfn != 0 {
		t.Fatalf("selected variant %d, want 0 (NOP)", g.Fns[0].SelectedMvfn)
	}

	// The unselected CONSTANT variant's body must be int3-poisoned.
	constBody, _ := e.MVText.Sec.CodeBytesAt(g.Fns[0].Variants[1].Body, 6)
	for i, b := range constBody {
		if b != 0xcc {
			t.Fatalf("constant variant byte %d = %#x, want 0xCC", i, b)
		}
	}
}
