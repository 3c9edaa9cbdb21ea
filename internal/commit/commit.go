// Package commit implements spec.md §4.5, the Commit Engine: writing
// "-s name=value" changes into .data, freezing variables named by "-a"
// (or every variable under -A), selecting the first fully-satisfied
// variant per affected function, and patching every one of that
// function's patchpoints to jump to, call, or inline the selected variant.
//
// Grounded on original_source/src/bintail.cpp's Bintail::change/apply/
// apply_all and original_source/mvelem.cpp's MVFn::apply /
// MVVar::set_value.
package commit

import (
	"fmt"

	"github.com/xyproto/bintail/internal/archx86"
	"github.com/xyproto/bintail/internal/mvgraph"
	"github.com/xyproto/bintail/internal/mvsection"
)

// ErrUnknownVariable reports a -s/-a name with no matching Var. Per
// spec.md §7 this is a non-fatal warning: the driver logs it and moves
// on rather than aborting the run.
type ErrUnknownVariable struct{ Name string }

func (e *ErrUnknownVariable) Error() string {
	return fmt.Sprintf("unknown variable %q", e.Name)
}

// Engine bundles the graph and section wrappers commit needs to write
// bytes and poison variant bodies.
type Engine struct {
	Graph  *mvgraph.Graph
	Data   *mvsection.Data
	Text   *mvsection.Text
	MVText *mvsection.MVText
	Guard  bool
}

func (e *Engine) findVar(name string) (*mvgraph.Var, bool) {
	for i := range e.Graph.Vars {
		if e.Graph.Vars[i].Name == name {
			return &e.Graph.Vars[i], true
		}
	}
	return nil, false
}

// Change implements step 1: write value into .data at Var.address using
// Var.width, and update Var.value. Returns *ErrUnknownVariable (and
// performs no write) if name matches no Var.
func (e *Engine) Change(name string, value uint64) error {
	v, ok := e.findVar(name)
	if !ok {
		return &ErrUnknownVariable{Name: name}
	}
	if !e.Data.WriteVarValue(v.Address, value, v.Width) {
		return fmt.Errorf("commit: writing %s: address %#x not in .data", name, v.Address)
	}
	v.Value = value & widthMask(v.Width)
	return nil
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(width))) - 1
}

// Apply implements step 2 for a single named variable: freeze it and
// attempt to select+patch every Fn reachable through one of its
// Assigns.
func (e *Engine) Apply(name string) error {
	v, ok := e.findVar(name)
	if !ok {
		return &ErrUnknownVariable{Name: name}
	}
	return e.freezeAndPatch(v)
}

// ApplyAll implements the -A flag: freeze every Var and attempt to
// select+patch every Fn.
func (e *Engine) ApplyAll() error {
	for i := range e.Graph.Vars {
		if err := e.freezeAndPatch(&e.Graph.Vars[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) freezeAndPatch(v *mvgraph.Var) error {
	v.Frozen = true

	// Every Fn reachable through one of this Var's Assigns may now have
	// become decidable; re-evaluate each (deduplicated) exactly once.
	seen := map[mvgraph.FnID]bool{}
	for _, assignIdx := range v.Assigns {
		for fi := range e.Graph.Fns {
			fn := &e.Graph.Fns[fi]
			if fn.Frozen || seen[fn.ID] {
				continue
			}
			if !fnReferencesAssign(fn, assignIdx) {
				continue
			}
			seen[fn.ID] = true
			if err := e.selectAndPatch(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func fnReferencesAssign(fn *mvgraph.Fn, assignIdx int) bool {
	for i := range fn.Variants {
		for _, idx := range fn.Variants[i].AssignIdx {
			if idx == assignIdx {
				return true
			}
		}
	}
	return false
}

// selectAndPatch picks the first Mvfn whose every Assign is satisfied
// under current frozen values (metadata order = ties broken in favor of
// the earliest variant), and, if one is found, patches every Patchpoint
// of fn to dispatch to it. If no variant qualifies, fn is left unfrozen
// and untouched.
func (e *Engine) selectAndPatch(fn *mvgraph.Fn) error {
	selected := -1
	for i := range fn.Variants {
		if fn.Variants[i].Active(e.Graph) {
			selected = i
			break
		}
	}
	if selected < 0 {
		return nil
	}

	if e.Guard {
		if err := e.poisonOthers(fn, selected); err != nil {
			return err
		}
	}

	variant := fn.Variants[selected]
	for _, ppIdx := range fn.Patchpoints {
		pp := &e.Graph.Patchpoints[ppIdx]
		if err := e.patchOne(pp, variant); err != nil {
			return err
		}
	}

	fn.Frozen = true
	fn.SelectedMvfn = selected
	return nil
}

// patchOne emits the replacement bytes for one Patchpoint given the
// selected variant and writes them over the original instruction bytes
// in .text (archx86.EmitPatch/EmitJump, spec.md §4.4).
func (e *Engine) patchOne(pp *mvgraph.Patchpoint, variant mvgraph.Mvfn) error {
	var patched []byte
	if pp.Kind == archx86.KindJump {
		patched = archx86.EmitJump(pp.Address, variant.Body)
	} else {
		indirect := pp.Kind == archx86.KindIndirectCall
		var err error
		patched, err = archx86.EmitPatch(pp.Address, indirect, variant.Kind, variant.Constant, variant.Body)
		if err != nil {
			return err
		}
	}
	dst, ok := e.Text.Sec.CodeBytesAt(pp.Address, len(patched))
	if !ok {
		return fmt.Errorf("commit: patchpoint %#x does not fit in .text", pp.Address)
	}
	copy(dst, patched)
	e.Text.Sec.Dirty = true
	return nil
}

// poisonOthers overwrites every variant body of fn other than selected,
// and the generic body at fn.Body, with 0xCC (int3) for their full
// symbol-declared size (spec.md §4.5's guard mode). Sizes come from
// each body's ELF symbol (original_source/mvelem.h: MVmvfn::size()
// returns symbol.sym.st_size), not a guessed length per variant shape.
func (e *Engine) poisonOthers(fn *mvgraph.Fn, selected int) error {
	for i := range fn.Variants {
		if i == selected {
			continue
		}
		v := fn.Variants[i]
		if !e.MVText.Sec.Fill(v.Body, 0xcc, int(v.Size)) {
			return fmt.Errorf("commit: poisoning variant body %#x: out of bounds", v.Body)
		}
	}
	if !e.Text.Sec.Fill(fn.Body, 0xcc, int(fn.Size)) {
		return fmt.Errorf("commit: poisoning generic body %#x: out of bounds", fn.Body)
	}
	return nil
}
