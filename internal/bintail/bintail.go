// Package bintail is the Driver of spec.md §4's top-level sequencing:
// load the ELF image, build the multiverse graph, apply requested
// changes, trim now-dead metadata, and write the result.
//
// Grounded on original_source/bintail.h's MVCTL public surface
// (load/change/apply/write as one sequenced value) and the teacher's
// main.go global-flag/VerboseMode wiring style, adapted from a
// compiler driver to an ELF rewrite driver.
package bintail

import (
	"io"
	"os"

	"github.com/xyproto/bintail/internal/commit"
	"github.com/xyproto/bintail/internal/elfimage"
	"github.com/xyproto/bintail/internal/mvgraph"
	"github.com/xyproto/bintail/internal/mvsection"
	"github.com/xyproto/bintail/internal/trim"
)

// Bintail is the run's single owning value: one loaded image, one
// multiverse graph, and the section wrappers both engines mutate
// (spec.md §9's "no global state" note).
type Bintail struct {
	Image *elfimage.Image
	Graph *mvgraph.Graph

	srcPath string
	srcPerm os.FileMode

	rodata  *mvsection.Rodata
	data    *mvsection.Data
	text    *mvsection.Text
	bss     *mvsection.Bss
	mvvar   *mvsection.MVVar
	mvfn    *mvsection.MVFn
	mvcs    *mvsection.MVCs
	mvdata  *mvsection.MVData
	mvtext  *mvsection.MVText
	dynamic *mvsection.Dynamic

	commit *commit.Engine
}

// Load opens path, parses it as an ELF64 image, and assembles the
// section wrappers and multiverse graph. The graph-only failure mode
// (no __multiverse_fn_) is valid: a binary with variables but no
// specialized functions.
func Load(path string) (*Bintail, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ioError(path, err)
	}

	img, err := elfimage.Load(path)
	if err != nil {
		return nil, elfMalformed("%v", err)
	}

	bt := &Bintail{Image: img, srcPath: path, srcPerm: info.Mode().Perm()}

	required := map[string]**elfimage.Section{}
	var rodataSec, dataSec, textSec, bssSec, dynSec *elfimage.Section
	for name, dst := range map[string]**elfimage.Section{
		".rodata": &rodataSec, ".data": &dataSec, ".text": &textSec,
		".bss": &bssSec, ".dynamic": &dynSec,
	} {
		required[name] = dst
	}
	for name, dst := range required {
		sec, ok := img.Section(name)
		if !ok {
			return nil, elfMalformed("missing required section %s", name)
		}
		*dst = sec
	}

	mvvarSec, ok := img.Section("__multiverse_var_")
	if !ok {
		return nil, elfMalformed("missing required section __multiverse_var_")
	}

	bt.rodata = &mvsection.Rodata{Wrapper: mvsection.NewWrapper(rodataSec)}
	bt.data = &mvsection.Data{Wrapper: mvsection.NewWrapper(dataSec)}
	bt.text = &mvsection.Text{Wrapper: mvsection.NewWrapper(textSec)}
	bt.bss = &mvsection.Bss{Wrapper: mvsection.NewWrapper(bssSec)}
	bt.dynamic = &mvsection.Dynamic{Wrapper: mvsection.NewWrapper(dynSec), Entries: img.Dynamic}
	bt.mvvar = &mvsection.MVVar{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvvarSec)}}

	in := mvgraph.Input{
		Image: img, Rodata: bt.rodata, Data: bt.data, Text: bt.text, MVVar: bt.mvvar,
	}

	if mvfnSec, ok := img.Section("__multiverse_fn_"); ok {
		bt.mvfn = &mvsection.MVFn{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvfnSec)}}
		in.MVFn = bt.mvfn
	}
	if mvcsSec, ok := img.Section("__multiverse_callsite_"); ok {
		bt.mvcs = &mvsection.MVCs{MVSection: mvsection.MVSection{Wrapper: mvsection.NewWrapper(mvcsSec)}}
		in.MVCs = bt.mvcs
	}
	if mvdataSec, ok := img.Section("__multiverse_data_"); ok {
		bt.mvdata = &mvsection.MVData{Wrapper: mvsection.NewWrapper(mvdataSec)}
		in.MVData = bt.mvdata
	}
	if mvtextSec, ok := img.Section("__multiverse_text_"); ok {
		bt.mvtext = &mvsection.MVText{Wrapper: mvsection.NewWrapper(mvtextSec)}
		in.MVText = bt.mvtext
	}

	g, err := mvgraph.Build(in)
	if err != nil {
		return nil, classify(err)
	}
	bt.Graph = g

	bt.mvvar.StartPtr, bt.mvvar.StopPtr = g.VarBoundary.StartPtrAddr, g.VarBoundary.StopPtrAddr
	if bt.mvfn != nil {
		bt.mvfn.StartPtr, bt.mvfn.StopPtr = g.FnBoundary.StartPtrAddr, g.FnBoundary.StopPtrAddr
	}
	if bt.mvcs != nil {
		bt.mvcs.StartPtr, bt.mvcs.StopPtr = g.CallsiteBoundary.StartPtrAddr, g.CallsiteBoundary.StopPtrAddr
	}

	bt.commit = &commit.Engine{Graph: g, Data: bt.data, Text: bt.text, MVText: bt.mvtext}

	trace(os.Stderr, "loaded %s: %d var(s), %d fn(s)", path, len(g.Vars), len(g.Fns))

	return bt, nil
}

// Guard toggles commit's unselected-variant poisoning (-g).
func (bt *Bintail) Guard(on bool) { bt.commit.Guard = on }

// Change implements -s name=value: freezes nothing by itself, only
// records the new value. UnknownVariable is a warning, not fatal.
func (bt *Bintail) Change(name string, value uint64, stderr io.Writer) error {
	if err := bt.commit.Change(name, value); err != nil {
		if _, ok := err.(*commit.ErrUnknownVariable); ok {
			Warn(stderr, unknownVariable(name))
			return nil
		}
		return elfMalformed("%v", err)
	}
	return nil
}

// Apply implements -a name.
func (bt *Bintail) Apply(name string, stderr io.Writer) error {
	if err := bt.commit.Apply(name); err != nil {
		if _, ok := err.(*commit.ErrUnknownVariable); ok {
			Warn(stderr, unknownVariable(name))
			return nil
		}
		return elfMalformed("%v", err)
	}
	return nil
}

// ApplyAll implements -A.
func (bt *Bintail) ApplyAll() error {
	if err := bt.commit.ApplyAll(); err != nil {
		return elfMalformed("%v", err)
	}
	return nil
}

// Trim runs the trim engine over whatever commit froze, returning its
// accounting for the success summary.
func (bt *Bintail) Trim() (*trim.Result, error) {
	if bt.mvfn == nil || bt.mvcs == nil || bt.mvdata == nil || bt.mvtext == nil {
		// Nothing to trim: a var-only binary has no metadata area to
		// regenerate.
		return &trim.Result{VarsKept: len(bt.Graph.Vars)}, nil
	}
	eng := &trim.Engine{
		Image: bt.Image, Graph: bt.Graph,
		Data: bt.data, Bss: bt.bss, MVData: bt.mvdata, MVFn: bt.mvfn, MVVar: bt.mvvar, MVCs: bt.mvcs,
		MVText: bt.mvtext, Dynamic: bt.dynamic,
	}
	res, err := eng.Run()
	if err != nil {
		return nil, layoutViolation("%v", err)
	}
	trace(os.Stderr, "trim: %d byte(s) reclaimed, %d var(s)/%d fn(s)/%d callsite(s) kept",
		res.Shrinkage, res.VarsKept, res.FnsKept, res.CsKept)
	return res, nil
}

// Write serializes the (possibly mutated) image to outPath, carrying
// over the input file's permission bits.
func (bt *Bintail) Write(outPath string) error {
	if err := bt.Image.WriteTo(outPath, bt.srcPerm); err != nil {
		return ioError(outPath, err)
	}
	return nil
}

// Summary reports the current graph's kept counts for a read-only run
// (no trim performed, e.g. when no outfile was given).
func (bt *Bintail) Summary() Summary {
	s := Summary{}
	for _, v := range bt.Graph.Vars {
		if !v.Frozen {
			s.Vars++
		}
	}
	for _, fn := range bt.Graph.Fns {
		if !fn.Frozen {
			s.Fns++
			s.Callsites += len(fn.Patchpoints) - 1 // exclude the synthetic entry jump
		}
	}
	return s
}
