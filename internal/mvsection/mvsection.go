// Package mvsection provides the strongly-typed Section Wrappers of
// spec.md §4.2: one wrapper per relevant ELF section (.text, .rodata,
// .data, .bss, .dynamic, and the five __multiverse_*_ sections), each
// able to test address containment, read/write pointer-sized words, and
// accumulate the relocations it "owns" for the trim engine to rebuild
// .rela.dyn from in a fixed order.
//
// Grounded on the original bintail's Section/MVSection hierarchy
// (original_source/src/mvscn.cpp: Section::probe_rela, Section::inside,
// Section::in_segment, Section::write_ptr) and on the teacher's
// section-as-struct-with-byte-buffer shape in elf_sections.go.
package mvsection

import "github.com/xyproto/bintail/internal/elfimage"

// Wrapper is the common behavior every section view shares: containment
// tests plus an owned relocation list, rebuilt from scratch on every
// trim pass (Section::relocs.clear() in the original).
type Wrapper struct {
	Sec    *elfimage.Section
	Relocs []elfimage.Rela
}

func NewWrapper(sec *elfimage.Section) Wrapper {
	return Wrapper{Sec: sec}
}

// ClearRelocs drops every previously-claimed relocation, called at the
// start of each trim pass before relocations are reclaimed or freshly
// emitted.
func (w *Wrapper) ClearRelocs() { w.Relocs = nil }

// ClaimReloc records rela as owned by this section iff its offset falls
// inside the section's virtual address range, returning whether it
// claimed it — spec.md §4.2's claim_reloc.
func (w *Wrapper) ClaimReloc(rela elfimage.Rela) bool {
	if w.Sec == nil || !w.Sec.Contains(rela.Offset) {
		return false
	}
	w.Relocs = append(w.Relocs, rela)
	return true
}

func (w *Wrapper) AddReloc(source, target uint64) {
	w.Relocs = append(w.Relocs, elfimage.NewRelativeRela(source, target))
}

// Rodata, Text, Bss are plain section views with no extra bookkeeping
// beyond Wrapper.
type Rodata struct{ Wrapper }
type Text struct{ Wrapper }
type Bss struct{ Wrapper }

// Data is .data: besides the generic Wrapper behavior it knows how to
// read/write a configuration variable of a given byte width (spec.md
// §4.2: "Var.variable_width selects the integer width when reading/
// writing .data; the read discards bits above 8*width").
type Data struct{ Wrapper }

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(width))) - 1
}

// ReadVarValue reads a width-byte little-endian integer at addr out of
// .data, discarding any bits above 8*width.
func (d *Data) ReadVarValue(addr uint64, width int) (uint64, bool) {
	v, ok := d.Sec.Uint64At(addr)
	if !ok {
		// Variables narrower than 8 bytes may sit close enough to the end
		// of .data that a full 8-byte read would run past it; fall back to
		// a byte-by-byte read of exactly `width` bytes.
		return d.readNarrow(addr, width)
	}
	return v & widthMask(width), true
}

func (d *Data) readNarrow(addr uint64, width int) (uint64, bool) {
	off, ok := d.Sec.Offset(addr)
	if !ok || off+width > len(d.Sec.Data) {
		return 0, false
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(d.Sec.Data[off+i])
	}
	return v, true
}

// WriteVarValue writes the low 8*width bits of value at addr in .data.
func (d *Data) WriteVarValue(addr uint64, value uint64, width int) bool {
	off, ok := d.Sec.Offset(addr)
	if !ok || off+width > len(d.Sec.Data) {
		return false
	}
	v := value & widthMask(width)
	for i := 0; i < width; i++ {
		d.Sec.Data[off+i] = byte(v)
		v >>= 8
	}
	d.Sec.Dirty = true
	return true
}

// WritePtr writes a 64-bit boundary pointer into .data at addr (the
// __start___multiverse_<k>_ptr / __stop___multiverse_<k>_ptr words) and,
// for PIE/shared-object inputs, records the matching R_X86_64_RELATIVE
// relocation — spec.md's "boundary word" description and the original's
// Section::write_ptr(fpic, address, destination).
func (d *Data) WritePtr(fpic bool, addr, destination uint64) bool {
	if !d.Sec.PutUint64At(addr, destination) {
		return false
	}
	if fpic {
		d.AddReloc(addr, destination)
	}
	return true
}

// Dynamic is .dynamic: parsed tag/value pairs, exposed for lookups and
// rewritten wholesale by the trim engine after DT_RELASZ/DT_RELACOUNT
// change.
type Dynamic struct {
	Wrapper
	Entries []elfimage.Dyn
}

func (dyn *Dynamic) Get(tag int64) (int, bool) {
	for i, e := range dyn.Entries {
		if e.Tag == tag {
			return i, true
		}
	}
	return 0, false
}

// MVSection is the common shape of the three multiverse metadata section
// wrappers with boundary words (__multiverse_{var,fn,callsite}_): besides Wrapper, each
// tracks the virtual addresses of its libmultiverse start/stop boundary
// symbols so relocations targeting those boundary words are claimed by
// this section rather than falling through to "other".
type MVSection struct {
	Wrapper
	StartPtr uint64 // addr of __start___multiverse_<k>_ptr in .data
	StopPtr  uint64 // addr of __stop___multiverse_<k>_ptr in .data
}

func (m *MVSection) ClaimReloc(rela elfimage.Rela) bool {
	if rela.Offset == m.StartPtr || rela.Offset == m.StopPtr {
		m.Relocs = append(m.Relocs, rela)
		return true
	}
	return m.Wrapper.ClaimReloc(rela)
}

type MVVar struct{ MVSection }
type MVFn struct{ MVSection }
type MVCs struct{ MVSection }

// MVData is __multiverse_data_: holds the Mvfn/Assign arrays. It has no
// start/stop boundary pair of its own (libmultiverse never iterates it
// directly — it's reached only through MVFn.mv_functions pointers), so
// it is a plain Wrapper rather than an MVSection.
type MVData struct{ Wrapper }

// MVText is __multiverse_text_: the variant function bodies. Read-only
// from the trim engine's point of view (no metadata lives there), but
// the commit engine patches and optionally poisons bytes in it.
type MVText struct{ Wrapper }
