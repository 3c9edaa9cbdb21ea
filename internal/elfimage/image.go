package elfimage

import (
	"fmt"
	"os"
)

// Image is the in-memory representation of one ELF64 file: header,
// program headers, sections (with their byte contents), symbol table and
// .rela.dyn entries, and .dynamic entries. It is the "ELF View" of
// spec.md §4.1 — a uniform read/write surface that the rest of bintail
// builds on instead of touching raw bytes directly.
type Image struct {
	Ehdr  Ehdr
	Phdrs []Phdr

	Sections  []*Section
	byName    map[string]*Section
	Shstrtab  *Section

	Symbols     []Sym
	symtabIdx   int // index into Sections
	symstrIdx   int

	Relas       []Rela
	relaDynIdx  int // index into Sections, -1 if absent

	Dynamic    []Dyn
	dynamicIdx int
}

// Load reads path into memory (via mmapFile: a read-only mmap on Linux,
// a plain read on other GOOS values) and parses every structure this
// tool needs.
func Load(path string) (*Image, error) {
	raw, closer, err := mmapFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: open %s: %w", path, err)
	}
	defer closer()

	ehdr, err := readEhdr(raw)
	if err != nil {
		return nil, err
	}
	if ehdr.Type != ETDyn && ehdr.Type != ETExec {
		return nil, fmt.Errorf("elfimage: %s is neither ET_DYN nor ET_EXEC", path)
	}
	if ehdr.Machine != EMX8664 {
		return nil, fmt.Errorf("elfimage: %s is not x86-64 (non-goal architecture)", path)
	}

	im := &Image{Ehdr: ehdr, byName: map[string]*Section{}, relaDynIdx: -1, dynamicIdx: -1, symtabIdx: -1}

	for i := 0; i < int(ehdr.Phnum); i++ {
		off := int(ehdr.Phoff) + i*PhdrSize
		if off+PhdrSize > len(raw) {
			return nil, fmt.Errorf("elfimage: truncated program header table")
		}
		p, err := readPhdr(raw[off : off+PhdrSize])
		if err != nil {
			return nil, err
		}
		im.Phdrs = append(im.Phdrs, p)
	}

	// Section headers, then resolve names via the shstrtab section.
	type rawShdr struct {
		shdr Shdr
	}
	var rawShdrs []Shdr
	for i := 0; i < int(ehdr.Shnum); i++ {
		off := int(ehdr.Shoff) + i*ShdrSize
		if off+ShdrSize > len(raw) {
			return nil, fmt.Errorf("elfimage: truncated section header table")
		}
		s, err := readShdr(raw[off : off+ShdrSize])
		if err != nil {
			return nil, err
		}
		rawShdrs = append(rawShdrs, s)
	}
	if int(ehdr.Shstrndx) >= len(rawShdrs) {
		return nil, fmt.Errorf("elfimage: e_shstrndx out of range")
	}
	shstrShdr := rawShdrs[ehdr.Shstrndx]
	shstrtab := sliceAt(raw, shstrShdr.Offset, shstrShdr.Size)

	for i, shdr := range rawShdrs {
		name := cstrAt(shstrtab, shdr.Name)
		sec := &Section{Index: i, Name: name, Shdr: shdr}
		if shdr.Type != SHTNobits {
			sec.Data = append([]byte(nil), sliceAt(raw, shdr.Offset, shdr.Size)...)
		}
		im.Sections = append(im.Sections, sec)
		im.byName[name] = sec
		if name == ".shstrtab" {
			im.Shstrtab = sec
		}
	}

	if sec, ok := im.byName[".symtab"]; ok {
		im.symtabIdx = sec.Index
		strtabSec := im.Sections[sec.Shdr.Link]
		im.symstrIdx = strtabSec.Index
		for i := 0; i*SymSize < len(sec.Data); i++ {
			sym, err := readSym(sec.Data[i*SymSize : i*SymSize+SymSize])
			if err != nil {
				return nil, err
			}
			sym.SymName = cstrAt(strtabSec.Data, sym.Name)
			im.Symbols = append(im.Symbols, sym)
		}
	} else {
		return nil, fmt.Errorf("elfimage: missing .symtab (required for multiverse boundaries)")
	}

	if sec, ok := im.byName[".rela.dyn"]; ok {
		if sec.Shdr.Type != SHTRela || sec.Shdr.Info != 0 {
			return nil, fmt.Errorf("elfimage: .rela.dyn is not a plain SHT_RELA section")
		}
		im.relaDynIdx = sec.Index
		for i := 0; i*RelaSize < len(sec.Data); i++ {
			rel, err := readRela(sec.Data[i*RelaSize : i*RelaSize+RelaSize])
			if err != nil {
				return nil, err
			}
			im.Relas = append(im.Relas, rel)
		}
	} else {
		return nil, fmt.Errorf("elfimage: missing .rela.dyn")
	}

	if sec, ok := im.byName[".dynamic"]; ok {
		im.dynamicIdx = sec.Index
		for i := 0; i*DynSize < len(sec.Data); i++ {
			d, err := readDyn(sec.Data[i*DynSize : i*DynSize+DynSize])
			if err != nil {
				return nil, err
			}
			im.Dynamic = append(im.Dynamic, d)
		}
	}

	for _, required := range []string{".rodata", ".data", ".text", ".bss", "__multiverse_var_"} {
		if _, ok := im.byName[required]; !ok {
			return nil, fmt.Errorf("elfimage: missing required section %s", required)
		}
	}

	return im, nil
}

// NewImage assembles an Image from already-parsed pieces, wiring the
// name index Section/Dyn lookups need. Used by tests that build a
// synthetic binary in memory instead of going through Load.
func NewImage(ehdr Ehdr, phdrs []Phdr, sections []*Section, symbols []Sym, relas []Rela, dynamic []Dyn) *Image {
	im := &Image{
		Ehdr: ehdr, Phdrs: phdrs, Sections: sections,
		Symbols: symbols, Relas: relas, Dynamic: dynamic,
		byName: map[string]*Section{}, relaDynIdx: -1, dynamicIdx: -1, symtabIdx: -1,
	}
	for _, sec := range sections {
		im.byName[sec.Name] = sec
		switch sec.Name {
		case ".rela.dyn":
			im.relaDynIdx = sec.Index
		case ".dynamic":
			im.dynamicIdx = sec.Index
		case ".symtab":
			im.symtabIdx = sec.Index
		case ".shstrtab":
			im.Shstrtab = sec
		}
	}
	return im
}

func sliceAt(raw []byte, offset, size uint64) []byte {
	if offset+size > uint64(len(raw)) {
		return nil
	}
	return raw[offset : offset+size]
}

func cstrAt(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := int(off)
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

// Section looks up a section by name.
func (im *Image) Section(name string) (*Section, bool) {
	s, ok := im.byName[name]
	return s, ok
}

// SymbolValue returns the st_value of the (unique) symbol named name.
func (im *Image) SymbolValue(name string) (uint64, bool) {
	for _, s := range im.Symbols {
		if s.SymName == name {
			return s.Value, true
		}
	}
	return 0, false
}

// SymbolSizeAt returns the st_size of the (unique) symbol whose st_value
// equals addr, used to recover a function body's true declared size
// rather than guessing it from its decoded instruction shape.
func (im *Image) SymbolSizeAt(addr uint64) (uint64, bool) {
	for _, s := range im.Symbols {
		if s.Value == addr {
			return s.Size, true
		}
	}
	return 0, false
}

// SegmentFor returns the PT_LOAD program header that contains the given
// section, used by the trim engine to validate the "single LOAD segment"
// layout assumption of spec.md §4.6 / §6.
func (im *Image) SegmentFor(sec *Section) (int, bool) {
	for i, p := range im.Phdrs {
		if p.Type != PTLoad {
			continue
		}
		notAbove := sec.Shdr.Offset < p.Offset+p.Filesz
		notBelow := sec.Shdr.Offset >= p.Offset
		lastNobits := sec.IsNobits() && sec.Shdr.Offset == p.Offset+p.Filesz && sec.Shdr.Size > 0
		if (notAbove && notBelow) || lastNobits {
			return i, true
		}
	}
	return 0, false
}

// Dyn looks up a .dynamic entry by tag.
func (im *Image) Dyn(tag int64) (int, bool) {
	for i, d := range im.Dynamic {
		if d.Tag == tag {
			return i, true
		}
	}
	return 0, false
}

// WriteTo serializes the current in-memory image (including whatever
// trim/commit mutations were applied to Sections/Phdrs/Ehdr/Symbols/Relas/
// Dynamic) to a fresh file at path, propagating the input file's
// executable bit and fsync'ing before close — see SPEC_FULL.md §4.1/§6.
func (im *Image) WriteTo(path string, srcPerm os.FileMode) error {
	buf := im.serialize()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("elfimage: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("elfimage: write %s: %w", path, err)
	}
	if err := fsyncAndChmod(f, srcPerm); err != nil {
		return fmt.Errorf("elfimage: finalize %s: %w", path, err)
	}
	return nil
}

// serialize lays out ehdr, phdrs, section data, and the section header
// table into one contiguous buffer, honoring each section's (possibly
// trim-adjusted) sh_offset/sh_size. Sections are copied in section-table
// order; .bss (SHT_NOBITS) contributes no file bytes.
func (im *Image) serialize() []byte {
	size := uint64(im.Ehdr.Shoff) + uint64(im.Ehdr.Shnum)*ShdrSize
	for _, s := range im.Sections {
		if s.IsNobits() {
			continue
		}
		end := s.Shdr.Offset + uint64(len(s.Data))
		if end > size {
			size = end
		}
	}

	buf := make([]byte, size)
	copy(buf[0:EhdrSize], im.Ehdr.bytes())
	for i, p := range im.Phdrs {
		copy(buf[int(im.Ehdr.Phoff)+i*PhdrSize:], p.bytes())
	}
	for _, s := range im.Sections {
		if s.IsNobits() {
			continue
		}
		copy(buf[s.Shdr.Offset:], s.Data)
	}
	for i, s := range im.Sections {
		copy(buf[int(im.Ehdr.Shoff)+i*ShdrSize:], s.Shdr.bytes())
	}
	return buf
}
