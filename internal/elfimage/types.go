package elfimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Ehdr is the ELF64 file header.
type Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func readEhdr(b []byte) (Ehdr, error) {
	var e Ehdr
	if len(b) < EhdrSize {
		return e, fmt.Errorf("elfimage: file too small for ELF header (%d bytes)", len(b))
	}
	copy(e.Ident[:], b[0:16])
	if !(e.Ident[0] == 0x7f && e.Ident[1] == 'E' && e.Ident[2] == 'L' && e.Ident[3] == 'F') {
		return e, fmt.Errorf("elfimage: missing ELF magic")
	}
	if e.Ident[4] != ClassELF64 {
		return e, fmt.Errorf("elfimage: not ELFCLASS64")
	}
	if e.Ident[5] != DataLSB {
		return e, fmt.Errorf("elfimage: not little-endian")
	}
	r := bytes.NewReader(b[16:])
	fields := []any{&e.Type, &e.Machine, &e.Version, &e.Entry, &e.Phoff, &e.Shoff,
		&e.Flags, &e.Ehsize, &e.Phentsize, &e.Phnum, &e.Shentsize, &e.Shnum, &e.Shstrndx}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return e, fmt.Errorf("elfimage: reading ehdr: %w", err)
		}
	}
	return e, nil
}

func (e Ehdr) bytes() []byte {
	var buf bytes.Buffer
	buf.Write(e.Ident[:])
	binary.Write(&buf, binary.LittleEndian, e.Type)
	binary.Write(&buf, binary.LittleEndian, e.Machine)
	binary.Write(&buf, binary.LittleEndian, e.Version)
	binary.Write(&buf, binary.LittleEndian, e.Entry)
	binary.Write(&buf, binary.LittleEndian, e.Phoff)
	binary.Write(&buf, binary.LittleEndian, e.Shoff)
	binary.Write(&buf, binary.LittleEndian, e.Flags)
	binary.Write(&buf, binary.LittleEndian, e.Ehsize)
	binary.Write(&buf, binary.LittleEndian, e.Phentsize)
	binary.Write(&buf, binary.LittleEndian, e.Phnum)
	binary.Write(&buf, binary.LittleEndian, e.Shentsize)
	binary.Write(&buf, binary.LittleEndian, e.Shnum)
	binary.Write(&buf, binary.LittleEndian, e.Shstrndx)
	return buf.Bytes()
}

// Shdr is an ELF64 section header.
type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func readShdr(b []byte) (Shdr, error) {
	var s Shdr
	r := bytes.NewReader(b)
	fields := []any{&s.Name, &s.Type, &s.Flags, &s.Addr, &s.Offset, &s.Size,
		&s.Link, &s.Info, &s.Addralign, &s.Entsize}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return s, fmt.Errorf("elfimage: reading shdr: %w", err)
		}
	}
	return s, nil
}

func (s Shdr) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.Name)
	binary.Write(&buf, binary.LittleEndian, s.Type)
	binary.Write(&buf, binary.LittleEndian, s.Flags)
	binary.Write(&buf, binary.LittleEndian, s.Addr)
	binary.Write(&buf, binary.LittleEndian, s.Offset)
	binary.Write(&buf, binary.LittleEndian, s.Size)
	binary.Write(&buf, binary.LittleEndian, s.Link)
	binary.Write(&buf, binary.LittleEndian, s.Info)
	binary.Write(&buf, binary.LittleEndian, s.Addralign)
	binary.Write(&buf, binary.LittleEndian, s.Entsize)
	return buf.Bytes()
}

// Phdr is an ELF64 program header (segment descriptor).
type Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func readPhdr(b []byte) (Phdr, error) {
	var p Phdr
	r := bytes.NewReader(b)
	fields := []any{&p.Type, &p.Flags, &p.Offset, &p.Vaddr, &p.Paddr, &p.Filesz, &p.Memsz, &p.Align}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return p, fmt.Errorf("elfimage: reading phdr: %w", err)
		}
	}
	return p, nil
}

func (p Phdr) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.Type)
	binary.Write(&buf, binary.LittleEndian, p.Flags)
	binary.Write(&buf, binary.LittleEndian, p.Offset)
	binary.Write(&buf, binary.LittleEndian, p.Vaddr)
	binary.Write(&buf, binary.LittleEndian, p.Paddr)
	binary.Write(&buf, binary.LittleEndian, p.Filesz)
	binary.Write(&buf, binary.LittleEndian, p.Memsz)
	binary.Write(&buf, binary.LittleEndian, p.Align)
	return buf.Bytes()
}

// Sym is an ELF64 symbol table entry.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64

	// resolved at load time, not part of the on-disk layout
	SymName string
}

func readSym(b []byte) (Sym, error) {
	var s Sym
	r := bytes.NewReader(b)
	fields := []any{&s.Name, &s.Info, &s.Other, &s.Shndx, &s.Value, &s.Size}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return s, fmt.Errorf("elfimage: reading sym: %w", err)
		}
	}
	return s, nil
}

func (s Sym) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.Name)
	binary.Write(&buf, binary.LittleEndian, s.Info)
	binary.Write(&buf, binary.LittleEndian, s.Other)
	binary.Write(&buf, binary.LittleEndian, s.Shndx)
	binary.Write(&buf, binary.LittleEndian, s.Value)
	binary.Write(&buf, binary.LittleEndian, s.Size)
	return buf.Bytes()
}

func (s Sym) Type() uint8 { return s.Info & 0xf }
func (s Sym) Bind() uint8 { return s.Info >> 4 }

// Rela is an ELF64 Rela relocation entry (with explicit addend).
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func MakeRelaInfo(symIdx uint32, relocType uint32) uint64 {
	return uint64(symIdx)<<32 | uint64(relocType)
}

func (r Rela) RelocType() uint32 { return uint32(r.Info & 0xffffffff) }
func (r Rela) SymIndex() uint32  { return uint32(r.Info >> 32) }

func readRela(b []byte) (Rela, error) {
	var rel Rela
	r := bytes.NewReader(b)
	fields := []any{&rel.Offset, &rel.Info, &rel.Addend}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return rel, fmt.Errorf("elfimage: reading rela: %w", err)
		}
	}
	return rel, nil
}

func (r Rela) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, r.Offset)
	binary.Write(&buf, binary.LittleEndian, r.Info)
	binary.Write(&buf, binary.LittleEndian, r.Addend)
	return buf.Bytes()
}

// NewRelativeRela builds an R_X86_64_RELATIVE relocation pointing `source`
// at `target` — the only relocation kind bintail ever creates, needed for
// every absolute pointer field inside regenerated multiverse metadata
// (spec.md's "boundary word" and mv_info_* pointer fields) since the
// binary may be position independent.
func NewRelativeRela(source, target uint64) Rela {
	return Rela{Offset: source, Info: MakeRelaInfo(0, RX8664Relative), Addend: int64(target)}
}

// Dyn is an ELF64 .dynamic entry.
type Dyn struct {
	Tag int64
	Val uint64
}

func readDyn(b []byte) (Dyn, error) {
	var d Dyn
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &d.Tag); err != nil {
		return d, fmt.Errorf("elfimage: reading dyn tag: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &d.Val); err != nil {
		return d, fmt.Errorf("elfimage: reading dyn val: %w", err)
	}
	return d, nil
}

func (d Dyn) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d.Tag)
	binary.Write(&buf, binary.LittleEndian, d.Val)
	return buf.Bytes()
}
