// Package elfimage is bintail's ELF View: a manual-layout ELF64 reader and
// writer. The standard library's debug/elf can only read an ELF file, and
// this tool needs to mutate section bytes, relocations, the symbol table,
// and segment offsets in place and then emit a new file — so elfimage
// parses and re-serializes every structure itself, the same hand-rolled,
// encoding/binary-based way the teacher's elf_writer.go/elf_sections.go
// assemble ELF structures.
package elfimage

const (
	// ELF64 structural sizes.
	EhdrSize  = 64
	PhdrSize  = 56
	ShdrSize  = 64
	SymSize   = 24
	RelaSize  = 24
	DynSize   = 16
	AssignSize = 16 // sizeof(mv_info_assignment)

	ClassELF64    = 2
	DataLSB       = 1
	VersionCurrent = 1

	ETExec = 2
	ETDyn  = 3

	EMX8664 = 0x3e

	PTLoad   = 1
	PTDynamic = 2
	PTInterp = 3

	PFX = 1
	PFW = 2
	PFR = 4

	SHTNull     = 0
	SHTProgbits = 1
	SHTSymtab   = 2
	SHTStrtab   = 3
	SHTRela     = 4
	SHTHash     = 5
	SHTDynamic  = 6
	SHTNote     = 7
	SHTNobits   = 8
	SHTRel      = 9
	SHTDynsym   = 11

	SHFWrite     = 0x1
	SHFAlloc     = 0x2
	SHFExecinstr = 0x4

	// Dynamic tags relevant to trim's relocation-count bookkeeping.
	DTNull      = 0
	DTRela      = 7
	DTRelasz    = 8
	DTRelaent   = 9
	DTRelacount = 0x6ffffff9

	// The only relocation kind this tool ever emits or claims: absolute
	// pointers inside PIE/shared-object metadata.
	RX8664Relative = 8

	STBLocal  = 0
	STBGlobal = 1
	STTNotype = 0
	STTFunc   = 2
	STTObject = 1
)
