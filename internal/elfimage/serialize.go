package elfimage

// EncodeRela, EncodeSym, and EncodeDyn expose the package-private
// on-disk encodings of Rela/Sym/Dyn entries to callers outside
// elfimage (the trim engine rebuilds .rela.dyn, .symtab, and .dynamic
// wholesale and needs to serialize entries back to bytes).
func EncodeRela(r Rela) []byte { return r.bytes() }
func EncodeSym(s Sym) []byte   { return s.bytes() }
func EncodeDyn(d Dyn) []byte   { return d.bytes() }
