package mvgraph

import "github.com/xyproto/bintail/internal/archx86"

// variantKindCode maps archx86.VariantKind to the mv_info_mvfn `type`
// field's on-disk representation. The distilled spec does not pin down
// libmultiverse's own enum values for this field (our own decode always
// re-derives kind from the variant body bytes rather than trusting it),
// so we assign a stable encoding in VariantKind's declaration order.
func variantKindCode(k archx86.VariantKind) int32 {
	return int32(k)
}

// EncodeVarRecord serializes one mv_info_var record for a non-frozen Var.
func EncodeVarRecord(v *Var) []byte {
	bits := makeInfoBits(v.Width, v.Tracked, v.Signed, v.Bound)
	return rawVar{Name: v.NameAddr, VariableLocation: v.Address, InfoBits: bits}.bytes()
}

// EncodeFnRecord serializes one mv_info_fn record for a non-frozen Fn,
// pointing mv_functions at the new vaddr of its Mvfn array in
// __multiverse_data_.
func EncodeFnRecord(fn *Fn, mvFunctionsVaddr uint64) []byte {
	return rawFn{
		Name:         fn.NameAddr,
		FunctionBody: fn.Body,
		NMvFunctions: uint32(len(fn.Variants)),
		MvFunctions:  mvFunctionsVaddr,
	}.bytes()
}

// EncodeMvfnRecord serializes one mv_info_mvfn record, pointing
// assignments at the new vaddr of its Assign array in
// __multiverse_data_.
func EncodeMvfnRecord(m *Mvfn, assignmentsVaddr uint64) []byte {
	return rawMvfn{
		FunctionBody: m.Body,
		NAssignments: uint32(len(m.AssignIdx)),
		Assignments:  assignmentsVaddr,
		Type:         variantKindCode(m.Kind),
		Constant:     m.Constant,
	}.bytes()
}

// EncodeCallsiteRecord serializes one mv_info_callsite record for a
// still-rewritable Patchpoint (kind != JUMP, owning Fn not frozen).
// fnBody is the owning Fn's body address (Patchpoint only stores FnID,
// not the address itself).
func EncodeCallsiteRecord(pp *Patchpoint, fnBody uint64) []byte {
	return rawCallsite{FunctionBody: fnBody, CallLabel: pp.Address}.bytes()
}

// EncodeAssignmentRecord serializes one mv_info_assignment record.
func EncodeAssignmentRecord(a *Assign, varAddress uint64) []byte {
	return rawAssignment{Location: varAddress, Lower: a.Lower, Upper: a.Upper}.bytes()
}
