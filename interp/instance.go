package interp

// UnitID identifies a compilation unit in the program dependency graph.
type UnitID uint32

// ItemID identifies one definition (function, static, const) within a
// compilation unit. Stable across runs for unchanged input.
type ItemID struct {
	Unit  UnitID
	Index uint32
}

// Instance is a monomorphized callable: an item plus a fingerprint of
// the substitutions applied to it. Equal Instances denote the same
// machine function.
type Instance struct {
	Item  ItemID
	Subst uint64
}

// PromotedID numbers the promoted constants of an item, starting at 1.
// Zero means the item's own body.
type PromotedID uint32

// NoPromoted is the PromotedID of the item body itself.
const NoPromoted PromotedID = 0

// GlobalID names one evaluable entity: an instance, or one of the
// constants promoted out of it. The evaluator uses it as its query key.
type GlobalID struct {
	Instance Instance
	Promoted PromotedID
}

// IsPromoted reports whether g names a promoted constant rather than
// the instance body.
func (g GlobalID) IsPromoted() bool {
	return g.Promoted != NoPromoted
}
