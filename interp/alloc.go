package interp

import "strconv"

// AllocID identifies one abstract allocation: a block of memory, a
// function pointer, or a static item. IDs are issued by an AllocMap and
// are never reused within a compilation context. Pointers are modeled as
// an AllocID plus an offset, so identity comparisons never depend on
// machine addresses.
type AllocID uint64

func (id AllocID) String() string {
	return "alloc" + strconv.FormatUint(uint64(id), 10)
}

// Kind discriminates what an AllocID refers to. It doubles as the record
// tag in the serialized form.
type Kind uint8

const (
	// KindMemory is an allocation backed by actual bytes.
	KindMemory Kind = iota
	// KindFunction is a function pointer.
	KindFunction
	// KindStatic is a static item, referred to by definition rather
	// than by its bytes.
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindFunction:
		return "fn"
	case KindStatic:
		return "static"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// AllocType is what an AllocID resolves to. Kind selects the live field:
// Instance for KindFunction, Static for KindStatic, Memory for
// KindMemory. M is the memory representation and is opaque to this
// package.
type AllocType[M any] struct {
	Kind     Kind
	Instance Instance
	Static   ItemID
	Memory   M
}
