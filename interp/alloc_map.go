package interp

import (
	"math"
	"sync"
)

// internKey is the reverse-map key for the variants that intern to a
// stable id. Memory is deliberately absent: every memory allocation gets
// a fresh id, identical contents or not.
type internKey struct {
	kind Kind
	inst Instance
	item ItemID
}

// AllocMap issues AllocIDs and remembers what each one refers to.
//
// Function and static allocations are interned, so asking for the same
// instance or item twice yields the same id. Memory allocations are
// never interned. One AllocMap serves one compilation context; it only
// grows, and it is safe for concurrent use.
type AllocMap[M any] struct {
	mu       sync.Mutex
	idToType map[AllocID]AllocType[M]
	interned map[internKey]AllocID
	nextID   AllocID
}

// NewAllocMap creates an empty allocation map. The first id issued is 0.
func NewAllocMap[M any]() *AllocMap[M] {
	return &AllocMap[M]{
		idToType: make(map[AllocID]AllocType[M]),
		interned: make(map[internKey]AllocID),
	}
}

// Reserve issues a fresh id with nothing bound to it. The caller must
// bind memory later with SetMemory or SetSameMemory.
func (m *AllocMap[M]) Reserve() AllocID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked()
}

func (m *AllocMap[M]) reserveLocked() AllocID {
	id := m.nextID
	if id == math.MaxUint64 {
		panic("AllocMap.Reserve: allocation id space exhausted")
	}
	m.nextID++
	return id
}

// Allocate binds mem to a fresh id. Two calls with identical contents
// still produce two distinct ids.
func (m *AllocMap[M]) Allocate(mem M) AllocID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.reserveLocked()
	m.idToType[id] = AllocType[M]{Kind: KindMemory, Memory: mem}
	return id
}

// InternFunction returns the id of the function pointer for inst,
// creating it on first use.
func (m *AllocMap[M]) InternFunction(inst Instance) AllocID {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := internKey{kind: KindFunction, inst: inst}
	if id, ok := m.interned[key]; ok {
		return id
	}
	id := m.reserveLocked()
	m.idToType[id] = AllocType[M]{Kind: KindFunction, Instance: inst}
	m.interned[key] = id
	return id
}

// InternStatic returns the id of the static allocation for item,
// creating it on first use.
func (m *AllocMap[M]) InternStatic(item ItemID) AllocID {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := internKey{kind: KindStatic, item: item}
	if id, ok := m.interned[key]; ok {
		return id
	}
	id := m.reserveLocked()
	m.idToType[id] = AllocType[M]{Kind: KindStatic, Static: item}
	m.interned[key] = id
	return id
}

// SetMemory binds mem to an id obtained from Reserve. Binding an id that
// already has a referent is a bug in the caller.
func (m *AllocMap[M]) SetMemory(id AllocID, mem M) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idToType[id]; ok {
		panic("AllocMap.SetMemory: " + id.String() + " is already bound")
	}
	m.idToType[id] = AllocType[M]{Kind: KindMemory, Memory: mem}
}

// SetSameMemory is SetMemory for racing decoders: rebinding a bound id
// is allowed under the assumption that every writer binds equal
// contents, so whichever lands last wins.
func (m *AllocMap[M]) SetSameMemory(id AllocID, mem M) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idToType[id] = AllocType[M]{Kind: KindMemory, Memory: mem}
}

// Get reports what id refers to. The second result is false for ids
// never issued and for ids reserved but not yet bound.
func (m *AllocMap[M]) Get(id AllocID) (AllocType[M], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.idToType[id]
	return at, ok
}

// MustMemory returns the memory bound to id. Anything else at id is a
// compiler bug, not a recoverable condition.
func (m *AllocMap[M]) MustMemory(id AllocID) M {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.idToType[id]
	if !ok {
		panic("AllocMap.MustMemory: no allocation for " + id.String())
	}
	if at.Kind != KindMemory {
		panic("AllocMap.MustMemory: " + id.String() + " is a " + at.Kind.String() + " allocation")
	}
	return at.Memory
}

// Len returns the number of ids with a referent bound.
func (m *AllocMap[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idToType)
}
