package interp

// AccessKind says whether memory is being read or written.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "AccessKind(?)"
	}
}

// ScopeID identifies a lexical region within the body being evaluated.
type ScopeID uint32

// ScopeNone marks a lifetime with no region: it runs until the frame
// returns.
const ScopeNone ScopeID = 0

// DynamicLifetime says how long a lock is held: until the given region
// of the given call frame ends, or until the frame returns if the
// region is ScopeNone.
type DynamicLifetime struct {
	Frame  int
	Region ScopeID
}

// LockKind discriminates the states of a Lock.
type LockKind uint8

const (
	LockNone LockKind = iota
	LockWrite
	LockRead
)

func (k LockKind) String() string {
	switch k {
	case LockNone:
		return "none"
	case LockWrite:
		return "write"
	case LockRead:
		return "read"
	default:
		return "LockKind(?)"
	}
}

// Lock is the dynamic lock state of one byte range of an allocation.
// The zero value is the unlocked state. A read lock always has at least
// one reader; removing the last reader yields the unlocked state, a
// read lock with nobody to release it cannot be built.
type Lock struct {
	kind    LockKind
	writer  DynamicLifetime
	readers []DynamicLifetime
}

// NoLock returns the unlocked state.
func NoLock() Lock {
	return Lock{}
}

// NewWriteLock returns a lock held for writing for lt.
func NewWriteLock(lt DynamicLifetime) Lock {
	return Lock{kind: LockWrite, writer: lt}
}

// NewReadLock returns a lock held for reading by each given lifetime.
// At least one reader is required.
func NewReadLock(readers ...DynamicLifetime) Lock {
	if len(readers) == 0 {
		panic("NewReadLock: a read lock needs at least one reader")
	}
	return Lock{kind: LockRead, readers: append([]DynamicLifetime(nil), readers...)}
}

// Kind reports which state the lock is in.
func (l Lock) Kind() LockKind {
	return l.kind
}

// Writer returns the lifetime holding the write lock. Only valid on
// LockWrite.
func (l Lock) Writer() DynamicLifetime {
	if l.kind != LockWrite {
		panic("Lock.Writer: not a write lock")
	}
	return l.writer
}

// Readers returns the lifetimes holding the read lock, never empty.
// Only valid on LockRead. The slice is shared; callers must not modify
// it.
func (l Lock) Readers() []DynamicLifetime {
	if l.kind != LockRead {
		panic("Lock.Readers: not a read lock")
	}
	return l.readers
}

// AddReader returns the lock with lt added as a reader. Valid on the
// unlocked state, starting a fresh read lock, and on a read lock.
func (l Lock) AddReader(lt DynamicLifetime) Lock {
	switch l.kind {
	case LockNone:
		return NewReadLock(lt)
	case LockRead:
		readers := make([]DynamicLifetime, 0, len(l.readers)+1)
		readers = append(readers, l.readers...)
		readers = append(readers, lt)
		return Lock{kind: LockRead, readers: readers}
	default:
		panic("Lock.AddReader: write-locked")
	}
}

// RemoveReaders returns the lock without the readers matching pred.
// Removing the last reader collapses the lock to the unlocked state.
// Valid on the unlocked state, where it is a no-op, and on a read lock.
func (l Lock) RemoveReaders(pred func(DynamicLifetime) bool) Lock {
	switch l.kind {
	case LockNone:
		return l
	case LockRead:
		kept := make([]DynamicLifetime, 0, len(l.readers))
		for _, r := range l.readers {
			if !pred(r) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			return Lock{}
		}
		return Lock{kind: LockRead, readers: kept}
	default:
		panic("Lock.RemoveReaders: write-locked")
	}
}
