package interp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrInvalidIndex reports an allocation reference pointing past the end
// of the record table.
var ErrInvalidIndex = errors.New("allocation index out of range")

// SessionID tags one top-level decode so that re-entering a record this
// session is already inside can be told apart from a concurrent decode
// by another session. Always nonzero.
type SessionID uint32

var sessionCounter atomic.Uint32

// nextSessionID issues a nonzero 31-bit token. Wraps after 2^31
// sessions.
func nextSessionID() SessionID {
	n := sessionCounter.Add(1) - 1
	return SessionID((n & 0x7FFFFFFF) + 1)
}

// slotState tracks how far one serialized record has been decoded.
// Slots only move forward; a failed decode never rolls one back.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotInProgressNonAlloc
	slotInProgress
	slotDone
)

// slot is the decoding state of one record. sessions lists the sessions
// currently inside the record's body. id holds the reserved AllocID
// while a memory record is in progress, and the final id once done.
type slot struct {
	mu       sync.Mutex
	state    slotState
	sessions []SessionID
	id       AllocID
}

func (s *slot) hasSession(id SessionID) bool {
	for _, sid := range s.sessions {
		if sid == id {
			return true
		}
	}
	return false
}

// AllocDecodingState is the shared table that makes it safe for several
// goroutines to decode allocation references into the same stream. One
// instance lives alongside each loaded segment of serialized metadata.
type AllocDecodingState struct {
	slots   []slot
	offsets []uint32
}

// NewAllocDecodingState creates decoding state for a stream whose i-th
// allocation record begins at dataOffsets[i].
func NewAllocDecodingState(dataOffsets []uint32) *AllocDecodingState {
	return &AllocDecodingState{
		slots:   make([]slot, len(dataOffsets)),
		offsets: dataOffsets,
	}
}

// NewSession starts a decoding session. Sessions are cheap; use a fresh
// one per top-level value being decoded, never one per reference.
func (s *AllocDecodingState) NewSession() DecodingSession {
	return DecodingSession{state: s, id: nextSessionID()}
}

// DecodingSession decodes AllocID references on behalf of one top-level
// decode. It is a small value; copies share the underlying state.
type DecodingSession struct {
	state *AllocDecodingState
	id    SessionID
}

// AllocDecoder is the stream a DecodingSession reads records from.
// Implementations own the bytes, the registry, and the record body
// formats; the session only arbitrates identity and cycles.
type AllocDecoder interface {
	// ReadAllocIndex reads the u32 record-table index of an allocation
	// reference at the current position.
	ReadAllocIndex() (uint32, error)

	// Position and SetPosition expose the stream cursor so the session
	// can jump to a record and restore the caller's spot afterwards.
	Position() int
	SetPosition(pos int)

	// ReadKind decodes a record tag at the current position.
	ReadKind() (Kind, error)

	// ReserveMemoryID reserves a registry id for a memory record before
	// its body is decoded.
	ReserveMemoryID() AllocID

	// DecodeMemory decodes a memory record body at the current position
	// and binds it to id with the registry's idempotent bind.
	DecodeMemory(id AllocID) error

	// DecodeFunction decodes a function record body and interns it.
	DecodeFunction() (AllocID, error)

	// DecodeStatic decodes a static record body and interns it.
	DecodeStatic() (AllocID, error)
}

// DecodeAllocID decodes one allocation reference, a u32 index into the
// record table, and returns the AllocID it resolves to. Any number of
// sessions may decode the same stream concurrently. When a session runs
// into a memory record it is already decoding further up the stack, it
// gets the reserved id back instead of recursing forever.
func (s DecodingSession) DecodeAllocID(d AllocDecoder) (AllocID, error) {
	idx, err := d.ReadAllocIndex()
	if err != nil {
		return 0, err
	}
	if int(idx) >= len(s.state.offsets) {
		return 0, fmt.Errorf("%w: %d of %d records", ErrInvalidIndex, idx, len(s.state.offsets))
	}

	// Peek at the record tag so we know whether an id has to be
	// reserved before the body is decoded.
	ret := d.Position()
	d.SetPosition(int(s.state.offsets[idx]))
	kind, err := d.ReadKind()
	if err != nil {
		d.SetPosition(ret)
		return 0, err
	}
	body := d.Position()

	sl := &s.state.slots[idx]
	sl.mu.Lock()
	var (
		reserved AllocID
		haveID   bool
	)
	switch sl.state {
	case slotDone:
		id := sl.id
		sl.mu.Unlock()
		d.SetPosition(ret)
		return id, nil

	case slotEmpty:
		if kind == KindMemory {
			// Reserve now so that references back to this record from
			// inside its own body resolve to the same id.
			reserved = d.ReserveMemoryID()
			haveID = true
			sl.state = slotInProgress
			sl.id = reserved
		} else {
			// Function and static ids come out of interning after the
			// body is decoded; they cannot be cyclic.
			sl.state = slotInProgressNonAlloc
		}
		sl.sessions = append(sl.sessions, s.id)

	case slotInProgressNonAlloc:
		if sl.hasSession(s.id) {
			sl.mu.Unlock()
			panic("DecodingSession.DecodeAllocID: session re-entered a function or static record it is decoding")
		}
		// Another session is inside the body. Decode it redundantly;
		// interning lands both sessions on the same id.
		sl.sessions = append(sl.sessions, s.id)

	case slotInProgress:
		if sl.hasSession(s.id) {
			// Cycle. This session is already decoding the record
			// somewhere up the stack; hand back the reserved id.
			id := sl.id
			sl.mu.Unlock()
			d.SetPosition(ret)
			return id, nil
		}
		sl.sessions = append(sl.sessions, s.id)
		reserved = sl.id
		haveID = true
	}
	sl.mu.Unlock()

	Logger().Debug("decoding allocation record",
		zap.Uint32("index", idx),
		zap.Stringer("kind", kind),
		zap.Uint32("session", uint32(s.id)))

	// Decode the body with the slot unlocked, so that references inside
	// it can take the lock again.
	d.SetPosition(body)
	var id AllocID
	switch kind {
	case KindMemory:
		if !haveID {
			panic("DecodingSession.DecodeAllocID: memory record without a reserved id")
		}
		err = d.DecodeMemory(reserved)
		id = reserved
	case KindFunction:
		id, err = d.DecodeFunction()
	case KindStatic:
		id, err = d.DecodeStatic()
	default:
		panic("DecodingSession.DecodeAllocID: unknown record kind " + kind.String())
	}
	if err != nil {
		d.SetPosition(ret)
		return 0, err
	}

	sl.mu.Lock()
	sl.state = slotDone
	sl.id = id
	sl.sessions = nil
	sl.mu.Unlock()

	d.SetPosition(ret)
	return id, nil
}
