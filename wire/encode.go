package wire

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/chazu/ferrite/interp"
)

// Encoder writes the allocation graph reachable from a set of roots.
//
// A reference is written as a u32 index into the segment's record
// table. The first reference to an id assigns it the next free index
// and queues its record; Finish drains the queue. By the time a
// back-reference is written its index already exists, so cycles need no
// special handling on this side.
type Encoder struct {
	reg     *interp.AllocMap[*Block]
	buf     bytes.Buffer
	index   map[interp.AllocID]uint32
	queue   []interp.AllocID
	roots   []uint32
	offsets []uint32
}

// NewEncoder creates an encoder over the given registry.
func NewEncoder(reg *interp.AllocMap[*Block]) *Encoder {
	return &Encoder{
		reg:   reg,
		index: make(map[interp.AllocID]uint32),
	}
}

// ref returns the record-table index for id, assigning the next free
// index and queueing the record on first use.
func (e *Encoder) ref(id interp.AllocID) uint32 {
	idx, ok := e.index[id]
	if !ok {
		idx = uint32(len(e.index))
		e.index[id] = idx
		e.queue = append(e.queue, id)
	}
	return idx
}

// AddRoot marks id as a root of the segment, scheduling its record and
// everything reachable from it.
func (e *Encoder) AddRoot(id interp.AllocID) {
	e.roots = append(e.roots, e.ref(id))
}

// Finish encodes every scheduled record and returns the segment. The
// encoder must not be used afterwards.
func (e *Encoder) Finish() (*Segment, error) {
	for next := 0; next < len(e.queue); next++ {
		e.offsets = append(e.offsets, uint32(e.buf.Len()))
		if err := e.encodeRecord(e.queue[next]); err != nil {
			return nil, err
		}
	}
	return &Segment{
		Roots:   e.roots,
		Offsets: e.offsets,
		Data:    e.buf.Bytes(),
	}, nil
}

// encodeRecord emits one tagged record: the kind byte, the
// length-prefixed CBOR body, and for memory records the relocation
// table. Encoding a relocation target only writes its index; the
// record itself is picked up later by the Finish loop.
func (e *Encoder) encodeRecord(id interp.AllocID) error {
	at, ok := e.reg.Get(id)
	if !ok {
		panic("Encoder.encodeRecord: no allocation for " + id.String())
	}

	Logger().Debug("encoding allocation record",
		zap.Stringer("id", id),
		zap.Stringer("kind", at.Kind))

	e.buf.WriteByte(byte(at.Kind))
	switch at.Kind {
	case interp.KindMemory:
		blk := at.Memory
		if err := e.writeBody(blockHead{Bytes: blk.Bytes, Align: blk.Align}); err != nil {
			return fmt.Errorf("wire: marshal block %v: %w", id, err)
		}
		writeUint32(&e.buf, uint32(len(blk.Relocs)))
		for _, rel := range blk.Relocs {
			writeUint64(&e.buf, rel.Offset)
			writeUint32(&e.buf, e.ref(rel.Target))
		}
	case interp.KindFunction:
		inst := at.Instance
		body := wireInstance{Unit: uint32(inst.Item.Unit), Index: inst.Item.Index, Subst: inst.Subst}
		if err := e.writeBody(body); err != nil {
			return fmt.Errorf("wire: marshal instance %v: %w", id, err)
		}
	case interp.KindStatic:
		item := at.Static
		if err := e.writeBody(wireItem{Unit: uint32(item.Unit), Index: item.Index}); err != nil {
			return fmt.Errorf("wire: marshal item %v: %w", id, err)
		}
	default:
		panic("Encoder.encodeRecord: unknown allocation kind " + at.Kind.String())
	}
	return nil
}

// writeBody appends a length-prefixed CBOR body.
func (e *Encoder) writeBody(v any) error {
	body, err := cborEncMode.Marshal(v)
	if err != nil {
		return err
	}
	writeUint32(&e.buf, uint32(len(body)))
	e.buf.Write(body)
	return nil
}
