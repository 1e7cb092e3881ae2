package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/chazu/ferrite/interp"
)

// Decoder reads allocation records from an open segment into a
// registry. It implements interp.AllocDecoder: the decoding session
// arbitrates identity and cycles, while this type owns the byte framing
// and the record bodies.
//
// A Decoder is not safe for concurrent use. To decode one segment from
// several goroutines, give each goroutine its own Decoder sharing the
// same AllocDecodingState and registry.
type Decoder struct {
	seg     *Segment
	state   *interp.AllocDecodingState
	reg     *interp.AllocMap[*Block]
	session interp.DecodingSession
	r       byteReader
	pending []uint32 // injected reference indexes, consumed before the stream
}

// NewDecoder creates a decoder over an open segment. state must have
// been built from the same segment's offsets, and decoders sharing a
// state must share the registry too.
func NewDecoder(seg *Segment, state *interp.AllocDecodingState, reg *interp.AllocMap[*Block]) *Decoder {
	return &Decoder{
		seg:   seg,
		state: state,
		reg:   reg,
		r:     byteReader{data: seg.Data},
	}
}

// NewDecodingState builds the shared slot table for decoding seg.
func NewDecodingState(seg *Segment) *interp.AllocDecodingState {
	return interp.NewAllocDecodingState(seg.Offsets)
}

// DecodeRoot decodes the i-th root of the segment with a fresh session
// and returns its allocation id. Roots already decoded, by this decoder
// or any other sharing the state, resolve without re-decoding.
func (d *Decoder) DecodeRoot(i int) (interp.AllocID, error) {
	if i < 0 || i >= len(d.seg.Roots) {
		return 0, fmt.Errorf("%w: root %d of %d", ErrCorruptData, i, len(d.seg.Roots))
	}
	d.session = d.state.NewSession()
	d.pending = append(d.pending, d.seg.Roots[i])
	return d.session.DecodeAllocID(d)
}

// ReadAllocIndex reads the next reference index: an injected root if
// one is pending, otherwise a u32 at the cursor.
func (d *Decoder) ReadAllocIndex() (uint32, error) {
	if n := len(d.pending); n > 0 {
		idx := d.pending[n-1]
		d.pending = d.pending[:n-1]
		return idx, nil
	}
	return d.r.readUint32()
}

// Position returns the cursor's byte offset into the segment data.
func (d *Decoder) Position() int {
	return d.r.offset
}

// SetPosition moves the cursor.
func (d *Decoder) SetPosition(pos int) {
	d.r.offset = pos
}

// ReadKind decodes a record tag at the cursor.
func (d *Decoder) ReadKind() (interp.Kind, error) {
	b, err := d.r.readByte()
	if err != nil {
		return 0, err
	}
	k := interp.Kind(b)
	switch k {
	case interp.KindMemory, interp.KindFunction, interp.KindStatic:
		return k, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidRecordTag, b)
	}
}

// ReserveMemoryID reserves a registry id for a memory record.
func (d *Decoder) ReserveMemoryID() interp.AllocID {
	return d.reg.Reserve()
}

// DecodeMemory decodes a memory record body and its relocation table at
// the cursor, then binds the block to id. Relocation targets are
// resolved through the session, which is where references back into a
// record being decoded short-circuit instead of recursing.
func (d *Decoder) DecodeMemory(id interp.AllocID) error {
	var head blockHead
	if err := d.readBody(&head); err != nil {
		return err
	}
	count, err := d.r.readUint32()
	if err != nil {
		return err
	}
	// Each relocation takes at least 12 bytes; reject counts the
	// remaining data cannot possibly hold.
	if int64(count)*12 > int64(len(d.r.data)-d.r.offset) {
		return ErrUnexpectedEOF
	}

	blk := &Block{Bytes: head.Bytes, Align: head.Align}
	if count > 0 {
		blk.Relocs = make([]Reloc, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		off, err := d.r.readUint64()
		if err != nil {
			return err
		}
		target, err := d.session.DecodeAllocID(d)
		if err != nil {
			return err
		}
		blk.Relocs = append(blk.Relocs, Reloc{Offset: off, Target: target})
	}
	d.reg.SetSameMemory(id, blk)

	Logger().Debug("decoded memory record",
		zap.Stringer("id", id),
		zap.Int("bytes", len(blk.Bytes)),
		zap.Uint32("relocs", count))
	return nil
}

// DecodeFunction decodes a function record body at the cursor and
// interns it.
func (d *Decoder) DecodeFunction() (interp.AllocID, error) {
	var body wireInstance
	if err := d.readBody(&body); err != nil {
		return 0, err
	}
	inst := interp.Instance{
		Item:  interp.ItemID{Unit: interp.UnitID(body.Unit), Index: body.Index},
		Subst: body.Subst,
	}
	id := d.reg.InternFunction(inst)
	Logger().Debug("decoded fn record", zap.Stringer("id", id))
	return id, nil
}

// DecodeStatic decodes a static record body at the cursor and interns
// it.
func (d *Decoder) DecodeStatic() (interp.AllocID, error) {
	var body wireItem
	if err := d.readBody(&body); err != nil {
		return 0, err
	}
	id := d.reg.InternStatic(interp.ItemID{Unit: interp.UnitID(body.Unit), Index: body.Index})
	Logger().Debug("decoded static record", zap.Stringer("id", id))
	return id, nil
}

// readBody reads a length-prefixed CBOR body at the cursor into v.
func (d *Decoder) readBody(v any) error {
	n, err := d.r.readUint32()
	if err != nil {
		return err
	}
	body, err := d.r.readBytes(int(n))
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal record body: %w", err)
	}
	return nil
}
