// Package wire serializes allocation graphs for Ferrite's compile-time
// interpreter. A graph reachable from a set of root allocations is
// written as a segment: a table of tagged records, one per allocation,
// with references expressed as record indexes so that arbitrary graphs,
// cycles included, survive the trip.
package wire

import "github.com/chazu/ferrite/interp"

// Block is the serialized shape of one memory allocation: raw bytes,
// the allocation's alignment, and the pointers embedded in the bytes.
type Block struct {
	Bytes  []byte
	Align  uint64
	Relocs []Reloc
}

// Reloc marks a pointer at Offset within the block's bytes. The bytes
// under it hold the pointer's offset part; the allocation it points
// into is tracked by id, keeping the reference stable across encoding.
type Reloc struct {
	Offset uint64
	Target interp.AllocID
}

// blockHead is the CBOR body of a memory record. Relocations are not
// part of it: reference indexes are assigned while the segment is
// written, so the encoder frames them by hand after the body.
type blockHead struct {
	Bytes []byte `cbor:"1,keyasint"`
	Align uint64 `cbor:"2,keyasint"`
}

// wireInstance is the CBOR body of a function record.
type wireInstance struct {
	Unit  uint32 `cbor:"1,keyasint"`
	Index uint32 `cbor:"2,keyasint"`
	Subst uint64 `cbor:"3,keyasint,omitempty"`
}

// wireItem is the CBOR body of a static record.
type wireItem struct {
	Unit  uint32 `cbor:"1,keyasint"`
	Index uint32 `cbor:"2,keyasint"`
}
