package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SegmentMagic is the magic number identifying a serialized allocation
// segment.
var SegmentMagic = [4]byte{'F', 'E', 'A', 'L'}

// Segment format version
// v1: initial format
const SegmentVersion uint32 = 1

// ---------------------------------------------------------------------------
// Segment Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic     = errors.New("invalid magic number: expected FEAL")
	ErrVersionMismatch  = errors.New("segment version mismatch")
	ErrUnexpectedEOF    = errors.New("unexpected end of segment data")
	ErrCorruptData      = errors.New("corrupt segment data")
	ErrInvalidRecordTag = errors.New("invalid allocation record tag")
)

// ---------------------------------------------------------------------------
// Segment: Serialized allocation graph
// ---------------------------------------------------------------------------

// Segment is one serialized allocation graph: the record-table indexes
// of the roots that were explicitly encoded, the byte offset of every
// record within Data, and the record bytes themselves.
type Segment struct {
	Roots   []uint32
	Offsets []uint32
	Data    []byte
}

// Marshal serializes the segment with its header:
// magic(4) + version(4) + rootCount(4) + roots + recordCount(4) + offsets + dataLen(4) + data
func (s *Segment) Marshal() []byte {
	var buf bytes.Buffer
	buf.Write(SegmentMagic[:])
	writeUint32(&buf, SegmentVersion)

	writeUint32(&buf, uint32(len(s.Roots)))
	for _, r := range s.Roots {
		writeUint32(&buf, r)
	}

	writeUint32(&buf, uint32(len(s.Offsets)))
	for _, off := range s.Offsets {
		writeUint32(&buf, off)
	}

	writeUint32(&buf, uint32(len(s.Data)))
	buf.Write(s.Data)
	return buf.Bytes()
}

// OpenSegment parses a marshaled segment, validating the magic number,
// the version, and the framing. Record bodies are not touched; those
// are decoded on demand through a Decoder.
func OpenSegment(data []byte) (*Segment, error) {
	r := byteReader{data: data}

	magic, err := r.readBytes(4)
	if err != nil {
		return nil, ErrInvalidMagic
	}
	if !bytes.Equal(magic, SegmentMagic[:]) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}

	version, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if version != SegmentVersion {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, SegmentVersion, version)
	}

	rootCount, err := r.readUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read root count: %w", err)
	}
	roots, err := r.readUint32Slice(int(rootCount))
	if err != nil {
		return nil, fmt.Errorf("failed to read roots: %w", err)
	}

	recordCount, err := r.readUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read record count: %w", err)
	}
	offsets, err := r.readUint32Slice(int(recordCount))
	if err != nil {
		return nil, fmt.Errorf("failed to read record offsets: %w", err)
	}

	dataLen, err := r.readUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read data length: %w", err)
	}
	segData, err := r.readBytes(int(dataLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}

	for _, root := range roots {
		if root >= recordCount {
			return nil, fmt.Errorf("%w: root %d of %d records", ErrCorruptData, root, recordCount)
		}
	}
	for i, off := range offsets {
		if int(off) >= len(segData) {
			return nil, fmt.Errorf("%w: record %d at offset %d, data is %d bytes", ErrCorruptData, i, off, len(segData))
		}
	}

	return &Segment{Roots: roots, Offsets: offsets, Data: segData}, nil
}

// ---------------------------------------------------------------------------
// Binary helpers
// ---------------------------------------------------------------------------

// writeUint32 appends v to buf in little-endian format.
func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// writeUint64 appends v to buf in little-endian format.
func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// byteReader reads little-endian values from a byte slice, tracking the
// current position.
type byteReader struct {
	data   []byte
	offset int
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrUnexpectedEOF
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *byteReader) readByte() (byte, error) {
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) readUint32Slice(count int) ([]uint32, error) {
	if count < 0 || r.offset+count*4 > len(r.data) {
		return nil, ErrUnexpectedEOF
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(r.data[r.offset:])
		r.offset += 4
	}
	return out, nil
}
