package interp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/uint128"

	"github.com/chazu/ferrite/target"
)

// Integer values move between the interpreter and target memory through
// a 128-bit container, wide enough for the largest integer type on any
// supported target.

var (
	ErrInvalidUintLength = errors.New("uint length must be between 1 and 16 bytes")
	ErrUintOverflow      = errors.New("value does not fit in requested length")
)

// WriteTargetUint encodes v into buf in the target's byte order, using
// exactly len(buf) bytes. The buffer length selects the width, 1
// through 16 bytes.
func WriteTargetUint(e target.Endian, buf []byte, v uint128.Uint128) error {
	n := len(buf)
	if n < 1 || n > 16 {
		return fmt.Errorf("%w: got %d", ErrInvalidUintLength, n)
	}
	if !v.Rsh(uint(8 * n)).IsZero() {
		return fmt.Errorf("%w: %v in %d bytes", ErrUintOverflow, v, n)
	}

	var full [16]byte
	binary.LittleEndian.PutUint64(full[:8], v.Lo)
	binary.LittleEndian.PutUint64(full[8:], v.Hi)

	switch e {
	case target.Big:
		for i := 0; i < n; i++ {
			buf[i] = full[n-1-i]
		}
	default:
		copy(buf, full[:n])
	}
	return nil
}

// ReadTargetUint decodes all of b in the target's byte order,
// zero-extending into the 128-bit container. The buffer length selects
// the width, 1 through 16 bytes.
func ReadTargetUint(e target.Endian, b []byte) (uint128.Uint128, error) {
	n := len(b)
	if n < 1 || n > 16 {
		return uint128.Zero, fmt.Errorf("%w: got %d", ErrInvalidUintLength, n)
	}

	var full [16]byte
	switch e {
	case target.Big:
		for i := 0; i < n; i++ {
			full[i] = b[n-1-i]
		}
	default:
		copy(full[:], b)
	}
	return uint128.New(
		binary.LittleEndian.Uint64(full[:8]),
		binary.LittleEndian.Uint64(full[8:]),
	), nil
}

// Truncate keeps the low bits of v and clears the rest. bits must be
// between 1 and 128.
func Truncate(v uint128.Uint128, bits uint) uint128.Uint128 {
	if bits < 1 || bits > 128 {
		panic(fmt.Sprintf("Truncate: bit width %d out of range", bits))
	}
	shift := 128 - bits
	return v.Lsh(shift).Rsh(shift)
}

// SignExtend reinterprets the low bits of v as a signed value of that
// width and widens it over the full container, filling the high bits
// with the sign bit. bits must be between 1 and 128.
func SignExtend(v uint128.Uint128, bits uint) uint128.Uint128 {
	if bits < 1 || bits > 128 {
		panic(fmt.Sprintf("SignExtend: bit width %d out of range", bits))
	}
	shift := 128 - bits
	shifted := v.Lsh(shift)
	negative := shifted.Hi&(1<<63) != 0
	out := shifted.Rsh(shift)
	if negative {
		out = out.Or(uint128.Max.Lsh(bits))
	}
	return out
}
