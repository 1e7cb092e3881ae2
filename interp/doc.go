// Package interp implements the allocation model of Ferrite's
// compile-time interpreter.
//
// This package contains:
//   - Globally unique allocation identity (AllocID, AllocMap)
//   - Cycle-safe concurrent decoding of serialized allocation graphs
//   - Target-endianness integer encoding and bit-width arithmetic
//   - The dynamic lock model used by the validity checker
package interp
