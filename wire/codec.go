package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Record bodies use canonical CBOR so that encoding the same graph
// twice produces identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}
