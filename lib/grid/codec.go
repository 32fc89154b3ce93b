package grid

/* codec.go contains the payload serialization interface. The grid never
looks inside a payload: packing for ghost exchange, migration and
checkpointing all go through a user-provided Codec. */

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec translates cell payloads to and from their wire form.
type Codec[T any] interface {
	// Marshal appends v's wire form to buf and returns the result.
	Marshal(buf []byte, v *T) []byte
	// Unmarshal fills v from data. data holds exactly one payload.
	Unmarshal(data []byte, v *T) error
}

// FixedCodec is a Codec whose payloads all have the same wire size. The
// one-message-per-peer transport requires a FixedCodec so that receivers can
// split the concatenated payloads without per-cell framing.
type FixedCodec[T any] interface {
	Codec[T]
	// Size returns the wire size of every payload in bytes.
	Size() int
}

// Float64Codec is a FixedCodec for bare float64 payloads.
type Float64Codec struct{}

func (Float64Codec) Size() int { return 8 }

func (Float64Codec) Marshal(buf []byte, v *float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(*v))
	return append(buf, b[:]...)
}

func (Float64Codec) Unmarshal(data []byte, v *float64) error {
	if len(data) != 8 {
		return fmt.Errorf("float64 payload must be 8 bytes, got %d.", len(data))
	}
	*v = math.Float64frombits(binary.LittleEndian.Uint64(data))
	return nil
}
