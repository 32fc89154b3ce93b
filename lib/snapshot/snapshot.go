/*package snapshot writes and reads per-rank checkpoints of a grid's local
cells. A snapshot holds the grid parameters needed to validate a restore,
the sorted local cell ids, and a zstd-compressed block with every cell's
payload in id order. Restoring requires a grid constructed with identical
parameters and topology; snapshots don't re-create refinement structure.*/
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
)

// MagicNumber identifies refgrid snapshot files.
const MagicNumber = uint64(0x6469726766657273)

// Version is the snapshot format version.
const Version = uint64(1)

// Codec translates cell payloads to and from their wire form. The grid
// package's payload codecs satisfy it.
type Codec[T any] interface {
	Marshal(buf []byte, v *T) []byte
	Unmarshal(data []byte, v *T) error
}

// Header describes the grid a snapshot was taken from.
type Header struct {
	Magic, Version            uint64
	XLength, YLength, ZLength uint64
	MaxRefinementLevel        int64
	Periodic                  [3]uint8
	Rank, Size                int64
	CellCount                 uint64
}

// Write writes a snapshot of the given cells and their payloads to w. cells
// must be sorted and payloads[i] must belong to cells[i]. In the payload
// block each payload is written as its varint length immediately followed
// by its bytes, and the whole block is zstd-compressed.
func Write[T any](
	w io.Writer, hd *Header, cells []uint64, payloads []*T, codec Codec[T],
) error {
	if len(cells) != len(payloads) {
		return fmt.Errorf(
			"%d cells given with %d payloads.", len(cells), len(payloads),
		)
	}

	hd.Magic, hd.Version = MagicNumber, Version
	hd.CellCount = uint64(len(cells))
	if err := binary.Write(w, binary.LittleEndian, hd); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, cells); err != nil {
		return err
	}

	raw := []byte{}
	var frame [binary.MaxVarintLen64]byte
	for i := range payloads {
		body := codec.Marshal(nil, payloads[i])
		n := binary.PutUvarint(frame[:], uint64(len(body)))
		raw = append(raw, frame[:n]...)
		raw = append(raw, body...)
	}

	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		return err
	}

	if err := binary.Write(
		w, binary.LittleEndian, uint64(len(compressed)),
	); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

// Read reads a snapshot from r and returns its header, cell ids and
// payloads.
func Read[T any](r io.Reader, codec Codec[T]) (*Header, []uint64, []*T, error) {
	hd := &Header{}
	if err := binary.Read(r, binary.LittleEndian, hd); err != nil {
		return nil, nil, nil, err
	}
	if hd.Magic != MagicNumber {
		return nil, nil, nil, fmt.Errorf("Not a refgrid snapshot file.")
	}
	if hd.Version != Version {
		return nil, nil, nil, fmt.Errorf(
			"Unsupported snapshot version %d, expected %d.",
			hd.Version, Version,
		)
	}

	cells := make([]uint64, hd.CellCount)
	if err := binary.Read(r, binary.LittleEndian, cells); err != nil {
		return nil, nil, nil, err
	}

	var compressedLen uint64
	if err := binary.Read(r, binary.LittleEndian, &compressedLen); err != nil {
		return nil, nil, nil, err
	}
	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, nil, nil, err
	}

	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, nil, nil, err
	}

	payloads := make([]*T, hd.CellCount)
	for i := range payloads {
		size, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < size {
			return nil, nil, nil, fmt.Errorf(
				"Snapshot payload block is truncated at cell %d.", cells[i],
			)
		}
		payloads[i] = new(T)
		if err := codec.Unmarshal(raw[n:n+int(size)], payloads[i]); err != nil {
			return nil, nil, nil, err
		}
		raw = raw[n+int(size):]
	}

	return hd, cells, payloads, nil
}
