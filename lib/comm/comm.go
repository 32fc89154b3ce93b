/*package comm abstracts the message passing layer that connects the ranks of
a distributed grid. The grid only ever talks to the Comm interface, so the
same code runs over an in-process World (one goroutine per rank, used by the
driver and by tests) or over a real MPI binding that implements Comm.*/
package comm

import (
	"encoding/binary"
)

// Comm is one rank's endpoint of a communicator. All collective calls
// (AllGather) must be entered by every rank of the communicator.
type Comm interface {
	// Rank returns the index of this endpoint in [0, Size).
	Rank() int
	// Size returns the number of ranks in the communicator.
	Size() int
	// Isend posts a non-blocking send of data to peer with the given tag and
	// returns immediately. data must not be modified until the returned
	// Request has been waited on.
	Isend(peer, tag int, data []byte) Request
	// Irecv posts a non-blocking receive for a message from peer with the
	// given tag. The message payload is returned by the Request's Wait.
	Irecv(peer, tag int) Request
	// AllGather hands data to every rank and returns the data of every rank,
	// indexed by rank. Collective.
	AllGather(data []byte) [][]byte
}

// Request is an in-flight transfer. Wait blocks until the transfer completes
// and, for receives, returns the message payload. Send requests return a nil
// payload.
type Request interface {
	Wait() ([]byte, error)
}

// WaitAll waits on every request and returns the first error encountered,
// along with the payloads in request order.
func WaitAll(reqs []Request) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	var firstErr error
	for i := range reqs {
		data, err := reqs[i].Wait()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[i] = data
	}
	return out, firstErr
}

// EncodeUint64s converts x to its little-endian wire form.
func EncodeUint64s(x []uint64) []byte {
	b := make([]byte, 8*len(x))
	for i := range x {
		binary.LittleEndian.PutUint64(b[8*i:], x[i])
	}
	return b
}

// DecodeUint64s is the inverse of EncodeUint64s. Trailing bytes that don't
// fill a full value are ignored.
func DecodeUint64s(b []byte) []uint64 {
	x := make([]uint64, len(b)/8)
	for i := range x {
		x[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return x
}

// AllGatherUint64 all-gathers one uint64 vector per rank.
func AllGatherUint64(c Comm, local []uint64) [][]uint64 {
	raw := c.AllGather(EncodeUint64s(local))
	out := make([][]uint64, len(raw))
	for i := range raw {
		out[i] = DecodeUint64s(raw[i])
	}
	return out
}

// AllGatherSum all-gathers a single counter and returns the total over all
// ranks.
func AllGatherSum(c Comm, n uint64) uint64 {
	counts := AllGatherUint64(c, []uint64{n})
	total := uint64(0)
	for i := range counts {
		total += counts[i][0]
	}
	return total
}
