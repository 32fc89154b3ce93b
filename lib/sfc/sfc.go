/*package sfc enumerates the root cells of a grid along a Morton (Z-order)
space-filling curve. The curve keeps cells that are close in space close in
the enumeration, so splitting it into contiguous runs gives each rank a
compact initial domain.*/
package sfc

import (
	"fmt"
	"sort"
)

// maxAxisBits is the number of bits per axis that fit in a 64-bit
// interleaved Morton key.
const maxAxisBits = 21

// Curve is the Morton visiting order of an xLength*yLength*zLength box.
type Curve struct {
	length [3]uint64
	// order[i] is the row-major linear index of the i'th cell along the
	// curve.
	order []uint64
}

// New computes the Morton order of the given box. The keys are generated and
// sorted in batches chunks and then k-way merged; the resulting order does
// not depend on batches. Every chunk is held until the merge, so peak
// transient memory does not drop as batches grows. batches must be at least
// 1 and every length below 2^21.
func New(length [3]uint64, batches uint64) (*Curve, error) {
	if batches == 0 {
		return nil, fmt.Errorf("sfc batch count must be at least 1.")
	}
	for dim := 0; dim < 3; dim++ {
		if length[dim] == 0 || length[dim] >= 1<<maxAxisBits {
			return nil, fmt.Errorf(
				"sfc lengths must be in [1, 2^21), got %d in dimension %d.",
				length[dim], dim,
			)
		}
	}

	n := length[0] * length[1] * length[2]
	if batches > n {
		batches = n
	}

	c := &Curve{length: length}

	// Generate and sort each batch of keys, then merge the sorted runs.
	batchSize := n / batches
	if n%batches > 0 {
		batchSize++
	}

	runs := make([][]uint64, 0, batches)
	for start := uint64(0); start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}

		keys := make([]uint64, 0, end-start)
		for linear := start; linear < end; linear++ {
			x := linear % length[0]
			y := (linear / length[0]) % length[1]
			z := linear / (length[0] * length[1])
			// Only the Morton key is stored; the merge recovers the
			// position by de-interleaving it.
			keys = append(keys, interleave(x, y, z))
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		runs = append(runs, keys)
	}

	c.order = mergeRuns(runs, length)
	return c, nil
}

// Size returns the number of cells along the curve.
func (c *Curve) Size() uint64 {
	return c.length[0] * c.length[1] * c.length[2]
}

// Indices returns the (x, y, z) position of the i'th cell along the curve.
func (c *Curve) Indices(i uint64) [3]uint64 {
	linear := c.order[i]
	return [3]uint64{
		linear % c.length[0],
		(linear / c.length[0]) % c.length[1],
		linear / (c.length[0] * c.length[1]),
	}
}

// interleave packs (x, y, z) into a Morton key with x in the lowest bit
// position of each triple.
func interleave(x, y, z uint64) uint64 {
	return expand(x) | expand(y)<<1 | expand(z)<<2
}

// expand spreads the low 21 bits of v so that consecutive bits land three
// positions apart.
func expand(v uint64) uint64 {
	v &= (1 << maxAxisBits) - 1
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// compact is the inverse of expand.
func compact(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v | v>>2) & 0x10c30c30c30c30c3
	v = (v | v>>4) & 0x100f00f00f00f00f
	v = (v | v>>8) & 0x1f0000ff0000ff
	v = (v | v>>16) & 0x1f00000000ffff
	v = (v | v>>32) & 0x1fffff
	return v
}

// mergeRuns k-way merges sorted Morton key runs into the final visiting
// order of linear indices.
func mergeRuns(runs [][]uint64, length [3]uint64) []uint64 {
	total := 0
	for i := range runs {
		total += len(runs[i])
	}
	order := make([]uint64, 0, total)

	// A linear scan over the run heads is plenty: the number of runs is the
	// user's batch count and stays small.
	heads := make([]int, len(runs))
	for len(order) < total {
		best := -1
		for i := range runs {
			if heads[i] == len(runs[i]) {
				continue
			}
			if best < 0 || runs[i][heads[i]] < runs[best][heads[best]] {
				best = i
			}
		}

		key := runs[best][heads[best]]
		heads[best]++

		x, y, z := compact(key), compact(key>>1), compact(key>>2)
		order = append(order, x+y*length[0]+z*length[0]*length[1])
	}

	return order
}
