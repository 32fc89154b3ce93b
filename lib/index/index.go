/*package index implements the cell-identifier algebra of a refinable
Cartesian grid.

Every cell of the grid is identified by a positive uint64. The id space is
split into contiguous bands, one per refinement level: band r holds
xLength * yLength * zLength * 8^r ids and, within the band, ids enumerate
the level-r grid in row-major order (x fastest, then y, then z). Indices are
always expressed in units of the maximum refinement level, so a cell at
level r covers 2^(maxLevel - r) index units per axis. Id 0 is reserved to
mean "no cell".*/
package index

import (
	"fmt"
	"math/bits"
)

const (
	// ErrorCell is the id used to signal a nonexistent cell.
	ErrorCell = uint64(0)
	// ErrorIndex signals an index outside of the grid.
	ErrorIndex = ^uint64(0)
)

// Indices is the position of a cell's minimum corner, expressed at the
// maximum refinement level.
type Indices [3]uint64

// Mapping converts between cell ids and (indices, refinement level) pairs
// for a grid with fixed lengths and maximum refinement level. A Mapping is
// immutable after construction.
type Mapping struct {
	length   [3]uint64
	maxLevel int

	// levelOffset[r] is the first id of refinement level r. The slice has
	// maxLevel+2 entries so that levelOffset[maxLevel+1]-1 is the last
	// valid id.
	levelOffset []uint64
	lastCell    uint64
}

// NewMapping creates a Mapping for a root grid of xLength*yLength*zLength
// cells. If maxLevel is negative the largest maximum refinement level that
// still fits every id in a uint64 is used. Returns an error if any length is
// zero, if the ids would overflow, or if maxLevel exceeds the largest
// possible level for the given lengths.
func NewMapping(xLength, yLength, zLength uint64, maxLevel int) (*Mapping, error) {
	if xLength == 0 || yLength == 0 || zLength == 0 {
		return nil, fmt.Errorf(
			"Grid lengths must all be at least 1, got (%d, %d, %d).",
			xLength, yLength, zLength,
		)
	}

	rootCells, ok := mul64(xLength, yLength, zLength)
	if !ok || rootCells == ^uint64(0) {
		return nil, fmt.Errorf(
			"Grid would have too many unrefined cells for a uint64 "+
				"(lengths %d, %d, %d).", xLength, yLength, zLength,
		)
	}

	maxPossible := maxPossibleLevel([3]uint64{xLength, yLength, zLength}, rootCells)
	if maxLevel > maxPossible {
		return nil, fmt.Errorf(
			"Grid would have too many cells for a uint64 with maximum "+
				"refinement level %d, the largest possible level is %d.",
			maxLevel, maxPossible,
		)
	}
	if maxLevel < 0 {
		maxLevel = maxPossible
	}

	m := &Mapping{
		length:      [3]uint64{xLength, yLength, zLength},
		maxLevel:    maxLevel,
		levelOffset: make([]uint64, maxLevel+2),
	}

	offset := uint64(1)
	for r := 0; r <= maxLevel; r++ {
		m.levelOffset[r] = offset
		offset += rootCells << uint(3*r)
	}
	m.levelOffset[maxLevel+1] = offset
	m.lastCell = offset - 1

	return m, nil
}

// maxPossibleLevel returns the largest maximum refinement level for which
// every cell id and every index still fits in a uint64.
func maxPossibleLevel(length [3]uint64, rootCells uint64) int {
	level := 0
	total := uint64(1) + rootCells // the sentinel id plus the level-0 band
	for {
		r := level + 1

		// band size would overflow
		if uint(3*r) >= 64 || rootCells > (^uint64(0))>>uint(3*r) {
			break
		}
		band := rootCells << uint(3*r)
		next, carry := bits.Add64(total, band, 0)
		if carry != 0 {
			break
		}

		// indices at level r must also be addressable
		maxLen := length[0]
		if length[1] > maxLen {
			maxLen = length[1]
		}
		if length[2] > maxLen {
			maxLen = length[2]
		}
		if uint(r) >= 64 || maxLen > (^uint64(0))>>uint(r) {
			break
		}

		total = next
		level = r
	}
	return level
}

func mul64(x, y, z uint64) (uint64, bool) {
	hi, lo := bits.Mul64(x, y)
	if hi != 0 {
		return 0, false
	}
	hi, lo = bits.Mul64(lo, z)
	if hi != 0 {
		return 0, false
	}
	return lo, true
}

// Length returns the root grid lengths.
func (m *Mapping) Length() [3]uint64 { return m.length }

// MaxLevel returns the maximum refinement level.
func (m *Mapping) MaxLevel() int { return m.maxLevel }

// LastCell returns the largest valid cell id.
func (m *Mapping) LastCell() uint64 { return m.lastCell }

// LengthInIndices returns the grid length along dim in units of the maximum
// refinement level.
func (m *Mapping) LengthInIndices(dim int) uint64 {
	return m.length[dim] << uint(m.maxLevel)
}

// CellFromIndices returns the id of the cell at the given indices and
// refinement level, or ErrorCell if an index is outside the grid or level is
// outside [0, MaxLevel]. Indices interior to a cell map to that cell.
func (m *Mapping) CellFromIndices(idx Indices, level int) uint64 {
	if level < 0 || level > m.maxLevel {
		return ErrorCell
	}
	for dim := 0; dim < 3; dim++ {
		if idx[dim] >= m.LengthInIndices(dim) {
			return ErrorCell
		}
	}

	shift := uint(m.maxLevel - level)
	levelX := m.length[0] << uint(level)
	levelY := m.length[1] << uint(level)

	return m.levelOffset[level] +
		(idx[0] >> shift) +
		(idx[1]>>shift)*levelX +
		(idx[2]>>shift)*levelX*levelY
}

// Level returns the refinement level of the given cell, or -1 if the id is
// invalid.
func (m *Mapping) Level(cell uint64) int {
	if cell == ErrorCell || cell > m.lastCell {
		return -1
	}
	// the bands are small in number, so a linear scan is fine
	for r := 0; r <= m.maxLevel; r++ {
		if cell < m.levelOffset[r+1] {
			return r
		}
	}
	return -1
}

// CellIndices returns the indices of the given cell's minimum corner.
// Returns ErrorIndex components for an invalid id.
func (m *Mapping) CellIndices(cell uint64) Indices {
	level := m.Level(cell)
	if level < 0 {
		return Indices{ErrorIndex, ErrorIndex, ErrorIndex}
	}

	c := cell - m.levelOffset[level]
	shift := uint(m.maxLevel - level)
	levelX := m.length[0] << uint(level)
	levelY := m.length[1] << uint(level)

	return Indices{
		(c % levelX) << shift,
		((c / levelX) % levelY) << shift,
		(c / (levelX * levelY)) << shift,
	}
}

// SizeInIndices returns the length of the given cell's edge in index units,
// i.e. 2^(MaxLevel - level). Returns 0 for an invalid id.
func (m *Mapping) SizeInIndices(cell uint64) uint64 {
	level := m.Level(cell)
	if level < 0 {
		return 0
	}
	return uint64(1) << uint(m.maxLevel-level)
}

// Parent returns the cell one refinement level up that contains the given
// cell. Level-0 cells are their own parent. Returns ErrorCell for an invalid
// id.
func (m *Mapping) Parent(cell uint64) uint64 {
	level := m.Level(cell)
	if level < 0 {
		return ErrorCell
	}
	if level == 0 {
		return cell
	}
	return m.CellFromIndices(m.CellIndices(cell), level-1)
}

// Children returns the 8 cells one refinement level down inside the given
// cell, ordered x fastest, then y, then z. Returns nil for cells at the
// maximum refinement level or invalid ids. This ordering is observable:
// payload assignment during refinement follows it.
func (m *Mapping) Children(cell uint64) []uint64 {
	level := m.Level(cell)
	if level < 0 || level >= m.maxLevel {
		return nil
	}

	idx := m.CellIndices(cell)
	half := uint64(1) << uint(m.maxLevel-level-1)

	children := make([]uint64, 0, 8)
	for dz := uint64(0); dz < 2*half; dz += half {
		for dy := uint64(0); dy < 2*half; dy += half {
			for dx := uint64(0); dx < 2*half; dx += half {
				children = append(children, m.CellFromIndices(
					Indices{idx[0] + dx, idx[1] + dy, idx[2] + dz},
					level+1,
				))
			}
		}
	}
	return children
}

// Siblings returns the given cell together with the 7 other children of its
// parent, in child order. Level-0 cells are their own only sibling. Returns
// nil for an invalid id.
func (m *Mapping) Siblings(cell uint64) []uint64 {
	level := m.Level(cell)
	if level < 0 {
		return nil
	}
	if level == 0 {
		return []uint64{cell}
	}
	return m.Children(m.Parent(cell))
}
