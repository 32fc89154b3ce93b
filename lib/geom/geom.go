/*package geom maps between the grid's integer index space and physical
coordinates. The grid core never touches coordinates itself; it consults a
Geometry for cell bounds (VTK output, load balancing) and for resolving
user-given coordinates to indices.*/
package geom

import (
	"fmt"

	"github.com/phil-mansfield/refgrid/lib/index"
)

// Geometry is an axis-aligned, uniformly spaced mapping from the index space
// of a Mapping to physical coordinates.
type Geometry struct {
	mapping *index.Mapping
	start   [3]float64
	// indexUnit[dim] is the physical size of one index unit, i.e. the size
	// of a cell at the maximum refinement level.
	indexUnit [3]float64
	end       [3]float64
}

// New creates a Geometry with the grid's minimum corner at start and
// unrefined (level 0) cells of the given physical size per axis.
func New(m *index.Mapping, start, unrefinedSize [3]float64) (*Geometry, error) {
	for dim := 0; dim < 3; dim++ {
		if !(unrefinedSize[dim] > 0) {
			return nil, fmt.Errorf(
				"Unrefined cell size must be positive in every dimension, "+
					"got %g in dimension %d.", unrefinedSize[dim], dim,
			)
		}
	}

	g := &Geometry{mapping: m, start: start}
	for dim := 0; dim < 3; dim++ {
		g.indexUnit[dim] = unrefinedSize[dim] /
			float64(uint64(1)<<uint(m.MaxLevel()))
		g.end[dim] = start[dim] +
			unrefinedSize[dim]*float64(m.Length()[dim])
	}
	return g, nil
}

// GridStart returns the minimum corner of the grid.
func (g *Geometry) GridStart() [3]float64 { return g.start }

// GridEnd returns the maximum corner of the grid.
func (g *Geometry) GridEnd() [3]float64 { return g.end }

// CellBounds returns the minimum and maximum corners of the given cell.
// The second return value is false for an invalid id.
func (g *Geometry) CellBounds(cell uint64) (min, max [3]float64, ok bool) {
	idx := g.mapping.CellIndices(cell)
	if idx[0] == index.ErrorIndex {
		return min, max, false
	}
	size := g.mapping.SizeInIndices(cell)

	for dim := 0; dim < 3; dim++ {
		min[dim] = g.start[dim] + float64(idx[dim])*g.indexUnit[dim]
		max[dim] = min[dim] + float64(size)*g.indexUnit[dim]
	}
	return min, max, true
}

// CellCenter returns the center of the given cell. The second return value
// is false for an invalid id.
func (g *Geometry) CellCenter(cell uint64) ([3]float64, bool) {
	min, max, ok := g.CellBounds(cell)
	if !ok {
		return [3]float64{}, false
	}
	return [3]float64{
		(min[0] + max[0]) / 2,
		(min[1] + max[1]) / 2,
		(min[2] + max[2]) / 2,
	}, true
}

// IndicesAt returns the indices containing the given coordinate, or ok ==
// false if the coordinate is outside of the grid.
func (g *Geometry) IndicesAt(x, y, z float64) (index.Indices, bool) {
	coord := [3]float64{x, y, z}
	var idx index.Indices

	for dim := 0; dim < 3; dim++ {
		if coord[dim] < g.start[dim] || coord[dim] >= g.end[dim] {
			return index.Indices{}, false
		}
		i := uint64((coord[dim] - g.start[dim]) / g.indexUnit[dim])
		// guard against round-off at the top edge
		if i >= g.mapping.LengthInIndices(dim) {
			i = g.mapping.LengthInIndices(dim) - 1
		}
		idx[dim] = i
	}
	return idx, true
}
