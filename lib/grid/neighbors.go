package grid

/* neighbors.go contains the neighbor-resolution engine: stencil shifts in
index space, lookup of existing cells across refinement levels, construction
of the forward and reverse neighbor lists, and the bookkeeping of which cells
sit on rank boundaries. */

import (
	"sort"

	r_error "github.com/phil-mansfield/refgrid/lib/error"
	"github.com/phil-mansfield/refgrid/lib/index"
	"github.com/phil-mansfield/refgrid/lib/stencil"
)

// invalidIndices marks a stencil slot that falls outside a non-periodic
// grid.
var invalidIndices = index.Indices{
	index.ErrorIndex, index.ErrorIndex, index.ErrorIndex,
}

// childOrSelf returns one child of the given cell if its children exist, the
// cell itself if they don't, and ErrorCell if the cell doesn't exist.
func (g *Grid[T]) childOrSelf(cell uint64) uint64 {
	if _, ok := g.directory[cell]; !ok {
		return index.ErrorCell
	}
	level := g.mapping.Level(cell)
	if level == g.mapping.MaxLevel() {
		return cell
	}
	child := g.mapping.CellFromIndices(g.mapping.CellIndices(cell), level+1)
	if _, ok := g.directory[child]; ok {
		return child
	}
	return cell
}

// hasChildren returns true if the given cell exists and has been refined.
func (g *Grid[T]) hasChildren(cell uint64) bool {
	child := g.childOrSelf(cell)
	return child != index.ErrorCell && child != cell
}

// isLeaf returns true if the given cell exists and has no children.
func (g *Grid[T]) isLeaf(cell uint64) bool {
	return g.childOrSelf(cell) == cell && cell != index.ErrorCell
}

// indicesFromNeighborhood shifts the given indices by every offset of the
// neighborhood, scaled by sizeInIndices, wrapping around periodic axes.
// Slots outside a non-periodic grid come back as invalidIndices.
func (g *Grid[T]) indicesFromNeighborhood(
	idx index.Indices, sizeInIndices uint64, hood []stencil.Offset,
) []index.Indices {
	out := make([]index.Indices, 0, len(hood))

	for _, offset := range hood {
		shifted := idx
		valid := true

		for dim := 0; dim < 3; dim++ {
			length := g.mapping.LengthInIndices(dim)

			if offset[dim] < 0 {
				if g.periodic[dim] {
					// the neighborhood may wrap around the grid several
					// times, one cell size per step
					for i := 0; i > offset[dim]; i-- {
						if shifted[dim] >= sizeInIndices {
							shifted[dim] -= sizeInIndices
						} else {
							shifted[dim] = length - sizeInIndices
						}
					}
				} else {
					move := uint64(-offset[dim]) * sizeInIndices
					if idx[dim] < move {
						valid = false
						break
					}
					shifted[dim] -= move
				}
			} else {
				if g.periodic[dim] {
					for i := 0; i < offset[dim]; i++ {
						if shifted[dim] < length-sizeInIndices {
							shifted[dim] += sizeInIndices
						} else {
							shifted[dim] = 0
						}
					}
				} else {
					move := uint64(offset[dim]) * sizeInIndices
					if idx[dim]+move >= length {
						valid = false
						break
					}
					shifted[dim] += move
				}
			}
		}

		if !valid {
			out = append(out, invalidIndices)
		} else {
			out = append(out, shifted)
		}
	}

	return out
}

// existingCell returns the smallest existing cell at the given indices
// within the given refinement levels (inclusive), or ErrorCell if no such
// cell exists. Binary search over the levels: the directory holds refined
// ancestors as well as leaves, so if a cell exists at some level all of its
// ancestors exist, and if none exists at a level none exists at any finer
// level.
func (g *Grid[T]) existingCell(idx index.Indices, minLevel, maxLevel int) uint64 {
	for dim := 0; dim < 3; dim++ {
		if idx[dim] >= g.mapping.LengthInIndices(dim) {
			return index.ErrorCell
		}
	}
	if minLevel > maxLevel {
		return index.ErrorCell
	}

	average := (minLevel + maxLevel) / 2
	cell := g.mapping.CellFromIndices(idx, average)

	if _, ok := g.directory[cell]; !ok {
		if average > minLevel {
			return g.existingCell(idx, minLevel, average-1)
		}
		return index.ErrorCell
	}

	if average < maxLevel {
		if smaller := g.existingCell(idx, average+1, maxLevel); smaller != index.ErrorCell {
			return smaller
		}
	}
	return cell
}

// findCells returns the existing childless cells within the given index box
// and refinement levels, in x-fastest scan order without duplicates.
func (g *Grid[T]) findCells(
	min, max index.Indices, minLevel, maxLevel int,
) []uint64 {
	step := uint64(1) << uint(g.mapping.MaxLevel()-maxLevel)

	result := []uint64{}
	seen := map[uint64]bool{}

	var idx index.Indices
	for idx[2] = min[2]; idx[2] <= max[2]; idx[2] += step {
		for idx[1] = min[1]; idx[1] <= max[1]; idx[1] += step {
			for idx[0] = min[0]; idx[0] <= max[0]; idx[0] += step {
				cell := g.existingCell(idx, minLevel, maxLevel)
				if cell == index.ErrorCell {
					r_error.Internal(
						"Rank %d: no cell found between refinement levels "+
							"[%d, %d] at indices (%d, %d, %d).",
						g.comm.Rank(), minLevel, maxLevel,
						idx[0], idx[1], idx[2],
					)
				}

				// cells with children can appear when searching for
				// neighbors_to and shouldn't be considered
				if g.hasChildren(cell) {
					continue
				}
				if !seen[cell] {
					seen[cell] = true
					result = append(result, cell)
				}
			}
		}
	}

	return result
}

// findNeighborsOf derives the neighbor list of the given cell from scratch:
// one entry per stencil slot, 0 for off-grid slots, a single cell for
// same-or-larger neighbors and all the smaller cells filling the slot
// otherwise. maxDiff is the refinement level distance to search. Cells with
// children only get a list if allowChildren is set (used when probing the
// prospective parent of an unrefine). Returns nil for nonexistent cells.
func (g *Grid[T]) findNeighborsOf(
	cell uint64, maxDiff int, allowChildren bool,
) []uint64 {
	if _, ok := g.directory[cell]; !ok {
		return nil
	}
	if !allowChildren && g.hasChildren(cell) {
		return nil
	}

	level := g.mapping.Level(cell)
	size := g.mapping.SizeInIndices(cell)

	minLevel := level - maxDiff
	if minLevel < 0 {
		minLevel = 0
	}
	maxLevel := level + maxDiff
	if maxLevel > g.mapping.MaxLevel() {
		maxLevel = g.mapping.MaxLevel()
	}

	neighbors := []uint64{}
	shifted := g.indicesFromNeighborhood(
		g.mapping.CellIndices(cell), size, g.hood.Of(),
	)

	for _, idx := range shifted {
		if idx == invalidIndices {
			neighbors = append(neighbors, index.ErrorCell)
			continue
		}

		neighbor := g.existingCell(idx, minLevel, maxLevel)
		if neighbor == index.ErrorCell {
			r_error.Internal(
				"Rank %d: neighbor not found for cell %d (ref. lvl. %d) "+
					"within refinement levels [%d, %d] at indices "+
					"(%d, %d, %d).",
				g.comm.Rank(), cell, level, minLevel, maxLevel,
				idx[0], idx[1], idx[2],
			)
		}

		if g.mapping.Level(neighbor) <= level {
			neighbors = append(neighbors, neighbor)
		} else {
			// the slot is filled by smaller cells; keep them all so the
			// slot width stays fixed when stepping through the list
			max := index.Indices{
				idx[0] + size - 1, idx[1] + size - 1, idx[2] + size - 1,
			}
			neighbors = append(
				neighbors, g.findCells(idx, max, minLevel, maxLevel)...,
			)
		}
	}

	return neighbors
}

// findNeighborsTo derives from scratch the list of childless cells that
// consider the given cell a neighbor. Returns nil if the cell doesn't exist
// or has children. The result is sorted.
func (g *Grid[T]) findNeighborsTo(cell uint64) []uint64 {
	if _, ok := g.directory[cell]; !ok || g.hasChildren(cell) {
		return nil
	}

	level := g.mapping.Level(cell)
	unique := map[uint64]bool{}

	// cells larger than this one see it through their own, coarser stencil
	if level > 0 {
		parent := g.mapping.Parent(cell)
		g.collectNeighborsTo(
			unique, g.mapping.CellIndices(parent),
			g.mapping.SizeInIndices(parent), level-1,
		)
	}

	// cells smaller than this one
	if level < g.mapping.MaxLevel() {
		children := g.mapping.Children(cell)
		childSize := g.mapping.SizeInIndices(children[0])
		for _, child := range children {
			g.collectNeighborsTo(
				unique, g.mapping.CellIndices(child), childSize, level+1,
			)
		}
	}

	// cells of the same size
	g.collectNeighborsTo(
		unique, g.mapping.CellIndices(cell), g.mapping.SizeInIndices(cell),
		level,
	)

	return sortedSet(unique)
}

// collectNeighborsTo adds the existing childless cells found at the reverse
// stencil's slots around the given footprint and refinement level.
func (g *Grid[T]) collectNeighborsTo(
	unique map[uint64]bool, idx index.Indices, size uint64, level int,
) {
	for _, search := range g.indicesFromNeighborhood(idx, size, g.hood.To()) {
		if search == invalidIndices {
			continue
		}
		found := g.mapping.CellFromIndices(search, level)
		if found == index.ErrorCell {
			continue
		}
		if g.childOrSelf(found) == found {
			unique[found] = true
		}
	}
}

// findNeighborsToFast is findNeighborsTo using the cell's already-computed
// neighbor list for the same-or-smaller cases; only cells one level coarser
// have to be searched for. The result is sorted.
func (g *Grid[T]) findNeighborsToFast(cell uint64, neighborsOf []uint64) []uint64 {
	if _, ok := g.directory[cell]; !ok || g.hasChildren(cell) {
		return nil
	}

	unique := map[uint64]bool{}
	for _, neighbor := range neighborsOf {
		if neighbor == index.ErrorCell {
			continue
		}
		if g.isNeighbor(neighbor, cell) {
			unique[neighbor] = true
		}
	}

	level := g.mapping.Level(cell)
	if level > 0 {
		parent := g.mapping.Parent(cell)
		g.collectNeighborsTo(
			unique, g.mapping.CellIndices(parent),
			g.mapping.SizeInIndices(parent), level-1,
		)
	}

	return sortedSet(unique)
}

// isNeighbor returns true if cell1 considers cell2 a neighbor. The test works
// on index distances, so it is symmetric only between equal-size cells. With
// a cube stencil it holds whether or not either cell exists; with the face
// stencil (size 0) it is false unless both cells exist.
func (g *Grid[T]) isNeighbor(cell1, cell2 uint64) bool {
	idx1 := g.mapping.CellIndices(cell1)
	idx2 := g.mapping.CellIndices(cell2)
	size1 := g.mapping.SizeInIndices(cell1)
	size2 := g.mapping.SizeInIndices(cell2)

	maxDistance := uint64(0)
	for dim := 0; dim < 3; dim++ {
		length := g.mapping.LengthInIndices(dim)

		var distance uint64
		if idx1[dim] <= idx2[dim] {
			if idx2[dim] <= idx1[dim]+size1 {
				distance = 0
			} else {
				distance = idx2[dim] - (idx1[dim] + size1)
			}
			if g.periodic[dim] {
				toEnd := length - (idx2[dim] + size2)
				if wrapped := idx1[dim] + toEnd; wrapped < distance {
					distance = wrapped
				}
			}
		} else {
			if idx1[dim] <= idx2[dim]+size2 {
				distance = 0
			} else {
				distance = idx1[dim] - (idx2[dim] + size2)
			}
			if g.periodic[dim] {
				toEnd := length - (idx1[dim] + size1)
				if wrapped := idx2[dim] + toEnd; wrapped < distance {
					distance = wrapped
				}
			}
		}

		if distance > maxDistance {
			maxDistance = distance
		}
	}

	if g.hood.Size() == 0 {
		// the face stencil excludes diagonal cells
		return maxDistance < size1 && g.overlappingIndices(cell1, cell2) >= 2
	}
	return maxDistance < uint64(g.hood.Size())*size1
}

// overlappingIndices returns the number of dimensions in which the two
// cells' index intervals overlap. Returns 0 if either cell doesn't exist.
func (g *Grid[T]) overlappingIndices(cell1, cell2 uint64) int {
	if _, ok := g.directory[cell1]; !ok {
		return 0
	}
	if _, ok := g.directory[cell2]; !ok {
		return 0
	}

	idx1 := g.mapping.CellIndices(cell1)
	idx2 := g.mapping.CellIndices(cell2)
	size1 := g.mapping.SizeInIndices(cell1)
	size2 := g.mapping.SizeInIndices(cell2)

	count := 0
	for dim := 0; dim < 3; dim++ {
		if idx1[dim]+size1 > idx2[dim] && idx1[dim] < idx2[dim]+size2 {
			count++
		}
	}
	return count
}

// updateNeighbors recomputes both neighbor lists of the given cell. Does
// nothing for cells that don't exist locally or have children.
func (g *Grid[T]) updateNeighbors(cell uint64) {
	owner, ok := g.directory[cell]
	if !ok || owner != g.comm.Rank() || g.hasChildren(cell) {
		return
	}

	g.neighborsOf[cell] = g.findNeighborsOf(cell, 1, false)
	g.neighborsTo[cell] = g.findNeighborsToFast(cell, g.neighborsOf[cell])
}

// updateRemoteNeighborInfoFor refreshes the boundary bookkeeping of one
// local leaf from its current neighbor lists.
func (g *Grid[T]) updateRemoteNeighborInfoFor(cell uint64) {
	if _, ok := g.cells[cell]; !ok || g.hasChildren(cell) {
		return
	}

	delete(g.cellsWithRemoteNeighbors, cell)

	for _, neighbor := range g.neighborsOf[cell] {
		if neighbor == index.ErrorCell {
			continue
		}
		if g.directory[neighbor] != g.comm.Rank() {
			g.cellsWithRemoteNeighbors[cell] = true
			g.remoteCellsWithLocalNeighbors[neighbor] = true
		}
	}
	for _, neighbor := range g.neighborsTo[cell] {
		if g.directory[neighbor] != g.comm.Rank() {
			g.cellsWithRemoteNeighbors[cell] = true
			g.remoteCellsWithLocalNeighbors[neighbor] = true
		}
	}
}

// updateAllRemoteNeighborInfo rebuilds the boundary bookkeeping of every
// local leaf.
func (g *Grid[T]) updateAllRemoteNeighborInfo() {
	g.cellsWithRemoteNeighbors = map[uint64]bool{}
	g.remoteCellsWithLocalNeighbors = map[uint64]bool{}

	for cell := range g.cells {
		if g.hasChildren(cell) {
			continue
		}
		g.updateRemoteNeighborInfoFor(cell)
	}
}

// VerifyNeighbors re-derives the neighbor lists of every local leaf from
// scratch and compares them with the stored ones. Returns false and logs the
// first mismatch if the lists disagree.
func (g *Grid[T]) VerifyNeighbors() bool {
	for cell := range g.cells {
		if g.hasChildren(cell) {
			continue
		}

		fresh := g.findNeighborsOf(cell, 1, false)
		stored := g.neighborsOf[cell]
		if !equalUint64s(stored, fresh) {
			logMismatch("neighbors", g.comm.Rank(), cell, stored, fresh)
			return false
		}

		freshTo := g.findNeighborsTo(cell)
		storedTo := append([]uint64{}, g.neighborsTo[cell]...)
		sort.Slice(storedTo, func(i, j int) bool { return storedTo[i] < storedTo[j] })
		if !equalUint64s(storedTo, freshTo) {
			logMismatch("neighbors_to", g.comm.Rank(), cell, storedTo, freshTo)
			return false
		}
	}
	return true
}

// VerifyRemoteNeighborInfo checks the boundary bookkeeping of every local
// leaf against its neighbor lists. Returns false on the first inconsistency.
func (g *Grid[T]) VerifyRemoteNeighborInfo() bool {
	for cell := range g.cells {
		if g.hasChildren(cell) {
			continue
		}

		remote := false
		for _, neighbor := range g.neighborsOf[cell] {
			if neighbor != index.ErrorCell && g.directory[neighbor] != g.comm.Rank() {
				remote = true
			}
		}
		for _, neighbor := range g.neighborsTo[cell] {
			if g.directory[neighbor] != g.comm.Rank() {
				remote = true
			}
		}

		if remote != g.cellsWithRemoteNeighbors[cell] {
			logMismatch("remote neighbor info", g.comm.Rank(), cell, nil, nil)
			return false
		}
	}
	return true
}

func equalUint64s(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func logMismatch(what string, rank int, cell uint64, stored, fresh []uint64) {
	r_error.Warnf(
		"Rank %d: %s of cell %d don't verify: stored %v, derived %v",
		rank, what, cell, stored, fresh,
	)
}
