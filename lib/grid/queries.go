package grid

/* queries.go contains the read-only public surface: iteration over cells,
payload lookup, neighbor access and cell-hierarchy queries. */

import (
	"sort"

	"github.com/phil-mansfield/refgrid/lib/balance"
	"github.com/phil-mansfield/refgrid/lib/geom"
	"github.com/phil-mansfield/refgrid/lib/index"
)

func sortUint64s(x []uint64) {
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
}

// Rank returns this grid's rank in the communicator.
func (g *Grid[T]) Rank() int { return g.comm.Rank() }

// Size returns the number of ranks in the communicator.
func (g *Grid[T]) Size() int { return g.comm.Size() }

// NeighborhoodSize returns the stencil radius the grid was built with.
func (g *Grid[T]) NeighborhoodSize() int { return g.hood.Size() }

// Mapping returns the grid's cell-identifier algebra.
func (g *Grid[T]) Mapping() *index.Mapping { return g.mapping }

// Geometry returns the grid's index-to-coordinate mapping.
func (g *Grid[T]) Geometry() *geom.Geometry { return g.geometry }

// Partitioner returns the grid's load-balancing configuration: method,
// hierarchical levels and option tables.
func (g *Grid[T]) Partitioner() *balance.Partitioner { return g.part }

// Cells returns this rank's leaf cells in ascending id order.
func (g *Grid[T]) Cells() []uint64 {
	return g.sortedLocalCells()
}

// AllCells returns every leaf cell in the grid, on any rank, in ascending id
// order.
func (g *Grid[T]) AllCells() []uint64 {
	cells := []uint64{}
	for cell := range g.directory {
		if !g.hasChildren(cell) {
			cells = append(cells, cell)
		}
	}
	sortUint64s(cells)
	return cells
}

// CellsWithRemoteNeighbor returns the local leaves that have at least one
// neighbor on another rank, or that a cell on another rank considers a
// neighbor, in ascending id order.
func (g *Grid[T]) CellsWithRemoteNeighbor() []uint64 {
	return sortedSet(g.cellsWithRemoteNeighbors)
}

// CellsWithLocalNeighbors returns the local leaves whose entire neighborhood
// is on this rank, in ascending id order.
func (g *Grid[T]) CellsWithLocalNeighbors() []uint64 {
	cells := []uint64{}
	for cell := range g.cells {
		if g.hasChildren(cell) {
			continue
		}
		if !g.cellsWithRemoteNeighbors[cell] {
			cells = append(cells, cell)
		}
	}
	sortUint64s(cells)
	return cells
}

// RemoteCellsWithLocalNeighbors returns the remote leaves that have a
// neighbor on this rank or that a leaf on this rank considers a neighbor, in
// ascending id order.
func (g *Grid[T]) RemoteCellsWithLocalNeighbors() []uint64 {
	return sortedSet(g.remoteCellsWithLocalNeighbors)
}

// Payload returns a pointer to the given cell's payload, looked up in the
// local store, then the remote copies, then the refined and unrefined
// staging areas. Returns nil if the cell's payload isn't on this rank.
// Pointers into the remote copies are overwritten by the next ghost
// exchange, and the staging areas are cleared by the next load balance.
func (g *Grid[T]) Payload(cell uint64) *T {
	if payload, ok := g.cells[cell]; ok {
		return payload
	}
	if payload, ok := g.remotePayloads[cell]; ok {
		return payload
	}
	if payload, ok := g.refinedPayloads[cell]; ok {
		return payload
	}
	if payload, ok := g.unrefinedPayloads[cell]; ok {
		return payload
	}
	return nil
}

// Neighbors returns the given cell's neighbor list in stencil order:
// off-grid slots are 0, same-or-larger neighbors take one entry, smaller
// neighbors all 8. Returns nil if the cell isn't a local leaf. The returned
// slice must not be modified.
func (g *Grid[T]) Neighbors(cell uint64) []uint64 {
	if _, ok := g.cells[cell]; !ok {
		return nil
	}
	return g.neighborsOf[cell]
}

// NeighborsTo returns the cells that consider the given cell a neighbor.
// Off-grid slots are not included. Returns nil if the cell isn't a local
// leaf. The returned slice must not be modified.
func (g *Grid[T]) NeighborsTo(cell uint64) []uint64 {
	if _, ok := g.cells[cell]; !ok {
		return nil
	}
	return g.neighborsTo[cell]
}

// NeighborsAt returns the neighbors of the given cell at stencil offset
// (i, j, k): one cell, 8 cells if the slot holds smaller neighbors, or a
// single 0 if the slot is outside a non-periodic grid. Returns nil if the
// cell isn't a local leaf, the offset is the origin, or the offset is
// outside the stencil.
func (g *Grid[T]) NeighborsAt(cell uint64, i, j, k int) []uint64 {
	owner, ok := g.directory[cell]
	if !ok || owner != g.comm.Rank() || (i == 0 && j == 0 && k == 0) {
		return nil
	}
	list, ok := g.neighborsOf[cell]
	if !ok {
		return nil
	}

	level := g.mapping.Level(cell)
	last := g.hood.Size()
	if last == 0 {
		last = 1
	}

	pos := 0
	for ck := -last; ck <= last; ck++ {
		for cj := -last; cj <= last; cj++ {
			for ci := -last; ci <= last; ci++ {
				if ci == 0 && cj == 0 && ck == 0 {
					continue
				}
				if g.hood.Size() == 0 {
					// skip the diagonal offsets of the surrounding cube
					zeros := 0
					if ci == 0 {
						zeros++
					}
					if cj == 0 {
						zeros++
					}
					if ck == 0 {
						zeros++
					}
					if zeros != 2 {
						continue
					}
				}

				if pos >= len(list) {
					return nil
				}
				neighborLevel := g.mapping.Level(list[pos])

				if ci == i && cj == j && ck == k {
					if neighborLevel == -1 {
						return []uint64{index.ErrorCell}
					}
					result := []uint64{list[pos]}
					if neighborLevel > level {
						for t := 1; t < 8; t++ {
							pos++
							result = append(result, list[pos])
						}
					}
					return result
				}

				if neighborLevel > level {
					pos += 7
				}
				pos++
			}
		}
	}

	return nil
}

// RemoteNeighbors returns the given cell's neighbors that live on another
// rank, in list order. Returns nil if the cell isn't a local leaf.
func (g *Grid[T]) RemoteNeighbors(cell uint64) []uint64 {
	if _, ok := g.cells[cell]; !ok {
		return nil
	}

	result := []uint64{}
	for _, neighbor := range g.neighborsOf[cell] {
		if neighbor == index.ErrorCell {
			continue
		}
		if g.directory[neighbor] != g.comm.Rank() {
			result = append(result, neighbor)
		}
	}
	return result
}

// IsLocal returns true if the given cell exists and is owned by this rank.
func (g *Grid[T]) IsLocal(cell uint64) bool {
	owner, ok := g.directory[cell]
	return ok && owner == g.comm.Rank()
}

// Owner returns the rank owning the given cell, or -1 if the cell doesn't
// exist.
func (g *Grid[T]) Owner(cell uint64) int {
	owner, ok := g.directory[cell]
	if !ok {
		return -1
	}
	return owner
}

// Level returns the refinement level of the given cell, or -1 for an
// invalid id.
func (g *Grid[T]) Level(cell uint64) int {
	return g.mapping.Level(cell)
}

// Parent returns the existing parent of the given cell, the cell itself at
// level 0, or 0 if the cell doesn't exist.
func (g *Grid[T]) Parent(cell uint64) uint64 {
	return g.parentOf(cell)
}

// Siblings returns the given cell and the other children of its parent, or
// nil if the cell doesn't exist.
func (g *Grid[T]) Siblings(cell uint64) []uint64 {
	return g.siblingsOf(cell)
}

// Children returns the 8 existing children of the given cell, or nil if the
// cell has none.
func (g *Grid[T]) Children(cell uint64) []uint64 {
	if !g.hasChildren(cell) {
		return nil
	}
	return g.allChildren(cell)
}

// ExistingCellAt returns the smallest existing cell at the given coordinate,
// or 0 if the coordinate is outside the grid.
func (g *Grid[T]) ExistingCellAt(x, y, z float64) uint64 {
	idx, ok := g.geometry.IndicesAt(x, y, z)
	if !ok {
		return index.ErrorCell
	}
	return g.existingCell(idx, 0, g.mapping.MaxLevel())
}
