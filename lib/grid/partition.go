package grid

/* partition.go contains the repartitioning glue: the user pin table, cell
weights, the translation of load-balancer output plus pins into a migration
plan, and the collective that moves the cells. */

import (
	"sort"

	"github.com/phil-mansfield/refgrid/lib/balance"
	"github.com/phil-mansfield/refgrid/lib/comm"
	r_error "github.com/phil-mansfield/refgrid/lib/error"
	"github.com/phil-mansfield/refgrid/lib/index"
)

// Pin requests that the given cell stay on this rank across load balances.
// Equivalent to PinTo(cell, Rank()).
func (g *Grid[T]) Pin(cell uint64) {
	g.PinTo(cell, g.comm.Rank())
}

// PinTo requests that the given cell be moved to and kept on the given rank.
// Pins take precedence over the load balancer and survive until Unpin is
// called or the cell stops being a leaf; children inherit their parent's
// pin, and a parent created by unrefinement inherits its first child's pin.
// Takes effect at the next planner run. Does nothing if the cell isn't a
// local leaf or the rank is invalid.
func (g *Grid[T]) PinTo(cell uint64, rank int) {
	if rank < 0 || rank >= g.comm.Size() {
		return
	}
	if _, ok := g.cells[cell]; !ok || g.hasChildren(cell) {
		return
	}
	g.newPins[cell] = rank
}

// Unpin removes the pin of the given cell at the next planner run. Does
// nothing if the cell isn't a local leaf.
func (g *Grid[T]) Unpin(cell uint64) {
	if _, ok := g.cells[cell]; !ok || g.hasChildren(cell) {
		return
	}
	g.newPins[cell] = -1
}

// UnpinLocalCells stages an unpin for every local leaf.
func (g *Grid[T]) UnpinLocalCells() {
	for cell := range g.cells {
		if !g.hasChildren(cell) {
			g.newPins[cell] = -1
		}
	}
}

// UnpinAllCells drops every pin in the grid immediately. Collective: all
// ranks must call it together for the pin tables to stay replicated.
func (g *Grid[T]) UnpinAllCells() {
	g.pins = map[uint64]int{}
	g.newPins = map[uint64]int{}
}

// updatePinRequests folds every rank's staged pin delta into the replicated
// pin table. Collective.
func (g *Grid[T]) updatePinRequests() {
	staged := make([]uint64, 0, 2*len(g.newPins))
	cells := make([]uint64, 0, len(g.newPins))
	for cell := range g.newPins {
		cells = append(cells, cell)
	}
	sortUint64s(cells)
	for _, cell := range cells {
		// rank -1 (unpin) travels as 0, real ranks as rank+1
		staged = append(staged, cell, uint64(g.newPins[cell]+1))
	}

	all := comm.AllGatherUint64(g.comm, staged)
	for rank := range all {
		for i := 0; i+2 <= len(all[rank]); i += 2 {
			cell, encoded := all[rank][i], all[rank][i+1]
			if encoded == 0 {
				delete(g.pins, cell)
			} else {
				g.pins[cell] = int(encoded - 1)
			}
		}
	}

	g.newPins = map[uint64]int{}
}

// SetCellWeight assigns the load-balancing weight of a local leaf. Weights
// default to 1 and are cleared by every load balance. Does nothing for cells
// that aren't local leaves.
func (g *Grid[T]) SetCellWeight(cell uint64, weight float64) {
	if _, ok := g.cells[cell]; !ok || g.hasChildren(cell) {
		return
	}
	g.weights[cell] = weight
}

// CellWeight returns the load-balancing weight of a cell, or 1 if none has
// been set.
func (g *Grid[T]) CellWeight(cell uint64) float64 {
	if weight, ok := g.weights[cell]; ok {
		return weight
	}
	return 1
}

// gridSource adapts the grid to the load balancer's callback surface.
type gridSource[T any] struct {
	g *Grid[T]
}

func (s *gridSource[T]) LocalCells() []uint64 {
	return s.g.sortedLocalCells()
}

func (s *gridSource[T]) CellWeight(cell uint64) float64 {
	return s.g.CellWeight(cell)
}

func (s *gridSource[T]) CellCoordinate(cell uint64) [3]float64 {
	center, ok := s.g.geometry.CellCenter(cell)
	if !ok {
		r_error.Internal("No coordinate for cell %d.", cell)
	}
	return center
}

func (s *gridSource[T]) CellEdges(cell uint64) []balance.Edge {
	seen := map[uint64]bool{}
	edges := []balance.Edge{}

	add := func(neighbors []uint64) {
		for _, neighbor := range neighbors {
			if neighbor == index.ErrorCell || seen[neighbor] {
				continue
			}
			seen[neighbor] = true
			edges = append(edges, balance.Edge{
				Cell: neighbor, Owner: s.g.directory[neighbor],
			})
		}
	}
	add(s.g.neighborsOf[cell])
	add(s.g.neighborsTo[cell])

	sort.Slice(edges, func(i, j int) bool { return edges[i].Cell < edges[j].Cell })
	return edges
}

func (s *gridSource[T]) GridBounds() (min, max [3]float64) {
	return s.g.geometry.GridStart(), s.g.geometry.GridEnd()
}

// makeNewPartition runs the planner: folds staged pins in, asks the load
// balancer for moves (unless the run is pin-only), gives pins precedence,
// and materializes the per-peer send and receive lists. Collective.
func (g *Grid[T]) makeNewPartition(useBalancer bool) {
	g.updatePinRequests()

	moves := []balance.Move{}
	if useBalancer {
		moves = g.part.Plan(&gridSource[T]{g}, g.comm)
	}

	g.cellsToSend = map[int][]cellTag{}
	g.cellsToReceive = map[int][]cellTag{}

	// pinned cells move where the user said, ahead of the balancer
	pinned := make([]uint64, 0, len(g.pins))
	for cell := range g.pins {
		pinned = append(pinned, cell)
	}
	sortUint64s(pinned)

	for _, cell := range pinned {
		target := g.pins[cell]
		current := g.directory[cell]

		if target == g.comm.Rank() && current != g.comm.Rank() {
			g.cellsToReceive[current] = append(
				g.cellsToReceive[current], cellTag{cell, -1},
			)
			g.addedCells[cell] = true
		}
		if target != g.comm.Rank() && current == g.comm.Rank() {
			g.cellsToSend[target] = append(
				g.cellsToSend[target], cellTag{cell, -1},
			)
			g.removedCells[cell] = true
		}
	}

	// then the balancer's suggestions, skipping anything pinned
	for _, move := range moves {
		if _, isPinned := g.pins[move.Cell]; isPinned {
			continue
		}
		if move.From == move.To {
			continue
		}

		if move.To == g.comm.Rank() {
			g.cellsToReceive[move.From] = append(
				g.cellsToReceive[move.From], cellTag{move.Cell, -1},
			)
			g.addedCells[move.Cell] = true
		}
		if move.From == g.comm.Rank() {
			g.cellsToSend[move.To] = append(
				g.cellsToSend[move.To], cellTag{move.Cell, -1},
			)
			g.removedCells[move.Cell] = true
		}
	}

	g.assignTags()
}

// moveCells transfers the planned cells between ranks and rebuilds every
// data structure that depends on ownership. Discards staged refines,
// unrefines and weights. Collective.
func (g *Grid[T]) moveCells() {
	g.weights = map[uint64]float64{}
	g.cellsWithRemoteNeighbors = map[uint64]bool{}
	g.remoteCellsWithLocalNeighbors = map[uint64]bool{}
	g.remotePayloads = map[uint64]*T{}
	g.toRefine = map[uint64]bool{}
	g.refinedPayloads = map[uint64]*T{}
	g.toUnrefine = map[uint64]bool{}
	g.unrefinedPayloads = map[uint64]*T{}
	g.notToUnrefine = map[uint64]bool{}

	allRemoved := comm.AllGatherUint64(g.comm, sortedSet(g.removedCells))
	allAdded := comm.AllGatherUint64(g.comm, sortedSet(g.addedCells))

	g.startTransfers(g.cells)

	// cells must be handed away by their current owner
	for rank := range allRemoved {
		for _, cell := range allRemoved[rank] {
			if g.directory[cell] != rank {
				r_error.Internal(
					"Rank %d: cell %d was moved away by rank %d but belongs "+
						"to rank %d.",
					g.comm.Rank(), cell, rank, g.directory[cell],
				)
			}
		}
	}

	// apply the ownership changes in rank order, identically everywhere
	for rank := range allAdded {
		for _, cell := range allAdded[rank] {
			g.directory[cell] = rank
		}
	}

	// cells that arrived need neighbor lists built from scratch
	for _, cell := range sortedSet(g.addedCells) {
		if !g.isLeaf(cell) {
			continue
		}
		g.neighborsOf[cell] = g.findNeighborsOf(cell, 1, false)
		g.neighborsTo[cell] = g.findNeighborsTo(cell)
	}

	g.waitTransferReceives()
	g.waitTransferSends()
	g.cellsToSend = map[int][]cellTag{}
	g.cellsToReceive = map[int][]cellTag{}

	// cells that left take their payload and neighbor lists with them
	for cell := range g.removedCells {
		delete(g.cells, cell)
		delete(g.neighborsOf, cell)
		delete(g.neighborsTo, cell)
	}

	g.updateAllRemoteNeighborInfo()
	g.recalculateNeighborUpdateLists()
}

// prepareToMoveCells ships the planned payloads once ahead of the real
// migration so that receivers of variable-size payloads learn their shapes.
// Collective.
func (g *Grid[T]) prepareToMoveCells() {
	g.cellsWithRemoteNeighbors = map[uint64]bool{}
	g.remoteCellsWithLocalNeighbors = map[uint64]bool{}
	g.remotePayloads = map[uint64]*T{}
	g.toRefine = map[uint64]bool{}
	g.refinedPayloads = map[uint64]*T{}
	g.toUnrefine = map[uint64]bool{}
	g.unrefinedPayloads = map[uint64]*T{}

	g.startTransfers(g.cells)
	g.waitTransferReceives()
	g.waitTransferSends()
}

// BalanceLoad repartitions the grid's cells: unpinned cells move as the load
// balancer suggests, pinned cells as their pins demand. Discards staged
// refines/unrefines and clears all cell weights. Does not refresh remote
// payload copies afterwards. Collective.
//
// hasBeenPrepared must be true iff PrepareToBalanceLoad was the previous
// grid operation, in which case the prepared plan is reused.
func (g *Grid[T]) BalanceLoad(hasBeenPrepared bool) {
	if !hasBeenPrepared {
		g.makeNewPartition(true)
	}
	g.moveCells()
	g.addedCells = map[uint64]bool{}
	g.removedCells = map[uint64]bool{}
}

// MigrateCells moves only pinned cells; the load balancer is not consulted.
// Otherwise identical to BalanceLoad. Collective.
func (g *Grid[T]) MigrateCells(hasBeenPrepared bool) {
	if !hasBeenPrepared {
		g.makeNewPartition(false)
	}
	g.moveCells()
	g.addedCells = map[uint64]bool{}
	g.removedCells = map[uint64]bool{}
}

// PrepareToBalanceLoad plans a load balance and ships the payloads once so
// that receivers can size their buffers; the next grid operation must be
// BalanceLoad(true). Collective.
func (g *Grid[T]) PrepareToBalanceLoad() {
	g.makeNewPartition(true)
	g.prepareToMoveCells()
}

// PrepareToMigrateCells plans a pin-only migration and ships the payloads
// once; the next grid operation must be MigrateCells(true). Collective.
func (g *Grid[T]) PrepareToMigrateCells() {
	g.makeNewPartition(false)
	g.prepareToMoveCells()
}
