package grid

/* refine.go contains the distributed refinement protocol: staging of
refine/unrefine requests, propagation of induced refines between ranks,
overriding of conflicting unrefines, and the collective that applies the
surviving changes and moves the displaced payloads. */

import (
	"github.com/phil-mansfield/refgrid/lib/comm"
	r_error "github.com/phil-mansfield/refgrid/lib/error"
	"github.com/phil-mansfield/refgrid/lib/index"
)

// parentOf returns the existing parent of the given cell, the cell itself if
// it has no parent, or ErrorCell if the cell doesn't exist.
func (g *Grid[T]) parentOf(cell uint64) uint64 {
	if _, ok := g.directory[cell]; !ok {
		return index.ErrorCell
	}
	if g.mapping.Level(cell) == 0 {
		return cell
	}
	parent := g.mapping.Parent(cell)
	if _, ok := g.directory[parent]; ok {
		return parent
	}
	return cell
}

// allChildren returns the 8 children of the given cell whether or not they
// exist. Returns nil if the cell doesn't exist or sits at the maximum
// refinement level.
func (g *Grid[T]) allChildren(cell uint64) []uint64 {
	if _, ok := g.directory[cell]; !ok {
		return nil
	}
	return g.mapping.Children(cell)
}

// siblingsOf returns the given cell and the 7 other children of its parent.
// Level-0 cells are their own only sibling. Returns nil if the cell doesn't
// exist.
func (g *Grid[T]) siblingsOf(cell uint64) []uint64 {
	if _, ok := g.directory[cell]; !ok {
		return nil
	}
	if g.mapping.Level(cell) == 0 {
		return []uint64{cell}
	}
	return g.allChildren(g.parentOf(cell))
}

// RefineCompletely requests that the given cell be replaced by its 8
// children during the next StopRefining. Refining takes priority over
// unrefining, so any staged unrefines of the cell's or its same-or-larger
// neighbors' sibling groups are dropped. Cells already at the maximum
// refinement level are pinned against unrefinement instead. Does nothing if
// the cell is 0, doesn't exist on this rank, or has children.
func (g *Grid[T]) RefineCompletely(cell uint64) {
	if cell == index.ErrorCell {
		return
	}
	if _, ok := g.directory[cell]; !ok {
		return
	}
	if _, ok := g.cells[cell]; !ok {
		return
	}
	if g.hasChildren(cell) {
		return
	}

	level := g.mapping.Level(cell)
	if level == g.mapping.MaxLevel() {
		g.DontUnrefine(cell)
		return
	}

	g.toRefine[cell] = true

	for _, sibling := range g.siblingsOf(cell) {
		delete(g.toUnrefine, sibling)
	}

	dropNeighborUnrefines := func(neighbors []uint64) {
		for _, neighbor := range neighbors {
			if neighbor == index.ErrorCell {
				continue
			}
			if g.mapping.Level(neighbor) <= level {
				for _, sibling := range g.siblingsOf(neighbor) {
					delete(g.toUnrefine, sibling)
				}
			}
		}
	}
	dropNeighborUnrefines(g.neighborsOf[cell])
	dropNeighborUnrefines(g.neighborsTo[cell])
}

// RefineCompletelyAt is RefineCompletely on the smallest existing cell at
// the given coordinate. Does nothing if the coordinate is outside the grid.
func (g *Grid[T]) RefineCompletelyAt(x, y, z float64) {
	if cell := g.ExistingCellAt(x, y, z); cell != index.ErrorCell {
		g.RefineCompletely(cell)
	}
}

// UnrefineCompletely requests that the given cell and its siblings be
// replaced by their parent during the next StopRefining. The request is
// dropped if any sibling has been refined or pinned, or if the parent's
// prospective neighborhood would break the 2:1 balance. At most one sibling
// per group is recorded per rank to bound the all-gather size. Does nothing
// for level-0 cells or cells that don't exist on this rank.
func (g *Grid[T]) UnrefineCompletely(cell uint64) {
	if cell == index.ErrorCell {
		return
	}
	if _, ok := g.directory[cell]; !ok {
		return
	}
	if _, ok := g.cells[cell]; !ok {
		return
	}
	if g.mapping.Level(cell) == 0 {
		return
	}

	siblings := g.siblingsOf(cell)
	for _, sibling := range siblings {
		if g.hasChildren(sibling) {
			return
		}
		if g.toRefine[sibling] || g.notToUnrefine[sibling] {
			return
		}
	}

	// unrefining succeeds only if the parent will satisfy the 2:1 balance
	parent := g.parentOf(cell)
	parentLevel := g.mapping.Level(parent)
	for _, neighbor := range g.findNeighborsOf(parent, 2, true) {
		if neighbor == index.ErrorCell {
			continue
		}
		neighborLevel := g.mapping.Level(neighbor)
		if neighborLevel > parentLevel+1 {
			return
		}
		if neighborLevel == parentLevel+1 && g.toRefine[neighbor] {
			return
		}
	}

	for _, sibling := range siblings {
		if g.toUnrefine[sibling] {
			return
		}
	}

	g.toUnrefine[cell] = true
}

// UnrefineCompletelyAt is UnrefineCompletely on the smallest existing cell
// at the given coordinate. Does nothing if the coordinate is outside the
// grid.
func (g *Grid[T]) UnrefineCompletelyAt(x, y, z float64) {
	if cell := g.ExistingCellAt(x, y, z); cell != index.ErrorCell {
		g.UnrefineCompletely(cell)
	}
}

// DontUnrefine prevents the given cell and its siblings from being
// unrefined during the next StopRefining. The pin lasts only until then.
// Does nothing for level-0 cells or cells that don't exist on this rank.
func (g *Grid[T]) DontUnrefine(cell uint64) {
	if cell == index.ErrorCell {
		return
	}
	if _, ok := g.directory[cell]; !ok {
		return
	}
	if _, ok := g.cells[cell]; !ok {
		return
	}
	if g.mapping.Level(cell) == 0 {
		return
	}
	if g.hasChildren(cell) {
		return
	}

	siblings := g.siblingsOf(cell)
	for _, sibling := range siblings {
		if g.notToUnrefine[sibling] {
			return
		}
	}
	for _, sibling := range siblings {
		delete(g.toUnrefine, sibling)
	}

	g.notToUnrefine[cell] = true
}

// DontUnrefineAt is DontUnrefine on the smallest existing cell at the given
// coordinate. Does nothing if the coordinate is outside the grid.
func (g *Grid[T]) DontUnrefineAt(x, y, z float64) {
	if cell := g.ExistingCellAt(x, y, z); cell != index.ErrorCell {
		g.DontUnrefine(cell)
	}
}

// StopRefining executes the refines and unrefines requested since the last
// call. Collective. Induced refines propagate until a fixed point, refines
// override conflicting unrefines, and payloads of unrefined cells move to
// the rank owning their parent. Returns the cells created on this rank.
func (g *Grid[T]) StopRefining() []uint64 {
	g.induceRefines()
	g.allToAllSet(g.notToUnrefine)
	g.overrideUnrefines()
	g.notToUnrefine = map[uint64]bool{}
	return g.executeRefines()
}

// allToAllSet merges every rank's copy of the given set into it.
func (g *Grid[T]) allToAllSet(set map[uint64]bool) {
	all := comm.AllGatherUint64(g.comm, sortedSet(set))
	for rank := range all {
		for _, cell := range all[rank] {
			set[cell] = true
		}
	}
}

// induceRefines grows toRefine until the 2:1 balance would hold everywhere:
// every neighbor of a refined cell that is coarser than the refined cell is
// itself refined, across ranks, repeated until no rank adds anything.
// Afterwards toRefine holds the refines of every rank.
func (g *Grid[T]) induceRefines() {
	newRefines := sortedSet(g.toRefine)

	for comm.AllGatherSum(g.comm, uint64(len(newRefines))) > 0 {
		allNew := comm.AllGatherUint64(g.comm, newRefines)
		induced := map[uint64]bool{}

		// refines induced here by our own refines, through the stored
		// neighbor lists
		for _, refined := range allNew[g.comm.Rank()] {
			refinedLevel := g.mapping.Level(refined)

			induce := func(neighbors []uint64) {
				for _, neighbor := range neighbors {
					if neighbor == index.ErrorCell {
						continue
					}
					if g.directory[neighbor] != g.comm.Rank() {
						continue
					}
					if g.mapping.Level(neighbor) < refinedLevel && !g.toRefine[neighbor] {
						induced[neighbor] = true
					}
				}
			}
			induce(g.neighborsOf[refined])
			induce(g.neighborsTo[refined])
		}

		// refines induced here by other ranks' refines
		for rank := range allNew {
			if rank == g.comm.Rank() {
				continue
			}
			for _, refined := range allNew[rank] {
				if !g.remoteCellsWithLocalNeighbors[refined] {
					continue
				}
				refinedLevel := g.mapping.Level(refined)

				for local := range g.cellsWithRemoteNeighbors {
					if g.isNeighbor(local, refined) &&
						g.mapping.Level(local) < refinedLevel &&
						!g.toRefine[local] {
						induced[local] = true
					}
				}
			}
		}

		for cell := range induced {
			g.toRefine[cell] = true
		}
		newRefines = sortedSet(induced)
	}

	g.allToAllSet(g.toRefine)
}

// overrideUnrefines drops every staged unrefine that conflicts with the
// global refines: a sibling being refined or pinned, or a neighbor of the
// prospective parent being refined to two levels below it. Afterwards
// toUnrefine holds the surviving unrefines of every rank.
func (g *Grid[T]) overrideUnrefines() {
	const maxDiff = 1

	final := map[uint64]bool{}

	for _, unrefined := range sortedSet(g.toUnrefine) {
		parent := g.parentOf(unrefined)

		canUnrefine := true
		for _, sibling := range g.allChildren(parent) {
			if g.toRefine[sibling] || g.notToUnrefine[sibling] {
				canUnrefine = false
				break
			}
		}
		if !canUnrefine {
			continue
		}

		parentLevel := g.mapping.Level(parent)
		for _, neighbor := range g.findNeighborsOf(parent, 2, true) {
			if neighbor == index.ErrorCell {
				continue
			}
			if g.mapping.Level(neighbor) == parentLevel+maxDiff && g.toRefine[neighbor] {
				canUnrefine = false
				break
			}
		}

		if canUnrefine {
			final[unrefined] = true
		}
	}

	g.toUnrefine = map[uint64]bool{}
	g.allToAllSet(final)
	g.toUnrefine = final
}

// executeRefines applies the globally agreed refines and unrefines: creates
// children, removes unrefined sibling groups, migrates displaced payloads,
// and rebuilds every affected neighbor list. Returns the cells created on
// this rank.
func (g *Grid[T]) executeRefines() []uint64 {
	newCells := []uint64{}

	g.remotePayloads = map[uint64]*T{}
	g.cellsToSend = map[int][]cellTag{}
	g.cellsToReceive = map[int][]cellTag{}
	g.refinedPayloads = map[uint64]*T{}
	g.unrefinedPayloads = map[uint64]*T{}

	// cells whose neighbor lists have to be rebuilt afterwards
	updateNeighbors := map[uint64]bool{}

	refines := sortedSet(g.toRefine)
	for _, refined := range refines {
		owner, ok := g.directory[refined]
		if !ok {
			r_error.Internal(
				"Rank %d: cell %d to be refined doesn't exist.",
				g.comm.Rank(), refined,
			)
		}

		// the parent's payload moves into staging until the next balance
		if owner == g.comm.Rank() {
			g.refinedPayloads[refined] = g.cells[refined]
			delete(g.cells, refined)
		}

		children := g.mapping.Children(refined)
		for _, child := range children {
			g.directory[child] = owner
			if owner == g.comm.Rank() {
				g.cells[child] = new(T)
				g.neighborsOf[child] = nil
				g.neighborsTo[child] = nil
				newCells = append(newCells, child)
			}
		}

		// children inherit the parent's pin request
		if pinned, ok := g.pins[refined]; ok {
			for _, child := range children {
				g.pins[child] = pinned
			}
			delete(g.pins, refined)
		}
		if pinned, ok := g.newPins[refined]; ok {
			for _, child := range children {
				g.newPins[child] = pinned
			}
			delete(g.newPins, refined)
		}

		// and its weight
		if owner == g.comm.Rank() {
			if weight, ok := g.weights[refined]; ok {
				for _, child := range children {
					g.weights[child] = weight
				}
				delete(g.weights, refined)
			}
		}

		if owner == g.comm.Rank() {
			for _, child := range children {
				updateNeighbors[child] = true
			}
			for _, neighbor := range g.neighborsOf[refined] {
				if neighbor == index.ErrorCell {
					continue
				}
				if g.directory[neighbor] == g.comm.Rank() {
					updateNeighbors[neighbor] = true
				}
			}
			for _, neighbor := range g.neighborsTo[refined] {
				if g.directory[neighbor] == g.comm.Rank() {
					updateNeighbors[neighbor] = true
				}
			}
		}

		// local cells around a remotely refined cell don't have the
		// refined cell's neighbor lists, so search the stencil directly
		if g.remoteCellsWithLocalNeighbors[refined] {
			for _, neighbor := range g.findNeighborsOf(refined, 2, true) {
				if neighbor == index.ErrorCell {
					continue
				}
				if g.directory[neighbor] == g.comm.Rank() {
					updateNeighbors[neighbor] = true
				}
			}
		}
	}

	// only one sibling per group was recorded; expand to the full groups
	parentsOfUnrefined := map[uint64]bool{}
	allToUnrefine := map[uint64]bool{}
	for unrefined := range g.toUnrefine {
		parent := g.parentOf(unrefined)
		if parent == unrefined || parent == index.ErrorCell {
			r_error.Internal(
				"Rank %d: invalid parent for unrefined cell %d.",
				g.comm.Rank(), unrefined,
			)
		}
		if !parentsOfUnrefined[parent] {
			parentsOfUnrefined[parent] = true

			// the parent takes over the first sibling's pin
			siblings := g.allChildren(parent)
			if pinned, ok := g.pins[siblings[0]]; ok {
				g.pins[parent] = pinned
			}
			if pinned, ok := g.newPins[siblings[0]]; ok {
				g.newPins[parent] = pinned
			}
		}
		for _, sibling := range g.allChildren(parent) {
			allToUnrefine[sibling] = true
		}
	}

	for _, unrefined := range sortedSet(allToUnrefine) {
		parent := g.parentOf(unrefined)
		processOfParent := g.directory[parent]
		processOfUnrefined := g.directory[unrefined]

		g.removeCellRecords(unrefined)
		delete(updateNeighbors, unrefined)

		switch {
		case g.comm.Rank() == processOfUnrefined && g.comm.Rank() == processOfParent:
			g.unrefinedPayloads[unrefined] = g.cells[unrefined]
			delete(g.cells, unrefined)
		case g.comm.Rank() == processOfUnrefined:
			g.cellsToSend[processOfParent] = append(
				g.cellsToSend[processOfParent], cellTag{unrefined, -1},
			)
		case g.comm.Rank() == processOfParent:
			g.cellsToReceive[processOfUnrefined] = append(
				g.cellsToReceive[processOfUnrefined], cellTag{unrefined, -1},
			)
		}
	}

	g.assignTags()
	g.startTransfers(g.unrefinedPayloads)

	// parents of unrefined cells become leaves again
	for _, parent := range sortedSet(parentsOfUnrefined) {
		newNeighborsOf := g.findNeighborsOf(parent, 1, false)
		for _, neighbor := range newNeighborsOf {
			if neighbor == index.ErrorCell {
				continue
			}
			if g.directory[neighbor] == g.comm.Rank() {
				updateNeighbors[neighbor] = true
			}
		}
		newNeighborsTo := g.findNeighborsTo(parent)
		for _, neighbor := range newNeighborsTo {
			if g.directory[neighbor] == g.comm.Rank() {
				updateNeighbors[neighbor] = true
			}
		}

		if g.directory[parent] == g.comm.Rank() {
			g.cells[parent] = new(T)
			g.neighborsOf[parent] = newNeighborsOf
			g.neighborsTo[parent] = newNeighborsTo
		}
	}

	for _, cell := range sortedSet(updateNeighbors) {
		g.updateNeighbors(cell)
	}

	// refined cells are no longer leaves
	for _, refined := range refines {
		if g.directory[refined] == g.comm.Rank() {
			delete(g.neighborsOf, refined)
			delete(g.neighborsTo, refined)
		}
	}
	for unrefined := range allToUnrefine {
		delete(g.neighborsOf, unrefined)
		delete(g.neighborsTo, unrefined)
	}

	g.updateAllRemoteNeighborInfo()

	g.waitTransferReceives()
	g.waitTransferSends()
	g.cellsToSend = map[int][]cellTag{}
	g.cellsToReceive = map[int][]cellTag{}

	// payloads of cells sent away are no longer ours
	for unrefined := range allToUnrefine {
		delete(g.cells, unrefined)
	}

	g.toRefine = map[uint64]bool{}
	g.toUnrefine = map[uint64]bool{}

	g.recalculateNeighborUpdateLists()

	return newCells
}

// removeCellRecords drops a removed cell from the directory and every
// per-cell table except the payload stores.
func (g *Grid[T]) removeCellRecords(cell uint64) {
	delete(g.directory, cell)
	delete(g.pins, cell)
	delete(g.newPins, cell)
	delete(g.weights, cell)
}

// RemovedCells returns the cells removed by unrefinement whose payloads are
// staged on this rank. The payloads stay readable through Payload until the
// next load balance.
func (g *Grid[T]) RemovedCells() []uint64 {
	cells := make([]uint64, 0, len(g.unrefinedPayloads))
	for cell := range g.unrefinedPayloads {
		cells = append(cells, cell)
	}
	sortUint64s(cells)
	return cells
}

// ClearRefinedUnrefinedData drops the staged payloads of refined and
// unrefined cells without waiting for the next load balance.
func (g *Grid[T]) ClearRefinedUnrefinedData() {
	g.refinedPayloads = map[uint64]*T{}
	g.unrefinedPayloads = map[uint64]*T{}
}
