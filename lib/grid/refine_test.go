package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phil-mansfield/refgrid/lib/comm"
	"github.com/phil-mansfield/refgrid/lib/index"
)

/* refine_test.go contains the distributed refinement protocol tests. */

func TestRefineOneCell(t *testing.T) {
	opts := testOptions()
	opts.MaxRefinementLevel = 1

	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		corner := g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0)
		children := g.Mapping().Children(corner)

		if g.IsLocal(corner) {
			*g.Payload(corner) = 3.5
			g.RefineCompletely(corner)
		}
		newCells := g.StopRefining()

		if c.Rank() == g.Owner(children[0]) {
			// the owner created 8 children and staged the old payload
			assert.Len(t, newCells, 8)
			assert.NotNil(t, g.Payload(corner))
			assert.Equal(t, 3.5, *g.Payload(corner))
			for _, child := range children {
				assert.Contains(t, g.Cells(), child)
				assert.NotNil(t, g.Payload(child))
			}
		} else {
			assert.Empty(t, newCells)
			assert.Nil(t, g.Payload(corner))
		}

		// the directory gained the children everywhere
		for _, child := range children {
			assert.Equal(t, 0, g.Owner(child))
		}
		assert.NotContains(t, g.AllCells(), corner)
		assert.Len(t, g.AllCells(), 71)
		assertCoverage(t, g)

		// the refined cell's former neighbors now list the children
		next := g.Mapping().CellFromIndices(index.Indices{2, 0, 0}, 0)
		if g.IsLocal(next) {
			for _, child := range children {
				assert.Contains(t, g.Neighbors(next), child)
			}
		}

		assertTwoToOne(t, g)
		assert.True(t, g.VerifyNeighbors())
		assert.True(t, g.VerifyRemoteNeighborInfo())
		assert.True(t, g.VerifyDirectoryConsensus())
	})
}

func TestInducedRefineAcrossRanks(t *testing.T) {
	// a 1-wide strip of 8 root cells split between 2 ranks; refining the
	// rightmost cell of rank 0's half twice forces rank 1's leftmost cell
	// to refine once
	opts := Options{
		XLength: 8, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 2,
		NeighborhoodSize:   1,
	}

	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)
		assert.Len(t, g.Cells(), 4)

		boundary := g.Mapping().CellFromIndices(index.Indices{12, 0, 0}, 0)
		assert.Equal(t, 0, g.Owner(boundary))

		if c.Rank() == 0 {
			g.RefineCompletely(boundary)
		}
		g.StopRefining()

		// second refine on the child touching the rank boundary
		child := g.Mapping().CellFromIndices(index.Indices{14, 0, 0}, 1)
		if c.Rank() == 0 {
			assert.True(t, g.IsLocal(child))
			g.RefineCompletely(child)
		}
		g.StopRefining()

		// rank 1's leftmost cell was force-refined once by induction
		leftmost := g.ExistingCellAt(4.5, 0.5, 0.5)
		assert.Equal(t, 1, g.Level(leftmost))
		assert.Equal(t, 1, g.Owner(leftmost))

		assertTwoToOne(t, g)
		assertCoverage(t, g)
		assert.True(t, g.VerifyNeighbors())
		assert.True(t, g.VerifyDirectoryConsensus())
	})
}

func TestRefineOverridesUnrefine(t *testing.T) {
	// c1 and c2 are same-level neighbors across the rank boundary; both
	// ranks request refine(c1), rank 1 requests unrefine(c2): the refine
	// must win
	opts := Options{
		XLength: 2, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 2,
		NeighborhoodSize:   1,
	}

	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := g.Cells()[0]
		g.RefineCompletely(root)
		g.StopRefining()
		assert.Len(t, g.Cells(), 8)

		left := g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0)
		right := g.Mapping().CellFromIndices(index.Indices{4, 0, 0}, 0)
		c1 := g.Mapping().Children(left)[1]  // at indices (2, 0, 0)
		c2 := g.Mapping().Children(right)[0] // at indices (4, 0, 0)

		g.RefineCompletely(c1) // silently ignored on the non-owner
		if c.Rank() == 1 {
			g.UnrefineCompletely(c2)
		}
		g.StopRefining()

		// c1 was refined, c2 was not unrefined
		assert.Len(t, g.Children(c1), 8)
		assert.Nil(t, g.Children(c2))
		assert.Equal(t, 1, g.Owner(c2))
		assert.Contains(t, g.AllCells(), c2)

		assertTwoToOne(t, g)
		assertCoverage(t, g)
		assert.True(t, g.VerifyDirectoryConsensus())
	})
}

func TestUnrefineMovesPayloadsToParent(t *testing.T) {
	opts := Options{
		XLength: 2, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 1,
		NeighborhoodSize:   1,
	}

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := uint64(1)
		g.RefineCompletely(root)
		g.StopRefining()

		children := g.Mapping().Children(root)
		for _, child := range children {
			*g.Payload(child) = float64(child)
		}

		g.UnrefineCompletely(children[0])
		g.StopRefining()

		// the parent is a leaf again with a fresh payload
		assert.Contains(t, g.Cells(), root)
		assert.Equal(t, 0.0, *g.Payload(root))
		assert.Len(t, g.AllCells(), 2)

		// the children's payloads stay readable in staging
		assert.Equal(t, children, g.RemovedCells())
		for _, child := range children {
			assert.Equal(t, float64(child), *g.Payload(child))
		}

		g.ClearRefinedUnrefinedData()
		assert.Nil(t, g.Payload(children[0]))

		assertCoverage(t, g)
		assert.True(t, g.VerifyNeighbors())
	})
}

func TestUnrefineShipsRemotePayloadAndPinInheritance(t *testing.T) {
	// one child is migrated to the other rank before unrefining: its
	// payload must travel back to the parent's owner, and the parent must
	// inherit the first sibling's pin
	opts := Options{
		XLength: 2, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 1,
		NeighborhoodSize:   1,
	}

	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := uint64(1)
		if c.Rank() == 0 {
			g.RefineCompletely(root)
		}
		g.StopRefining()

		children := g.Mapping().Children(root)
		if c.Rank() == 0 {
			g.PinTo(children[0], 1)
		}
		g.MigrateCells(false)
		assert.Equal(t, 1, g.Owner(children[0]))

		if c.Rank() == 1 {
			*g.Payload(children[0]) = 42
		}
		if c.Rank() == 0 {
			for _, child := range children[1:] {
				*g.Payload(child) = float64(child)
			}
			g.UnrefineCompletely(children[1])
		}
		g.StopRefining()

		assert.Equal(t, 0, g.Owner(root))
		assert.NotContains(t, g.AllCells(), children[0])

		if c.Rank() == 0 {
			// the remote child's payload arrived in staging
			assert.Equal(t, children, g.RemovedCells())
			assert.Equal(t, 42.0, *g.Payload(children[0]))
		} else {
			assert.Empty(t, g.RemovedCells())
		}

		// the pin of the first sibling now sits on the parent, so a
		// migration moves the parent to rank 1
		g.MigrateCells(false)
		assert.Equal(t, 1, g.Owner(root))

		assert.True(t, g.VerifyDirectoryConsensus())
	})
}

func TestDontUnrefineBlocksUnrefine(t *testing.T) {
	opts := Options{
		XLength: 2, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 1,
		NeighborhoodSize:   1,
	}

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := uint64(1)
		g.RefineCompletely(root)
		g.StopRefining()

		children := g.Mapping().Children(root)
		g.DontUnrefine(children[3])
		g.UnrefineCompletely(children[0])
		g.StopRefining()

		// the pin kept all 8 children alive
		for _, child := range children {
			assert.Contains(t, g.Cells(), child)
		}
		assert.Empty(t, g.RemovedCells())

		// the pin only lasts one round
		g.UnrefineCompletely(children[0])
		g.StopRefining()
		assert.Contains(t, g.Cells(), root)
	})
}

func TestRefineAtMaxLevelPinsInstead(t *testing.T) {
	opts := Options{
		XLength: 2, YLength: 1, ZLength: 1,
		MaxRefinementLevel: 1,
		NeighborhoodSize:   1,
	}

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := uint64(1)
		g.RefineCompletely(root)
		g.StopRefining()

		children := g.Mapping().Children(root)

		// refining a max-level cell routes to DontUnrefine
		g.RefineCompletely(children[0])
		g.UnrefineCompletely(children[1])
		g.StopRefining()

		for _, child := range children {
			assert.Contains(t, g.Cells(), child)
		}
	})
}

func TestInvalidRefineRequestsAreIgnored(t *testing.T) {
	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, testOptions(), c)

		g.RefineCompletely(0)
		g.RefineCompletely(g.Mapping().LastCell() + 100)
		g.UnrefineCompletely(0)
		g.UnrefineCompletely(g.Cells()[0]) // level 0, can't unrefine
		g.DontUnrefine(0)

		newCells := g.StopRefining()
		assert.Empty(t, newCells)
		assert.Len(t, g.AllCells(), 64)
	})
}
