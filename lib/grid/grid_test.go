package grid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phil-mansfield/refgrid/lib/comm"
	"github.com/phil-mansfield/refgrid/lib/index"
)

/* grid_test.go contains the construction and query tests. Multi-rank tests
run every rank as a goroutine over one in-process World; assertions use
testify's assert (not require) so a failing rank still reaches the next
collective instead of deadlocking the others. */

func runRanks(t *testing.T, size int, fn func(t *testing.T, c comm.Comm)) {
	t.Helper()
	world, err := comm.NewWorld(size)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			fn(t, world.Comm(rank))
		}(rank)
	}
	wg.Wait()
}

func testOptions() Options {
	return Options{
		XLength: 4, YLength: 4, ZLength: 4,
		MaxRefinementLevel: 0,
		NeighborhoodSize:   1,
	}
}

func newTestGrid(t *testing.T, opts Options, c comm.Comm) *Grid[float64] {
	g, err := New[float64](opts, c, Float64Codec{})
	if err != nil {
		t.Fatalf("Rank %d: couldn't construct grid: %v", c.Rank(), err)
	}
	return g
}

// coverage sums leaf footprints and compares them against the whole grid,
// which both checks for overlaps (duplicated ids) and holes.
func assertCoverage(t *testing.T, g *Grid[float64]) {
	total := uint64(0)
	seen := map[uint64]bool{}
	for _, cell := range g.AllCells() {
		if seen[cell] {
			t.Errorf("Cell %d appears twice in AllCells", cell)
		}
		seen[cell] = true
		size := g.Mapping().SizeInIndices(cell)
		total += size * size * size
	}

	want := g.Mapping().LengthInIndices(0) *
		g.Mapping().LengthInIndices(1) * g.Mapping().LengthInIndices(2)
	assert.Equal(t, want, total, "leaf footprints must tile the grid")
}

// assertTwoToOne checks the 2:1 balance over every local leaf's neighbor
// list.
func assertTwoToOne(t *testing.T, g *Grid[float64]) {
	for _, cell := range g.Cells() {
		level := g.Level(cell)
		for _, neighbor := range g.Neighbors(cell) {
			if neighbor == 0 {
				continue
			}
			diff := g.Level(neighbor) - level
			if diff < -1 || diff > 1 {
				t.Errorf("Cells %d (level %d) and %d (level %d) break the "+
					"2:1 balance", cell, level, neighbor, g.Level(neighbor))
			}
		}
	}
}

func TestConstructionTwoRanks(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, testOptions(), c)

		// scenario: 4*4*4 roots over 2 ranks
		assert.Len(t, g.Cells(), 32)
		assert.Len(t, g.AllCells(), 64)
		assertCoverage(t, g)

		// the corner cell sees 7 real neighbors; the other 19 stencil
		// slots fall off the grid
		corner := g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0)
		if g.IsLocal(corner) {
			neighbors := g.Neighbors(corner)
			assert.Len(t, neighbors, 26)

			zeros, real := 0, 0
			for _, neighbor := range neighbors {
				if neighbor == 0 {
					zeros++
				} else {
					real++
				}
			}
			assert.Equal(t, 19, zeros)
			assert.Equal(t, 7, real)
		}

		// both halves touch the rank boundary
		assert.NotEmpty(t, g.CellsWithRemoteNeighbor())

		assert.True(t, g.VerifyNeighbors())
		assert.True(t, g.VerifyRemoteNeighborInfo())
		assert.True(t, g.VerifyDirectoryConsensus())
	})
}

func TestConstructionPeriodic(t *testing.T) {
	opts := testOptions()
	opts.PeriodicX, opts.PeriodicY, opts.PeriodicZ = true, true, true

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		// with full periodicity no stencil slot is ever off-grid
		for _, cell := range g.Cells() {
			for _, neighbor := range g.Neighbors(cell) {
				assert.NotZero(t, neighbor,
					"no zero slots in a fully periodic grid")
			}
		}
		assert.True(t, g.VerifyNeighbors())
	})
}

func TestFaceStencilNeighborCounts(t *testing.T) {
	opts := testOptions()
	opts.NeighborhoodSize = 0

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		corner := g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0)
		neighbors := g.Neighbors(corner)
		assert.Len(t, neighbors, 6)

		real := 0
		for _, neighbor := range neighbors {
			if neighbor != 0 {
				real++
			}
		}
		assert.Equal(t, 3, real, "a corner cell has 3 face neighbors")
	})
}

func TestNeighborSymmetry(t *testing.T) {
	// P5 over a refined single-rank grid: b is in a's neighborhood iff a is
	// in b's
	opts := testOptions()
	opts.MaxRefinementLevel = 2

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		g.RefineCompletely(g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0))
		g.StopRefining()
		g.RefineCompletely(g.ExistingCellAt(0.1, 0.1, 0.1))
		g.StopRefining()

		neighborhood := func(cell uint64) map[uint64]bool {
			set := map[uint64]bool{}
			for _, n := range g.Neighbors(cell) {
				if n != 0 {
					set[n] = true
				}
			}
			for _, n := range g.NeighborsTo(cell) {
				set[n] = true
			}
			return set
		}

		sets := map[uint64]map[uint64]bool{}
		for _, cell := range g.Cells() {
			sets[cell] = neighborhood(cell)
		}

		for a, aSet := range sets {
			for b := range aSet {
				assert.True(t, sets[b][a],
					"cell %d lists %d but not vice versa", a, b)
			}
		}

		assertTwoToOne(t, g)
		assertCoverage(t, g)
	})
}

func TestNeighborsAt(t *testing.T) {
	opts := testOptions()
	opts.MaxRefinementLevel = 1

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		origin := g.Mapping().CellFromIndices(index.Indices{0, 0, 0}, 0)
		g.RefineCompletely(origin)
		g.StopRefining()

		// the +x root neighbor of the refined corner sees 8 small cells in
		// its -x slot
		next := g.Mapping().CellFromIndices(index.Indices{2, 0, 0}, 0)
		smaller := g.NeighborsAt(next, -1, 0, 0)
		assert.Len(t, smaller, 8)
		for _, cell := range smaller {
			assert.Equal(t, 1, g.Level(cell))
		}

		// its own -y slot is off the grid
		assert.Equal(t, []uint64{0}, g.NeighborsAt(next, 0, -1, 0))

		// one root in +x
		same := g.NeighborsAt(next, 1, 0, 0)
		assert.Len(t, same, 1)
		assert.Equal(t, 0, g.Level(same[0]))

		// the origin offset returns nothing
		assert.Nil(t, g.NeighborsAt(next, 0, 0, 0))
	})
}

func TestExistingCellAt(t *testing.T) {
	opts := testOptions()
	opts.MaxRefinementLevel = 1

	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, opts, c)

		root := g.ExistingCellAt(0.5, 0.5, 0.5)
		assert.Equal(t, 0, g.Level(root))

		g.RefineCompletely(root)
		g.StopRefining()

		child := g.ExistingCellAt(0.25, 0.25, 0.25)
		assert.Equal(t, 1, g.Level(child))
		assert.Equal(t, root, g.Parent(child))

		assert.Zero(t, g.ExistingCellAt(-1, 0, 0))
		assert.Zero(t, g.ExistingCellAt(0, 0, 4.5))
	})
}

func TestPayloadLookupOrder(t *testing.T) {
	runRanks(t, 1, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, testOptions(), c)

		cell := g.Cells()[0]
		payload := g.Payload(cell)
		assert.NotNil(t, payload)
		*payload = 1.25
		assert.Equal(t, 1.25, *g.Payload(cell))

		assert.Nil(t, g.Payload(0))
		assert.Nil(t, g.Payload(g.Mapping().LastCell()+1))
	})
}

func TestOwnershipQueries(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, c comm.Comm) {
		g := newTestGrid(t, testOptions(), c)

		local, remote := 0, 0
		for _, cell := range g.AllCells() {
			owner := g.Owner(cell)
			assert.True(t, owner == 0 || owner == 1)
			if g.IsLocal(cell) {
				assert.Equal(t, c.Rank(), owner)
				local++
			} else {
				remote++
			}
		}
		assert.Equal(t, 32, local)
		assert.Equal(t, 32, remote)

		assert.Equal(t, -1, g.Owner(0))
		assert.False(t, g.IsLocal(0))
	})
}

func TestOneMessagePerPeerNeedsFixedCodec(t *testing.T) {
	world, err := comm.NewWorld(1)
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.OneMessagePerPeer = true
	_, err = New[float64](opts, world.Comm(0), variableCodec{})
	assert.Error(t, err)
}

// variableCodec is a Codec without a fixed size, for option validation
// tests.
type variableCodec struct{}

func (variableCodec) Marshal(buf []byte, v *float64) []byte {
	return Float64Codec{}.Marshal(buf, v)
}

func (variableCodec) Unmarshal(data []byte, v *float64) error {
	return Float64Codec{}.Unmarshal(data, v)
}
