package balance

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phil-mansfield/refgrid/lib/comm"
)

func TestNewRejectsUnknownMethod(t *testing.T) {
	for _, method := range []string{"", "ZOLTAN", "rcb", "HILBERT"} {
		if _, err := New(method); err == nil {
			t.Errorf("Expected method '%s' to be rejected.", method)
		}
	}
	for _, method := range Methods() {
		if _, err := New(method); err != nil {
			t.Errorf("Expected method '%s' to be accepted, got %v",
				method, err)
		}
	}
}

func TestReservedOptions(t *testing.T) {
	p, err := New("RCB")
	if err != nil {
		t.Fatal(err)
	}

	assert.Error(t, p.SetOption("RETURN_LISTS", "NONE"))
	assert.Error(t, p.SetOption("OBJ_WEIGHT_DIM", "2"))
	assert.NoError(t, p.SetOption("IMBALANCE_TOL", "1.05"))

	p.AddLevel(2)
	assert.Error(t, p.AddOption(0, "AUTO_MIGRATE", "1"))
	assert.NoError(t, p.AddOption(0, "IMBALANCE_TOL", "1.1"))
}

func TestHierarchyLevels(t *testing.T) {
	p, err := New("HSFC")
	if err != nil {
		t.Fatal(err)
	}

	p.AddLevel(2)
	p.AddLevel(2)
	assert.Equal(t, 2, p.Levels())

	// part number at level l is rank / prod(processes per part up to l)
	assert.Equal(t, 0, p.PartNumber(1, 0))
	assert.Equal(t, 1, p.PartNumber(2, 0))
	assert.Equal(t, 3, p.PartNumber(7, 0))
	assert.Equal(t, 0, p.PartNumber(3, 1))
	assert.Equal(t, 1, p.PartNumber(4, 1))
	assert.Equal(t, -1, p.PartNumber(0, 2))

	p.AddLevel(0) // ignored
	assert.Equal(t, 2, p.Levels())

	p.RemoveLevel(1)
	assert.Equal(t, 1, p.Levels())
	p.RemoveLevel(5) // ignored
	assert.Equal(t, 1, p.Levels())
}

func TestOptionLookupIsPerLevelOnly(t *testing.T) {
	p, err := New("HSFC")
	if err != nil {
		t.Fatal(err)
	}
	p.AddLevel(2)
	p.AddLevel(2)

	assert.NoError(t, p.AddOption(0, "IMBALANCE_TOL", "1.05"))

	// an option of level 0 is invisible at level 1 and at the
	// non-hierarchical table
	assert.Equal(t, "1.05", p.OptionValue(0, "IMBALANCE_TOL"))
	assert.Equal(t, "", p.OptionValue(1, "IMBALANCE_TOL"))
	assert.Equal(t, "", p.OptionValue(-1, "IMBALANCE_TOL"))
	assert.Equal(t, []string{"IMBALANCE_TOL"}, p.Options(0))
	assert.Nil(t, p.Options(7))

	p.RemoveOption(0, "IMBALANCE_TOL")
	assert.Equal(t, "", p.OptionValue(0, "IMBALANCE_TOL"))
}

// fakeSource is a hand-built Source for plan tests: a line of cells along x.
type fakeSource struct {
	cells  []uint64
	weight map[uint64]float64
}

func (s *fakeSource) LocalCells() []uint64 { return s.cells }

func (s *fakeSource) CellWeight(cell uint64) float64 {
	if w, ok := s.weight[cell]; ok {
		return w
	}
	return 1
}

func (s *fakeSource) CellCoordinate(cell uint64) [3]float64 {
	return [3]float64{float64(cell) - 0.5, 0.5, 0.5}
}

func (s *fakeSource) CellEdges(cell uint64) []Edge {
	edges := []Edge{}
	if cell > 1 {
		edges = append(edges, Edge{Cell: cell - 1, Owner: ownerOf(cell - 1)})
	}
	if cell < 8 {
		edges = append(edges, Edge{Cell: cell + 1, Owner: ownerOf(cell + 1)})
	}
	return edges
}

func (s *fakeSource) GridBounds() (min, max [3]float64) {
	return [3]float64{0, 0, 0}, [3]float64{8, 1, 1}
}

// ownerOf is the initial distribution of the fake grid: rank 0 holds cells
// 1..6, rank 1 holds 7..8.
func ownerOf(cell uint64) int {
	if cell <= 6 {
		return 0
	}
	return 1
}

func sourceForRank(rank int) *fakeSource {
	s := &fakeSource{weight: map[uint64]float64{}}
	for cell := uint64(1); cell <= 8; cell++ {
		if ownerOf(cell) == rank {
			s.cells = append(s.cells, cell)
		}
	}
	return s
}

// planOnRanks runs p.Plan on every rank of an in-process world and returns
// the per-rank plans.
func planOnRanks(t *testing.T, method string, ranks int) [][]Move {
	world, err := comm.NewWorld(ranks)
	if err != nil {
		t.Fatal(err)
	}

	plans := make([][]Move, ranks)
	var wg sync.WaitGroup
	for rank := 0; rank < ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			p, err := New(method)
			if err != nil {
				t.Errorf("%v", err)
				return
			}
			plans[rank] = p.Plan(sourceForRank(rank), world.Comm(rank))
		}(rank)
	}
	wg.Wait()
	return plans
}

func TestPlansAreIdenticalAcrossRanks(t *testing.T) {
	for _, method := range []string{"RANDOM", "BLOCK", "RCB", "HSFC", "GRAPH"} {
		plans := planOnRanks(t, method, 2)
		assert.Equal(t, plans[0], plans[1], "method %s", method)

		for _, move := range plans[0] {
			assert.Equal(t, ownerOf(move.Cell), move.From,
				"method %s: move of cell %d doesn't start at its owner",
				method, move.Cell)
			assert.NotEqual(t, move.From, move.To)
			assert.GreaterOrEqual(t, move.To, 0)
			assert.Less(t, move.To, 2)
		}
	}
}

func TestBlockPlanBalancesWeight(t *testing.T) {
	plans := planOnRanks(t, "BLOCK", 2)

	// 8 equal-weight cells, 6 on rank 0: BLOCK hands 5 and 6 to rank 1
	assert.Equal(t, []Move{
		{Cell: 5, From: 0, To: 1},
		{Cell: 6, From: 0, To: 1},
	}, plans[0])
}

func TestNonePlanIsEmpty(t *testing.T) {
	plans := planOnRanks(t, "NONE", 2)
	assert.Empty(t, plans[0])
	assert.Empty(t, plans[1])
}

func TestGraphPlanCoversEveryCell(t *testing.T) {
	plans := planOnRanks(t, "GRAPH", 2)

	// applying the moves leaves both ranks with 4 contiguous cells
	owner := map[uint64]int{}
	for cell := uint64(1); cell <= 8; cell++ {
		owner[cell] = ownerOf(cell)
	}
	for _, move := range plans[0] {
		owner[move.Cell] = move.To
	}

	counts := map[int]int{}
	for _, rank := range owner {
		counts[rank]++
	}
	assert.Equal(t, 4, counts[0])
	assert.Equal(t, 4, counts[1])
}

func TestHyperedges(t *testing.T) {
	src := sourceForRank(0)
	cells, offsets, pins := Hyperedges(src)

	assert.Equal(t, src.cells, cells)
	assert.Len(t, offsets, len(cells)+1)
	assert.Equal(t, len(pins), offsets[len(offsets)-1])

	for i := range cells {
		edge := pins[offsets[i]:offsets[i+1]]
		assert.Equal(t, cells[i], edge[0],
			"hyperedge %d must start with its own cell", i)
		assert.Equal(t, len(src.CellEdges(cells[i]))+1, len(edge))
	}
}

func TestImbalance(t *testing.T) {
	assert.Equal(t, 1.0, Imbalance([]float64{4, 4}))
	assert.Equal(t, 1.5, Imbalance([]float64{6, 2}))
	assert.Equal(t, 1.0, Imbalance(nil))
}

func TestRankWeights(t *testing.T) {
	world, err := comm.NewWorld(2)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			weights := RankWeights(sourceForRank(rank), world.Comm(rank))
			assert.Equal(t, []float64{6, 2}, weights)
		}(rank)
	}
	wg.Wait()
}
