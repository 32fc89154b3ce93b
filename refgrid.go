/*refgrid is a driver and demo for the refgrid library: a distributed,
adaptively refinable Cartesian grid. It runs the configured number of ranks
as goroutines over an in-process communicator, advects a hot spot across the
grid while refining around it, rebalances the cells periodically, and writes
per-rank VTK frames and snapshots.*/
package main

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/phil-mansfield/refgrid/lib/balance"
	"github.com/phil-mansfield/refgrid/lib/comm"
	"github.com/phil-mansfield/refgrid/lib/config"
	r_error "github.com/phil-mansfield/refgrid/lib/error"
	"github.com/phil-mansfield/refgrid/lib/grid"
	"github.com/phil-mansfield/refgrid/lib/snapshot"
)

// Cell is the demo payload: one temperature per leaf.
type Cell struct {
	Temperature float64
}

// cellCodec is the fixed-size wire form of Cell.
type cellCodec struct {
	grid.Float64Codec
}

func (c cellCodec) Size() int { return 8 }

func (c cellCodec) Marshal(buf []byte, v *Cell) []byte {
	return c.Float64Codec.Marshal(buf, &v.Temperature)
}

func (c cellCodec) Unmarshal(data []byte, v *Cell) error {
	return c.Float64Codec.Unmarshal(data, &v.Temperature)
}

func main() {
	mode, configFile := parseCommandLine()

	switch mode {
	case "help":
		printHelp()
	case "run":
		run(parseConfig(configFile))
	case "check":
		check(parseConfig(configFile))
	default:
		r_error.External(
			"You attempted to run refgrid in the mode '%s', but the only "+
				"valid modes are 'help', 'run', and 'check'.", mode,
		)
	}
}

// parseCommandLine expects arguments in the order:
// $ refgrid <mode> [config file]
func parseCommandLine() (mode, configFile string) {
	if len(os.Args) < 2 {
		return "help", ""
	}
	if len(os.Args) > 2 {
		configFile = os.Args[2]
	}
	return os.Args[1], configFile
}

func parseConfig(configFile string) *config.Config {
	if configFile == "" {
		r_error.External(
			"The '%s' mode needs a config file:\n$ refgrid %s <config file>",
			os.Args[1], os.Args[1],
		)
	}
	cfg, err := config.Parse(configFile)
	if err != nil {
		r_error.External("Couldn't parse config file '%s': %v", configFile, err)
	}
	return cfg
}

func printHelp() {
	fmt.Println(`refgrid - a distributed, adaptively refinable Cartesian grid

usage:
  refgrid help
  refgrid run <config file>    run the hot-spot demo
  refgrid check <config file>  run the demo with consistency checks on

Config files have a [grid] section (x-length, y-length, z-length,
max-refinement-level, neighborhood-size, periodic-x/y/z,
load-balancer-method, sfc-caching-batches, one-message-per-peer) and a
[run] section (ranks, steps, balance-every, output-prefix,
snapshot-prefix).`)
}

func gridOptions(cfg *config.Config) grid.Options {
	return grid.Options{
		XLength:             cfg.Grid.XLength,
		YLength:             cfg.Grid.YLength,
		ZLength:             cfg.Grid.ZLength,
		MaxRefinementLevel:  cfg.Grid.MaxRefinementLevel,
		NeighborhoodSize:    cfg.Grid.NeighborhoodSize,
		PeriodicX:           cfg.Grid.PeriodicX,
		PeriodicY:           cfg.Grid.PeriodicY,
		PeriodicZ:           cfg.Grid.PeriodicZ,
		LoadBalancingMethod: cfg.Grid.LoadBalancerMethod,
		SFCCachingBatches:   cfg.Grid.SfcCachingBatches,
		OneMessagePerPeer:   cfg.Grid.OneMessagePerPeer,
	}
}

// run executes the hot-spot demo over cfg.Run.Ranks in-process ranks.
func run(cfg *config.Config) {
	world, err := comm.NewWorld(cfg.Run.Ranks)
	if err != nil {
		r_error.External("%v", err)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < world.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			runRank(cfg, world.Comm(rank), false)
		}(rank)
	}
	wg.Wait()
}

// check is run with every per-step consistency check enabled.
func check(cfg *config.Config) {
	world, err := comm.NewWorld(cfg.Run.Ranks)
	if err != nil {
		r_error.External("%v", err)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < world.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			runRank(cfg, world.Comm(rank), true)
		}(rank)
	}
	wg.Wait()
	fmt.Println("No errors detected.")
}

func runRank(cfg *config.Config, c comm.Comm, verify bool) {
	g, err := grid.New[Cell](gridOptions(cfg), c, cellCodec{})
	if err != nil {
		r_error.External("Couldn't construct the grid: %v", err)
	}

	start, end := g.Geometry().GridStart(), g.Geometry().GridEnd()
	span := [3]float64{
		end[0] - start[0], end[1] - start[1], end[2] - start[2],
	}

	for step := 0; step < cfg.Run.Steps; step++ {
		// the hot spot orbits the grid center
		angle := 2 * math.Pi * float64(step) / float64(cfg.Run.Steps)
		spot := [3]float64{
			start[0] + span[0]*(0.5+0.3*math.Cos(angle)),
			start[1] + span[1]*(0.5+0.3*math.Sin(angle)),
			start[2] + span[2]*0.5,
		}

		for _, cell := range g.Cells() {
			center, _ := g.Geometry().CellCenter(cell)
			distance := math.Sqrt(
				(center[0]-spot[0])*(center[0]-spot[0]) +
					(center[1]-spot[1])*(center[1]-spot[1]) +
					(center[2]-spot[2])*(center[2]-spot[2]),
			)
			g.Payload(cell).Temperature = math.Exp(-distance * distance)

			if distance < span[0]/8 {
				g.RefineCompletely(cell)
			} else if distance > span[0]/4 {
				g.UnrefineCompletely(cell)
			}
		}

		g.StopRefining()
		g.UpdateRemoteNeighborData()

		if verify {
			verifyRank(g, c, step)
		}

		if cfg.Run.BalanceEvery > 0 && (step+1)%cfg.Run.BalanceEvery == 0 {
			g.BalanceLoad(false)

			weights := balance.RankWeights(gridBalanceSource[Cell]{g}, c)
			if c.Rank() == 0 {
				fmt.Printf("step %d: load imbalance %.3f\n",
					step, balance.Imbalance(weights))
			}
		}

		if cfg.Run.OutputPrefix != "" {
			name := fmt.Sprintf(
				"%s_%04d_%d.vtk", cfg.Run.OutputPrefix, step, c.Rank(),
			)
			if err := g.WriteVTKFile(name); err != nil {
				r_error.External("Couldn't write VTK file '%s': %v", name, err)
			}
		}
	}

	if cfg.Run.SnapshotPrefix != "" {
		writeSnapshot(cfg, g, c)
	}
}

func verifyRank(g *grid.Grid[Cell], c comm.Comm, step int) {
	if !g.VerifyNeighbors() {
		r_error.Internal(
			"Rank %d: neighbor lists are inconsistent after step %d.",
			c.Rank(), step,
		)
	}
	if !g.VerifyRemoteNeighborInfo() {
		r_error.Internal(
			"Rank %d: remote neighbor info is inconsistent after step %d.",
			c.Rank(), step,
		)
	}
	if !g.VerifyDirectoryConsensus() {
		r_error.Internal(
			"Rank %d: cell directory differs between ranks after step %d.",
			c.Rank(), step,
		)
	}

	// every hyperedge contains its own cell first
	cells, offsets, pins := balance.Hyperedges(gridBalanceSource[Cell]{g})
	for i := range cells {
		if pins[offsets[i]] != cells[i] {
			r_error.Internal(
				"Rank %d: hyperedge %d doesn't start with its cell.",
				c.Rank(), i,
			)
		}
	}
}

func writeSnapshot(cfg *config.Config, g *grid.Grid[Cell], c comm.Comm) {
	cells := g.Cells()
	payloads := make([]*Cell, len(cells))
	for i, cell := range cells {
		payloads[i] = g.Payload(cell)
	}

	boolByte := func(b bool) uint8 {
		if b {
			return 1
		}
		return 0
	}
	hd := &snapshot.Header{
		XLength:            cfg.Grid.XLength,
		YLength:            cfg.Grid.YLength,
		ZLength:            cfg.Grid.ZLength,
		MaxRefinementLevel: int64(g.Mapping().MaxLevel()),
		Periodic: [3]uint8{
			boolByte(cfg.Grid.PeriodicX),
			boolByte(cfg.Grid.PeriodicY),
			boolByte(cfg.Grid.PeriodicZ),
		},
		Rank: int64(c.Rank()),
		Size: int64(c.Size()),
	}

	name := fmt.Sprintf("%s_%d.gsnap", cfg.Run.SnapshotPrefix, c.Rank())
	f, err := os.Create(name)
	if err != nil {
		r_error.External("Couldn't create snapshot file '%s': %v", name, err)
	}
	defer f.Close()

	if err := snapshot.Write(f, hd, cells, payloads, cellCodec{}); err != nil {
		r_error.External("Couldn't write snapshot file '%s': %v", name, err)
	}
}

// gridBalanceSource adapts the public grid surface to balance.Source for the
// driver's reporting and checks.
type gridBalanceSource[T any] struct {
	g *grid.Grid[T]
}

func (s gridBalanceSource[T]) LocalCells() []uint64 { return s.g.Cells() }

func (s gridBalanceSource[T]) CellWeight(cell uint64) float64 {
	return s.g.CellWeight(cell)
}

func (s gridBalanceSource[T]) CellCoordinate(cell uint64) [3]float64 {
	center, _ := s.g.Geometry().CellCenter(cell)
	return center
}

func (s gridBalanceSource[T]) CellEdges(cell uint64) []balance.Edge {
	seen := map[uint64]bool{}
	edges := []balance.Edge{}
	for _, lists := range [][]uint64{s.g.Neighbors(cell), s.g.NeighborsTo(cell)} {
		for _, neighbor := range lists {
			if neighbor == 0 || seen[neighbor] {
				continue
			}
			seen[neighbor] = true
			edges = append(edges, balance.Edge{
				Cell: neighbor, Owner: s.g.Owner(neighbor),
			})
		}
	}
	return edges
}

func (s gridBalanceSource[T]) GridBounds() (min, max [3]float64) {
	return s.g.Geometry().GridStart(), s.g.Geometry().GridEnd()
}
