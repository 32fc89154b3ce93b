/*package grid implements a distributed, adaptively refinable Cartesian grid.

Each rank of a communicator owns a subset of the grid's cells. Cells can be
recursively split into eight children and merged back, with the refinement
level difference between neighboring cells never exceeding one. The grid
keeps an up-to-date neighbor list for every local cell, ships copies of
remote neighbors' payloads between ranks, and repartitions cells through a
pluggable load balancer.

All methods documented as collective must be entered by every rank of the
communicator; between collectives ranks compute independently.*/
package grid

import (
	"fmt"
	"sort"

	"github.com/phil-mansfield/refgrid/lib/balance"
	"github.com/phil-mansfield/refgrid/lib/comm"
	"github.com/phil-mansfield/refgrid/lib/geom"
	"github.com/phil-mansfield/refgrid/lib/index"
	"github.com/phil-mansfield/refgrid/lib/sfc"
	"github.com/phil-mansfield/refgrid/lib/stencil"
)

// Options configures a Grid. The zero value is not usable: lengths must be
// set.
type Options struct {
	// XLength, YLength, ZLength are the root grid extents in unrefined
	// cells.
	XLength, YLength, ZLength uint64
	// MaxRefinementLevel caps how many times a cell can be refined. A
	// negative value selects the largest level whose ids still fit in a
	// uint64.
	MaxRefinementLevel int
	// NeighborhoodSize is the stencil radius; 0 selects the six-face
	// stencil.
	NeighborhoodSize int
	// PeriodicX, PeriodicY, PeriodicZ wrap the neighborhoods around the
	// grid in that axis.
	PeriodicX, PeriodicY, PeriodicZ bool
	// LoadBalancingMethod names the partitioning method; "NONE" disables
	// balancing. Defaults to "NONE".
	LoadBalancingMethod string
	// SFCCachingBatches is the number of sorted chunks the initial
	// space-filling enumeration is built from; neither the order nor the
	// peak construction memory depends on it. Defaults to 1.
	SFCCachingBatches uint64
	// OneMessagePerPeer selects the collected payload transport: one
	// message per peer holding the concatenated fixed-size payloads.
	// Requires a FixedCodec. The default transport sends one message per
	// cell and supports variable-size payloads.
	OneMessagePerPeer bool
	// GridStart is the physical position of the grid's minimum corner.
	GridStart [3]float64
	// UnrefinedCellSize is the physical size of a level-0 cell per axis.
	// Defaults to (1, 1, 1) if left zero.
	UnrefinedCellSize [3]float64
}

// cellTag is one entry of a transfer plan: a cell and the message tag its
// payload travels under.
type cellTag struct {
	cell uint64
	tag  int
}

// Grid is one rank's view of the distributed grid. The type parameter T is
// the user payload stored in every leaf cell.
type Grid[T any] struct {
	mapping  *index.Mapping
	geometry *geom.Geometry
	hood     *stencil.Stencil
	comm     comm.Comm
	codec    Codec[T]
	part     *balance.Partitioner

	periodic          [3]bool
	oneMessagePerPeer bool
	fixedSize         int // payload size when oneMessagePerPeer

	// directory maps every existing cell, leaves and refined ancestors
	// alike, to its owning rank. Replicated on every rank and only mutated
	// inside collectives.
	directory map[uint64]int

	// cells holds the payload of every local leaf.
	cells map[uint64]*T

	// user-assigned load weights of local leaves; absent means 1
	weights map[uint64]float64

	// neighborsOf[c] lists c's neighbors in stencil order: 0 for off-grid
	// slots, one cell for same-or-larger neighbors, 8 cells for smaller
	// ones. neighborsTo[c] lists the cells that consider c a neighbor.
	// Both exist exactly for local leaves.
	neighborsOf map[uint64][]uint64
	neighborsTo map[uint64][]uint64

	cellsWithRemoteNeighbors      map[uint64]bool
	remoteCellsWithLocalNeighbors map[uint64]bool

	// remotePayloads are the local copies of remote neighbors' payloads,
	// overwritten in place by every ghost exchange.
	remotePayloads map[uint64]*T

	// staging areas for payloads displaced by topology changes, cleared by
	// the next load balance
	refinedPayloads   map[uint64]*T
	unrefinedPayloads map[uint64]*T

	// per-rank refinement request bags, cleared by StopRefining
	toRefine      map[uint64]bool
	toUnrefine    map[uint64]bool
	notToUnrefine map[uint64]bool

	// pins holds the replicated pin table; newPins the local staged delta
	// (-1 requests an unpin)
	pins    map[uint64]int
	newPins map[uint64]int

	// current transfer plan, keyed by peer rank, id-sorted
	cellsToSend    map[int][]cellTag
	cellsToReceive map[int][]cellTag

	// cells this rank gains/loses in the pending migration
	addedCells   map[uint64]bool
	removedCells map[uint64]bool

	// in-flight transfer state between start and wait calls
	sendRequests []comm.Request
	pendingRecvs []pendingRecv
	recvDest     map[uint64]*T
	// collected-mode receives: one request per sender with its cell list
	collectRecvs []collectRecv
}

type pendingRecv struct {
	cell uint64
	req  comm.Request
}

type collectRecv struct {
	sender int
	cells  []uint64
	req    comm.Request
}

// New constructs the local portion of a distributed grid over the given
// communicator. Collective: every rank must construct with identical
// options. The root cells are enumerated along a space-filling curve and
// dealt out to ranks in contiguous runs.
func New[T any](opts Options, c comm.Comm, codec Codec[T]) (*Grid[T], error) {
	if opts.SFCCachingBatches == 0 {
		opts.SFCCachingBatches = 1
	}
	if opts.LoadBalancingMethod == "" {
		opts.LoadBalancingMethod = "NONE"
	}
	if opts.UnrefinedCellSize == ([3]float64{}) {
		opts.UnrefinedCellSize = [3]float64{1, 1, 1}
	}

	mapping, err := index.NewMapping(
		opts.XLength, opts.YLength, opts.ZLength, opts.MaxRefinementLevel,
	)
	if err != nil {
		return nil, err
	}

	geometry, err := geom.New(mapping, opts.GridStart, opts.UnrefinedCellSize)
	if err != nil {
		return nil, err
	}

	part, err := balance.New(opts.LoadBalancingMethod)
	if err != nil {
		return nil, err
	}

	g := &Grid[T]{
		mapping:  mapping,
		geometry: geometry,
		hood:     stencil.New(opts.NeighborhoodSize),
		comm:     c,
		codec:    codec,
		part:     part,

		periodic:          [3]bool{opts.PeriodicX, opts.PeriodicY, opts.PeriodicZ},
		oneMessagePerPeer: opts.OneMessagePerPeer,
		fixedSize:         -1,

		directory: map[uint64]int{},
		cells:     map[uint64]*T{},
		weights:   map[uint64]float64{},

		neighborsOf: map[uint64][]uint64{},
		neighborsTo: map[uint64][]uint64{},

		cellsWithRemoteNeighbors:      map[uint64]bool{},
		remoteCellsWithLocalNeighbors: map[uint64]bool{},
		remotePayloads:                map[uint64]*T{},

		refinedPayloads:   map[uint64]*T{},
		unrefinedPayloads: map[uint64]*T{},

		toRefine:      map[uint64]bool{},
		toUnrefine:    map[uint64]bool{},
		notToUnrefine: map[uint64]bool{},

		pins:    map[uint64]int{},
		newPins: map[uint64]int{},

		cellsToSend:    map[int][]cellTag{},
		cellsToReceive: map[int][]cellTag{},
		addedCells:     map[uint64]bool{},
		removedCells:   map[uint64]bool{},
	}

	if opts.OneMessagePerPeer {
		fixed, ok := codec.(FixedCodec[T])
		if !ok {
			return nil, fmt.Errorf(
				"The one-message-per-peer transport requires a fixed-size " +
					"payload codec.",
			)
		}
		g.fixedSize = fixed.Size()
	}

	if err := g.createRootCells(opts.SFCCachingBatches); err != nil {
		return nil, err
	}

	for _, cell := range g.sortedLocalCells() {
		g.neighborsOf[cell] = g.findNeighborsOf(cell, 1, false)
		g.neighborsTo[cell] = g.findNeighborsToFast(cell, g.neighborsOf[cell])
	}
	g.updateAllRemoteNeighborInfo()
	g.recalculateNeighborUpdateLists()

	return g, nil
}

// createRootCells enumerates the root cells along the space-filling curve
// and deals them out to ranks in contiguous, nearly equal runs.
func (g *Grid[T]) createRootCells(batches uint64) error {
	curve, err := sfc.New(g.mapping.Length(), batches)
	if err != nil {
		return err
	}

	size := uint64(g.comm.Size())
	n := curve.Size()

	perRank := n / size
	if n < size {
		perRank = 1
	} else if n%size > 0 {
		perRank++
	}
	// the first few ranks get one fewer cell when n doesn't divide evenly
	withFewer := perRank*size - n

	sfcIndex := uint64(0)
	for rank := 0; rank < g.comm.Size(); rank++ {
		count := perRank
		if uint64(rank) < withFewer {
			count--
		}

		for i := uint64(0); i < count && sfcIndex < n; i++ {
			idx := curve.Indices(sfcIndex)
			cell := g.mapping.CellFromIndices(index.Indices{
				idx[0] << uint(g.mapping.MaxLevel()),
				idx[1] << uint(g.mapping.MaxLevel()),
				idx[2] << uint(g.mapping.MaxLevel()),
			}, 0)

			g.directory[cell] = rank
			if rank == g.comm.Rank() {
				g.cells[cell] = new(T)
			}
			sfcIndex++
		}
	}

	return nil
}

// sortedLocalCells returns the local leaves in ascending id order.
func (g *Grid[T]) sortedLocalCells() []uint64 {
	cells := make([]uint64, 0, len(g.cells))
	for cell := range g.cells {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	return cells
}

// sortedSet returns the keys of a cell set in ascending order.
func sortedSet(set map[uint64]bool) []uint64 {
	cells := make([]uint64, 0, len(set))
	for cell := range set {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	return cells
}
