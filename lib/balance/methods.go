package balance

/* methods.go contains the built-in partitioning methods. Every method
gathers the global cell list and computes the full assignment on every rank,
so the resulting plans are identical everywhere without a negotiation
round. */

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/phil-mansfield/refgrid/lib/comm"
)

// object is one cell's worth of gathered partitioning input.
type object struct {
	cell   uint64
	owner  int
	weight float64
	coord  [3]float64
}

// assigned pairs an object with the rank the method wants it on.
type assigned struct {
	obj    object
	target int
}

// gatherObjects all-gathers every rank's cells, weights and coordinates and
// returns them sorted by cell id.
func gatherObjects(src Source, c comm.Comm) []object {
	local := src.LocalCells()
	enc := make([]uint64, 0, 5*len(local))
	for _, cell := range local {
		coord := src.CellCoordinate(cell)
		enc = append(enc, cell,
			math.Float64bits(src.CellWeight(cell)),
			math.Float64bits(coord[0]),
			math.Float64bits(coord[1]),
			math.Float64bits(coord[2]),
		)
	}

	all := comm.AllGatherUint64(c, enc)

	objs := []object{}
	for rank := range all {
		for i := 0; i+5 <= len(all[rank]); i += 5 {
			objs = append(objs, object{
				cell:   all[rank][i],
				owner:  rank,
				weight: math.Float64frombits(all[rank][i+1]),
				coord: [3]float64{
					math.Float64frombits(all[rank][i+2]),
					math.Float64frombits(all[rank][i+3]),
					math.Float64frombits(all[rank][i+4]),
				},
			})
		}
	}

	sort.Slice(objs, func(i, j int) bool { return objs[i].cell < objs[j].cell })
	return objs
}

// finishPlan turns assignments into the final move list, sorted by cell and
// with cells that stay put skipped.
func finishPlan(out []assigned) []Move {
	sort.Slice(out, func(i, j int) bool { return out[i].obj.cell < out[j].obj.cell })
	moves := []Move{}
	for i := range out {
		if out[i].target != out[i].obj.owner {
			moves = append(moves, Move{
				Cell: out[i].obj.cell, From: out[i].obj.owner, To: out[i].target,
			})
		}
	}
	return moves
}

// splitWeighted splits objs into consecutive groups whose total weights are
// proportional to shares. shares must be positive.
func splitWeighted(objs []object, shares []float64) [][]object {
	weights := make([]float64, len(objs))
	for i := range objs {
		weights[i] = objs[i].weight
	}
	cum := make([]float64, len(objs))
	floats.CumSum(cum, weights)
	total := 0.0
	if len(cum) > 0 {
		total = cum[len(cum)-1]
	}
	shareSum := floats.Sum(shares)

	groups := make([][]object, len(shares))
	start, used := 0, 0.0
	for g := range shares {
		if g == len(shares)-1 {
			groups[g] = objs[start:]
			break
		}
		used += total * shares[g] / shareSum
		end := start
		for end < len(objs) && cum[end] <= used {
			end++
		}
		groups[g] = objs[start:end]
		start = end
	}
	return groups
}

// RankWeights returns the total cell weight currently on every rank.
// Collective; used for imbalance reporting.
func RankWeights(src Source, c comm.Comm) []float64 {
	local := 0.0
	for _, cell := range src.LocalCells() {
		local += src.CellWeight(cell)
	}
	all := comm.AllGatherUint64(c, []uint64{math.Float64bits(local)})
	weights := make([]float64, len(all))
	for rank := range all {
		weights[rank] = math.Float64frombits(all[rank][0])
	}
	return weights
}

// Imbalance returns the largest rank weight divided by the mean rank weight,
// so 1 is a perfect balance.
func Imbalance(rankWeights []float64) float64 {
	total := floats.Sum(rankWeights)
	if total == 0 || len(rankWeights) == 0 {
		return 1
	}
	return floats.Max(rankWeights) / (total / float64(len(rankWeights)))
}

// mix64 is a bit-mixing hash over cell ids (splitmix64's finalizer).
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// planRandom scatters cells across ranks with a deterministic hash of the
// cell id.
func planRandom(src Source, c comm.Comm) []Move {
	objs := gatherObjects(src, c)
	out := make([]assigned, len(objs))
	for i := range objs {
		out[i] = assigned{objs[i], int(mix64(objs[i].cell) % uint64(c.Size()))}
	}
	return finishPlan(out)
}

// planBlock splits the id-sorted cell list into equal-weight contiguous
// runs, one per rank.
func planBlock(src Source, c comm.Comm) []Move {
	objs := gatherObjects(src, c)
	shares := make([]float64, c.Size())
	for i := range shares {
		shares[i] = 1
	}
	out := []assigned{}
	for rank, group := range splitWeighted(objs, shares) {
		for i := range group {
			out = append(out, assigned{group[i], rank})
		}
	}
	return finishPlan(out)
}

// hsfcBits is the per-axis resolution of the coordinate curve.
const hsfcBits = 21

// hsfcKey interleaves the quantized coordinate into a Morton key.
func hsfcKey(coord, min, max [3]float64) uint64 {
	key := uint64(0)
	for dim := 0; dim < 3; dim++ {
		span := max[dim] - min[dim]
		q := uint64(0)
		if span > 0 {
			f := (coord[dim] - min[dim]) / span
			if f < 0 {
				f = 0
			}
			if f >= 1 {
				f = math.Nextafter(1, 0)
			}
			q = uint64(f * float64(uint64(1)<<hsfcBits))
		}
		for b := 0; b < hsfcBits; b++ {
			key |= ((q >> uint(b)) & 1) << uint(3*b+dim)
		}
	}
	return key
}

// planHSFC orders cells along a coordinate space-filling curve and splits
// the curve into equal-weight runs. With hierarchical levels configured the
// curve is first split between the coarsest parts, then recursively within
// each part, so every part stays contiguous along the curve.
func (p *Partitioner) planHSFC(src Source, c comm.Comm) []Move {
	objs := gatherObjects(src, c)
	min, max := src.GridBounds()
	sort.Slice(objs, func(i, j int) bool {
		ki := hsfcKey(objs[i].coord, min, max)
		kj := hsfcKey(objs[j].coord, min, max)
		if ki != kj {
			return ki < kj
		}
		return objs[i].cell < objs[j].cell
	})

	// rank-chunk sizes, coarsest parts first, always ending at single ranks
	chunks := []int{}
	ranksPer := 1
	for l := 0; l < len(p.processesPerPart); l++ {
		ranksPer *= p.processesPerPart[l]
	}
	for l := len(p.processesPerPart) - 1; l >= 0; l-- {
		chunks = append(chunks, ranksPer)
		ranksPer /= p.processesPerPart[l]
	}
	chunks = append(chunks, 1)

	out := []assigned{}
	splitRanks(objs, 0, c.Size(), chunks, &out)
	return finishPlan(out)
}

// splitRanks recursively splits objs between the ranks [lo, hi), grouping
// ranks into chunks[0]-sized parts at the current recursion depth.
func splitRanks(objs []object, lo, hi int, chunks []int, out *[]assigned) {
	nRanks := hi - lo
	if nRanks <= 0 {
		return
	}
	if nRanks == 1 {
		for i := range objs {
			*out = append(*out, assigned{objs[i], lo})
		}
		return
	}

	chunk := chunks[0]
	for len(chunks) > 1 && chunk >= nRanks {
		chunks = chunks[1:]
		chunk = chunks[0]
	}

	nGroups := (nRanks + chunk - 1) / chunk
	shares := make([]float64, nGroups)
	for g := range shares {
		n := chunk
		if lo+(g+1)*chunk > hi {
			n = hi - lo - g*chunk
		}
		shares[g] = float64(n)
	}

	next := chunks
	if len(next) > 1 {
		next = next[1:]
	}
	for g, group := range splitWeighted(objs, shares) {
		gLo := lo + g*chunk
		gHi := gLo + chunk
		if gHi > hi {
			gHi = hi
		}
		splitRanks(group, gLo, gHi, next, out)
	}
}

// planRCB recursively bisects the cells along their widest coordinate axis,
// splitting the rank range in half (by count) and the cells at the matching
// weighted point.
func planRCB(src Source, c comm.Comm) []Move {
	objs := gatherObjects(src, c)
	out := []assigned{}
	rcb(objs, 0, c.Size(), &out)
	return finishPlan(out)
}

func rcb(objs []object, lo, hi int, out *[]assigned) {
	nRanks := hi - lo
	if nRanks <= 0 {
		return
	}
	if nRanks == 1 {
		for i := range objs {
			*out = append(*out, assigned{objs[i], lo})
		}
		return
	}

	// widest axis of the current point set
	axis := 0
	widest := math.Inf(-1)
	for dim := 0; dim < 3; dim++ {
		lowest, highest := math.Inf(1), math.Inf(-1)
		for i := range objs {
			if objs[i].coord[dim] < lowest {
				lowest = objs[i].coord[dim]
			}
			if objs[i].coord[dim] > highest {
				highest = objs[i].coord[dim]
			}
		}
		if highest-lowest > widest {
			widest = highest - lowest
			axis = dim
		}
	}

	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].coord[axis] != objs[j].coord[axis] {
			return objs[i].coord[axis] < objs[j].coord[axis]
		}
		return objs[i].cell < objs[j].cell
	})

	mid := lo + nRanks/2
	groups := splitWeighted(objs, []float64{
		float64(mid - lo), float64(hi - mid),
	})
	rcb(groups[0], lo, mid, out)
	rcb(groups[1], mid, hi, out)
}

// planGraph grows one region per rank over the cell adjacency graph,
// seeding each region at the smallest unassigned cell and growing it in
// id order until the region's weight share is reached.
func planGraph(src Source, c comm.Comm) []Move {
	objs := gatherObjects(src, c)
	edges := gatherEdges(src, c)

	byCell := map[uint64]int{}
	for i := range objs {
		byCell[objs[i].cell] = i
	}

	total := 0.0
	for i := range objs {
		total += objs[i].weight
	}
	target := total / float64(c.Size())

	assign := make([]int, len(objs))
	for i := range assign {
		assign[i] = -1
	}

	next := 0
	for rank := 0; rank < c.Size(); rank++ {
		weight := 0.0
		frontier := []uint64{}

		for weight < target || rank == c.Size()-1 {
			// pick the smallest frontier cell, falling back to the smallest
			// unassigned cell when the region can't grow
			sort.Slice(frontier, func(i, j int) bool {
				return frontier[i] < frontier[j]
			})
			pick := -1
			for len(frontier) > 0 {
				i, ok := byCell[frontier[0]]
				frontier = frontier[1:]
				if ok && assign[i] < 0 {
					pick = i
					break
				}
			}
			if pick < 0 {
				for next < len(objs) && assign[next] >= 0 {
					next++
				}
				if next == len(objs) {
					break
				}
				pick = next
			}

			assign[pick] = rank
			weight += objs[pick].weight
			frontier = append(frontier, edges[objs[pick].cell]...)
		}
	}

	out := make([]assigned, len(objs))
	for i := range objs {
		target := assign[i]
		if target < 0 {
			target = objs[i].owner
		}
		out[i] = assigned{objs[i], target}
	}
	return finishPlan(out)
}

// gatherEdges all-gathers every cell's neighbor list.
func gatherEdges(src Source, c comm.Comm) map[uint64][]uint64 {
	local := src.LocalCells()
	enc := []uint64{}
	for _, cell := range local {
		edges := src.CellEdges(cell)
		enc = append(enc, cell, uint64(len(edges)))
		for _, e := range edges {
			enc = append(enc, e.Cell)
		}
	}

	all := comm.AllGatherUint64(c, enc)
	out := map[uint64][]uint64{}
	for rank := range all {
		buf := all[rank]
		for len(buf) >= 2 {
			cell, n := buf[0], buf[1]
			buf = buf[2:]
			out[cell] = append([]uint64{}, buf[:n]...)
			buf = buf[n:]
		}
	}
	return out
}

// Hyperedges returns this rank's hyperedges in compressed format: one
// hyperedge per local cell containing the cell and its neighbors. offsets[i]
// is the position of hyperedge i's pins in pins, with a final entry at
// len(pins).
func Hyperedges(src Source) (cells []uint64, offsets []int, pins []uint64) {
	cells = src.LocalCells()
	offsets = make([]int, 0, len(cells)+1)
	for _, cell := range cells {
		offsets = append(offsets, len(pins))
		pins = append(pins, cell)
		for _, e := range src.CellEdges(cell) {
			pins = append(pins, e.Cell)
		}
	}
	offsets = append(offsets, len(pins))
	return cells, offsets, pins
}
