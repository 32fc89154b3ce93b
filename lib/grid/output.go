package grid

/* output.go contains the VTK writer and the replicated-state consistency
checks. */

import (
	"hash/fnv"

	"github.com/phil-mansfield/refgrid/lib/comm"
	"github.com/phil-mansfield/refgrid/lib/vtk"
)

// WriteVTKFile writes this rank's leaf cells to the named file as an ASCII
// VTK unstructured grid, in ascending cell order.
func (g *Grid[T]) WriteVTKFile(name string) error {
	cells := g.sortedLocalCells()
	boxes := make([]vtk.Box, 0, len(cells))
	for _, cell := range cells {
		min, max, ok := g.geometry.CellBounds(cell)
		if !ok {
			continue
		}
		boxes = append(boxes, vtk.Box{Min: min, Max: max})
	}
	return vtk.WriteFile(name, "Cartesian cell refinable grid", boxes)
}

// VerifyDirectoryConsensus checks that the replicated cell directory is
// identical on every rank by comparing digests. Collective. Returns true if
// all ranks agree.
func (g *Grid[T]) VerifyDirectoryConsensus() bool {
	cells := make([]uint64, 0, len(g.directory))
	for cell := range g.directory {
		cells = append(cells, cell)
	}
	sortUint64s(cells)

	hash := fnv.New64a()
	buf := make([]byte, 16)
	for _, cell := range cells {
		owner := uint64(g.directory[cell])
		for i := 0; i < 8; i++ {
			buf[i] = byte(cell >> uint(8*i))
			buf[8+i] = byte(owner >> uint(8*i))
		}
		hash.Write(buf)
	}

	digests := comm.AllGatherUint64(g.comm, []uint64{hash.Sum64()})
	for rank := range digests {
		if digests[rank][0] != digests[0][0] {
			return false
		}
	}
	return true
}
