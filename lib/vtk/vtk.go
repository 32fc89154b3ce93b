/*package vtk writes grids of axis-aligned boxes as legacy-format VTK
unstructured grid files, one voxel cell per box.*/
package vtk

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Box is one axis-aligned cell to be written.
type Box struct {
	Min, Max [3]float64
}

// Write writes the boxes to w as an ASCII VTK unstructured grid with the
// given title. Every box becomes 8 points in corner order (x varies
// fastest) and one voxel cell.
func Write(w io.Writer, title string, boxes []Box) error {
	buf := bufio.NewWriter(w)

	fmt.Fprintf(buf, "# vtk DataFile Version 2.0\n")
	fmt.Fprintf(buf, "%s\n", title)
	fmt.Fprintf(buf, "ASCII\n")
	fmt.Fprintf(buf, "DATASET UNSTRUCTURED_GRID\n")

	fmt.Fprintf(buf, "POINTS %d float\n", len(boxes)*8)
	for _, box := range boxes {
		for _, z := range []float64{box.Min[2], box.Max[2]} {
			for _, y := range []float64{box.Min[1], box.Max[1]} {
				for _, x := range []float64{box.Min[0], box.Max[0]} {
					fmt.Fprintf(buf, "%g %g %g\n", x, y, z)
				}
			}
		}
	}

	fmt.Fprintf(buf, "CELLS %d %d\n", len(boxes), len(boxes)*9)
	for i := range boxes {
		fmt.Fprintf(buf, "8")
		for corner := 0; corner < 8; corner++ {
			fmt.Fprintf(buf, " %d", i*8+corner)
		}
		fmt.Fprintf(buf, "\n")
	}

	fmt.Fprintf(buf, "CELL_TYPES %d\n", len(boxes))
	for range boxes {
		fmt.Fprintf(buf, "11\n")
	}

	return buf.Flush()
}

// WriteFile writes the boxes to the named file, creating or truncating it.
func WriteFile(name, title string, boxes []Box) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := Write(f, title, boxes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
