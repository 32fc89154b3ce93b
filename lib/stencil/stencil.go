/*package stencil builds the fixed neighborhood templates that define which
cells are considered neighbors of a cell and which cells consider a cell
their neighbor.*/
package stencil

// Offset is a relative position in the template, in units of the cell whose
// neighbors are being looked up.
type Offset [3]int

// Stencil holds the two neighborhood templates of a grid: Of lists the
// offsets of the cells a cell sees, To is Of negated and lists the offsets
// of the cells that see a cell. Both are frozen for the grid's lifetime.
type Stencil struct {
	size int
	of   []Offset
	to   []Offset
}

// New builds the template for neighborhood size s. If s is 0 the template is
// the six face-sharing offsets; otherwise it is the cube [-s, s]^3 minus the
// origin, enumerated x fastest, then y, then z.
func New(size int) *Stencil {
	s := &Stencil{size: size}

	if size == 0 {
		s.of = []Offset{
			{0, 0, -1}, {0, -1, 0}, {-1, 0, 0},
			{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		}
	} else {
		for z := -size; z <= size; z++ {
			for y := -size; y <= size; y++ {
				for x := -size; x <= size; x++ {
					if x == 0 && y == 0 && z == 0 {
						continue
					}
					s.of = append(s.of, Offset{x, y, z})
				}
			}
		}
	}

	s.to = make([]Offset, len(s.of))
	for i, off := range s.of {
		s.to[i] = Offset{-off[0], -off[1], -off[2]}
	}

	return s
}

// Size returns the neighborhood size the stencil was built with.
func (s *Stencil) Size() int { return s.size }

// Of returns the forward template. The returned slice must not be modified.
func (s *Stencil) Of() []Offset { return s.of }

// To returns the negated template. The returned slice must not be modified.
func (s *Stencil) To() []Offset { return s.to }
