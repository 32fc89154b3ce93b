package index

import (
	"testing"
)

func TestNewMappingRejectsBadLengths(t *testing.T) {
	tests := []struct {
		x, y, z  uint64
		maxLevel int
	}{
		{0, 4, 4, 0},
		{4, 0, 4, 0},
		{4, 4, 0, 0},
		{1 << 32, 1 << 32, 2, 0},
	}

	for i := range tests {
		_, err := NewMapping(
			tests[i].x, tests[i].y, tests[i].z, tests[i].maxLevel,
		)
		if err == nil {
			t.Errorf("%d) Expected NewMapping(%d, %d, %d, %d) to fail.",
				i, tests[i].x, tests[i].y, tests[i].z, tests[i].maxLevel)
		}
	}
}

func TestNewMappingAutoLevel(t *testing.T) {
	m, err := NewMapping(4, 4, 4, -1)
	if err != nil {
		t.Fatalf("Expected auto level selection to succeed, got %v", err)
	}
	if m.MaxLevel() < 1 {
		t.Errorf("Expected auto-selected level >= 1, got %d", m.MaxLevel())
	}

	// one past the auto-selected maximum must not fit
	if _, err := NewMapping(4, 4, 4, m.MaxLevel()+1); err == nil {
		t.Errorf("Expected level %d to be rejected.", m.MaxLevel()+1)
	}
	if _, err := NewMapping(4, 4, 4, m.MaxLevel()); err != nil {
		t.Errorf("Expected level %d to be accepted, got %v", m.MaxLevel(), err)
	}
}

func TestCellFromIndicesBands(t *testing.T) {
	m, err := NewMapping(2, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		idx   Indices
		level int
		cell  uint64
	}{
		{Indices{0, 0, 0}, 0, 1},
		{Indices{2, 0, 0}, 0, 2},
		{Indices{0, 2, 0}, 0, 3},
		{Indices{0, 0, 2}, 0, 5},
		{Indices{2, 2, 2}, 0, 8},
		{Indices{0, 0, 0}, 1, 9},
		{Indices{1, 0, 0}, 1, 10},
		{Indices{0, 1, 0}, 1, 13},
		{Indices{0, 0, 1}, 1, 25},
		{Indices{3, 3, 3}, 1, 72},
		// indices interior to a cell map to that cell
		{Indices{1, 1, 1}, 0, 1},
		// out of range
		{Indices{4, 0, 0}, 0, ErrorCell},
		{Indices{0, 0, 0}, 2, ErrorCell},
		{Indices{0, 0, 0}, -1, ErrorCell},
	}

	for i := range tests {
		cell := m.CellFromIndices(tests[i].idx, tests[i].level)
		if cell != tests[i].cell {
			t.Errorf("%d) Expected cell %d at %d level %d, got %d",
				i, tests[i].cell, tests[i].idx, tests[i].level, cell)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	m, err := NewMapping(3, 2, 5, 2)
	if err != nil {
		t.Fatal(err)
	}

	for level := 0; level <= m.MaxLevel(); level++ {
		step := uint64(1) << uint(m.MaxLevel()-level)
		for z := uint64(0); z < m.LengthInIndices(2); z += step {
			for y := uint64(0); y < m.LengthInIndices(1); y += step {
				for x := uint64(0); x < m.LengthInIndices(0); x += step {
					idx := Indices{x, y, z}
					cell := m.CellFromIndices(idx, level)
					if cell == ErrorCell {
						t.Fatalf("No cell at %d level %d", idx, level)
					}

					if gotLevel := m.Level(cell); gotLevel != level {
						t.Errorf("Expected cell %d to have level %d, got %d",
							cell, level, gotLevel)
					}
					if gotIdx := m.CellIndices(cell); gotIdx != idx {
						t.Errorf("Expected cell %d at indices %d, got %d",
							cell, idx, gotIdx)
					}
					if size := m.SizeInIndices(cell); size != step {
						t.Errorf("Expected cell %d to have size %d, got %d",
							cell, step, size)
					}
				}
			}
		}
	}
}

func TestParentChildClosure(t *testing.T) {
	m, err := NewMapping(2, 2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	for cell := uint64(1); cell <= m.LastCell(); cell++ {
		if m.Level(cell) == m.MaxLevel() {
			if children := m.Children(cell); children != nil {
				t.Errorf("Expected no children at the maximum level, got %d",
					children)
			}
			continue
		}

		children := m.Children(cell)
		if len(children) != 8 {
			t.Fatalf("Expected 8 children of cell %d, got %d",
				cell, len(children))
		}
		for k, child := range children {
			if parent := m.Parent(child); parent != cell {
				t.Errorf("Expected parent of child %d (#%d) to be %d, got %d",
					child, k, cell, parent)
			}
		}
	}
}

func TestChildOrder(t *testing.T) {
	m, err := NewMapping(2, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	// x varies fastest, then y, then z
	expected := []Indices{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	}
	children := m.Children(1)
	for k := range children {
		if idx := m.CellIndices(children[k]); idx != expected[k] {
			t.Errorf("Expected child %d at indices %d, got %d",
				k, expected[k], idx)
		}
	}
}

func TestSiblings(t *testing.T) {
	m, err := NewMapping(2, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	if siblings := m.Siblings(1); len(siblings) != 1 || siblings[0] != 1 {
		t.Errorf("Expected level-0 cell to be its own sibling, got %d",
			siblings)
	}

	children := m.Children(1)
	for _, child := range children {
		siblings := m.Siblings(child)
		if len(siblings) != 8 {
			t.Fatalf("Expected 8 siblings, got %d", len(siblings))
		}
		for k := range siblings {
			if siblings[k] != children[k] {
				t.Errorf("Expected siblings of %d to be %d, got %d",
					child, children, siblings)
			}
		}
	}
}

func TestInvalidCells(t *testing.T) {
	m, err := NewMapping(4, 4, 4, 1)
	if err != nil {
		t.Fatal(err)
	}

	if level := m.Level(0); level != -1 {
		t.Errorf("Expected level -1 for the null cell, got %d", level)
	}
	if level := m.Level(m.LastCell() + 1); level != -1 {
		t.Errorf("Expected level -1 past the last cell, got %d", level)
	}
	if size := m.SizeInIndices(0); size != 0 {
		t.Errorf("Expected size 0 for the null cell, got %d", size)
	}
	if parent := m.Parent(0); parent != ErrorCell {
		t.Errorf("Expected no parent for the null cell, got %d", parent)
	}
	if idx := m.CellIndices(0); idx[0] != ErrorIndex {
		t.Errorf("Expected error indices for the null cell, got %d", idx)
	}
}
