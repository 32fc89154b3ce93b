package stencil

import (
	"testing"
)

func TestFaceStencil(t *testing.T) {
	s := New(0)
	expected := []Offset{
		{0, 0, -1}, {0, -1, 0}, {-1, 0, 0},
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	}

	if len(s.Of()) != 6 {
		t.Fatalf("Expected 6 offsets, got %d", len(s.Of()))
	}
	for i := range expected {
		if s.Of()[i] != expected[i] {
			t.Errorf("%d) Expected offset %d, got %d",
				i, expected[i], s.Of()[i])
		}
	}
}

func TestCubeStencilSizes(t *testing.T) {
	tests := []struct {
		size, count int
	}{
		{1, 26},
		{2, 124},
		{3, 342},
	}

	for i := range tests {
		s := New(tests[i].size)
		if len(s.Of()) != tests[i].count {
			t.Errorf("%d) Expected %d offsets for size %d, got %d",
				i, tests[i].count, tests[i].size, len(s.Of()))
		}
		if len(s.To()) != tests[i].count {
			t.Errorf("%d) Expected %d reverse offsets for size %d, got %d",
				i, tests[i].count, tests[i].size, len(s.To()))
		}
	}
}

func TestCubeStencilOrder(t *testing.T) {
	s := New(1)

	// x varies fastest and the origin is skipped
	if s.Of()[0] != (Offset{-1, -1, -1}) {
		t.Errorf("Expected first offset (-1, -1, -1), got %d", s.Of()[0])
	}
	if s.Of()[1] != (Offset{0, -1, -1}) {
		t.Errorf("Expected second offset (0, -1, -1), got %d", s.Of()[1])
	}
	if s.Of()[25] != (Offset{1, 1, 1}) {
		t.Errorf("Expected last offset (1, 1, 1), got %d", s.Of()[25])
	}
	for _, off := range s.Of() {
		if off == (Offset{0, 0, 0}) {
			t.Errorf("The origin must not be part of the stencil.")
		}
	}
}

func TestToIsNegated(t *testing.T) {
	for _, size := range []int{0, 1, 2} {
		s := New(size)
		for i := range s.Of() {
			of, to := s.Of()[i], s.To()[i]
			if to != (Offset{-of[0], -of[1], -of[2]}) {
				t.Errorf("size %d, %d) Expected %d negated, got %d",
					size, i, of, to)
			}
		}
	}
}
