package vspace

import "testing"

func TestWindowEndAndOverlaps(t *testing.T) {
	w1 := &Window{Start: 0x1000, Size: 0x1000}
	if w1.End() != 0x2000 {
		t.Fatalf("End() = %#x, want 0x2000", w1.End())
	}

	w2 := &Window{Start: 0x1800, Size: 0x1000}
	if !w1.Overlaps(w2) {
		t.Fatal("expected overlap for ranges that share [0x1800, 0x2000)")
	}

	w3 := &Window{Start: 0x2000, Size: 0x1000}
	if w1.Overlaps(w3) {
		t.Fatal("adjacent, non-overlapping windows should not overlap")
	}
}
