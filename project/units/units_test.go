package units

import (
	"math"
	"testing"
)

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

var winder = NewConverter(16, 200, 93)

func TestTurnsToMM(t *testing.T) {
	if got := winder.TurnsToMM(1); !nearlyEqual(got, 3200.0/93.0, 1e-12) {
		t.Fatalf("one turn = %v mm, want %v", got, 3200.0/93.0)
	}
	if !nearlyEqual(winder.TurnsToMM(1), 34.41, 0.005) {
		t.Fatalf("one turn should be about 34.41 mm")
	}
	if winder.TurnsToMM(0) != 0 {
		t.Fatalf("zero turns must be zero distance")
	}
	if winder.MMPerRev() != winder.TurnsToMM(1) {
		t.Fatalf("MMPerRev disagrees with TurnsToMM(1)")
	}
}

func TestTurnsToMMIsOdd(t *testing.T) {
	for _, turns := range []float64{0.25, 1, 3.5, 17, 999.9, 1e-9} {
		if winder.TurnsToMM(-turns) != -winder.TurnsToMM(turns) {
			t.Errorf("TurnsToMM(-%v) != -TurnsToMM(%v)", turns, turns)
		}
	}
}

func TestMMToTurnsRoundTrip(t *testing.T) {
	for _, turns := range []float64{-5, -0.5, 0, 2, 5.8} {
		if got := winder.MMToTurns(winder.TurnsToMM(turns)); !nearlyEqual(got, turns, 1e-9) {
			t.Errorf("round trip of %v turns gave %v", turns, got)
		}
	}
}

func TestLayerOffset(t *testing.T) {
	tests := []struct {
		layer int
		want  float64
	}{
		{0, 0}, {1, 0.425}, {2, 0}, {3, 0.425},
	}
	for _, test := range tests {
		if got := LayerOffset(test.layer, 0.425); got != test.want {
			t.Errorf("LayerOffset(%d) = %v, want %v", test.layer, got, test.want)
		}
	}
}

func TestLayerHeight(t *testing.T) {
	if LayerHeight(0, 0.5) != 0 {
		t.Fatalf("layer 0 sits at height 0")
	}
	if got := LayerHeight(1, 0.5); !nearlyEqual(got, math.Sqrt(3)/2, 1e-12) {
		t.Fatalf("layer 1 of unit-diameter wire at %v, want %v", got, math.Sqrt(3)/2)
	}
	if got := LayerHeight(4, 0.5); !nearlyEqual(got, 4*LayerHeight(1, 0.5), 1e-12) {
		t.Fatalf("layer pitch must be constant, got %v", got)
	}
}
