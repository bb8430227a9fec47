package noise

import (
	"math"
	"testing"
)

func TestHashCoordsWrapsAt32Bits(t *testing.T) {
	tests := []struct {
		name     string
		x, z     int
		seed     int32
		expected uint32
	}{
		{"origin", 0, 0, 42, 3506697222},
		{"positive", 1, 1, 42, 3594889416},
		{"negative", -1, -1, 42, 3594889416},
		{"large mixed with negative seed", 100000, -100000, -7, 3234139263},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashCoords(tt.x, tt.z, tt.seed)
			if got != tt.expected {
				t.Errorf("HashCoords(%d, %d, %d) = %d, expected %d", tt.x, tt.z, tt.seed, got, tt.expected)
			}
		})
	}
}

func TestHashString(t *testing.T) {
	tests := []struct {
		text     string
		seed     uint32
		expected uint32
	}{
		{"google.com", 0, 2758673484},
		{"", 5, 5},
		{"a", 1, 128},
	}
	for _, tt := range tests {
		if got := HashString(tt.text, tt.seed); got != tt.expected {
			t.Errorf("HashString(%q, %d) = %d, expected %d", tt.text, tt.seed, got, tt.expected)
		}
	}
}

func TestLCGReproducible(t *testing.T) {
	g := NewLCG(0)
	expected := []uint32{1013904223, 1196435762, 3519870697}
	for i, want := range expected {
		if got := g.Next(); got != want {
			t.Fatalf("step %d: got %d, expected %d", i, got, want)
		}
	}

	a, b := NewLCG(42), NewLCG(42)
	for i := 0; i < 1000; i++ {
		fa, fb := a.Float64(), b.Float64()
		if fa != fb {
			t.Fatalf("streams diverged at %d: %v != %v", i, fa, fb)
		}
		if fa < 0 || fa >= 1 {
			t.Fatalf("value %v out of [0,1)", fa)
		}
	}
}

func TestLCGIntn(t *testing.T) {
	g := NewLCG(7)
	for i := 0; i < 500; i++ {
		if v := g.Intn(10); v < 0 || v >= 10 {
			t.Fatalf("Intn(10) = %d", v)
		}
	}
	if NewLCG(1).Intn(0) != 0 {
		t.Error("Intn(0) should return 0")
	}
}

func TestPermutationTable(t *testing.T) {
	seen := make(map[uint8]bool, 256)
	for _, v := range basePermutation {
		seen[v] = true
	}
	if len(seen) != 256 {
		t.Fatalf("base permutation has %d distinct entries, expected 256", len(seen))
	}
	for i := 0; i < 256; i++ {
		if permutation[i] != permutation[i+256] {
			t.Fatalf("doubled table mismatch at %d", i)
		}
	}
}

func TestGradient2DRangeAndLattice(t *testing.T) {
	// Integer lattice points have zero noise when the seed does not shift the plane.
	for x := -3; x <= 3; x++ {
		for y := -3; y <= 3; y++ {
			if v := Gradient2D(float64(x), float64(y), 0); v != 0 {
				t.Fatalf("Gradient2D(%d, %d, 0) = %v, expected 0", x, y, v)
			}
		}
	}

	g := NewLCG(99)
	for i := 0; i < 5000; i++ {
		x := g.Float64()*2000 - 1000
		y := g.Float64()*2000 - 1000
		v := Gradient2D(x, y, 42)
		if math.IsNaN(v) || v < -1 || v > 1 {
			t.Fatalf("Gradient2D(%v, %v) = %v out of range", x, y, v)
		}
		if v != Gradient2D(x, y, 42) {
			t.Fatalf("Gradient2D not deterministic at (%v, %v)", x, y)
		}
	}
}

func TestGradient2DSeedChangesField(t *testing.T) {
	differs := false
	for i := 0; i < 20; i++ {
		x, y := float64(i)*0.37+0.1, float64(i)*0.21+0.3
		if Gradient2D(x, y, 42) != Gradient2D(x, y, 99) {
			differs = true
			break
		}
	}
	if !differs {
		t.Error("expected different seeds to produce different noise")
	}
}

func TestOffsetBounds(t *testing.T) {
	const maxOffset = 8.0
	g := NewLCG(3)
	for i := 0; i < 2000; i++ {
		x := g.Float64()*10000 - 5000
		z := g.Float64()*10000 - 5000
		dx, dz := Offset(x, z, int32(i), 0.05, maxOffset)
		if math.Abs(dx) > maxOffset || math.Abs(dz) > maxOffset {
			t.Fatalf("Offset(%v, %v) = (%v, %v) exceeds %v", x, z, dx, dz, maxOffset)
		}
	}
}

func TestSizeVariationBounds(t *testing.T) {
	const variation = 0.2
	g := NewLCG(11)
	for i := 0; i < 2000; i++ {
		m := SizeVariation(g.Float64()*1000, g.Float64()*1000, 42, variation)
		if m < 1-variation || m > 1+variation {
			t.Fatalf("SizeVariation = %v outside [%v, %v]", m, 1-variation, 1+variation)
		}
	}
	if m := SizeVariation(12.5, 40.25, 42, 0); m != 1 {
		t.Errorf("zero variation should yield 1, got %v", m)
	}
}
