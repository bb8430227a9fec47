package procedural

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/semanticcity/server/internal/world"
)

func testPool(n int) []world.Candidate {
	pool := make([]world.Candidate, n)
	for i := range pool {
		pool[i] = world.Candidate{
			URL:        fmt.Sprintf("site-%02d.example", i),
			Popularity: float64(i) / float64(n),
		}
	}
	return pool
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := world.DefaultConfig()
	coords := []world.ChunkCoord{{X: 0, Z: 0}, {X: 5, Z: -3}, {X: -120, Z: 77}}

	for _, c := range coords {
		t.Run(c.String(), func(t *testing.T) {
			a := Generate(c, cfg, NewPoolSource(testPool(30)))
			b := Generate(c, cfg, NewPoolSource(testPool(30)))

			ja, err := json.Marshal(a)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			jb, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(ja) != string(jb) {
				t.Errorf("generation is not byte-identical for %s", c)
			}
		})
	}
}

func TestGenerateBuildingCount(t *testing.T) {
	cfg := world.DefaultConfig()
	record := Generate(world.ChunkCoord{}, cfg, nil)
	if len(record.Buildings) != 16 {
		t.Fatalf("expected 16 buildings, got %d", len(record.Buildings))
	}
	if record.GenerationVersion != cfg.Version {
		t.Errorf("expected version %d, got %d", cfg.Version, record.GenerationVersion)
	}
}

func TestGenerateRespectsBounds(t *testing.T) {
	cfg := world.DefaultConfig()
	for x := -4; x <= 4; x++ {
		for z := -4; z <= 4; z++ {
			coord := world.ChunkCoord{X: x, Z: z}
			record := Generate(coord, cfg, NewPoolSource(testPool(40)))
			if err := record.CheckInvariants(cfg); err != nil {
				t.Fatalf("chunk %s: %v", coord, err)
			}
			for _, b := range record.Buildings {
				if b.GridX == 2 || b.GridZ == 2 {
					t.Fatalf("chunk %s: building on road cell (%d,%d)", coord, b.GridX, b.GridZ)
				}
				cx, cz := world.CellCenter(coord, b.GridX, b.GridZ, cfg)
				if math.Abs(b.WorldX-cx) > cfg.MaxPositionOffset || math.Abs(b.WorldZ-cz) > cfg.MaxPositionOffset {
					t.Fatalf("chunk %s: building %s drifted too far", coord, b.URL)
				}
				if b.Width < cfg.BaseWidth || b.Width > cfg.MaxWidth {
					t.Fatalf("width %v out of bounds", b.Width)
				}
				if b.Height < cfg.BaseHeight || b.Height > cfg.MaxHeight {
					t.Fatalf("height %v out of bounds", b.Height)
				}
			}
		}
	}
}

func TestGenerateSeedSensitivity(t *testing.T) {
	cfg42 := world.DefaultConfig()
	cfg99 := world.DefaultConfig()
	cfg99.Seed = 99

	a := Generate(world.ChunkCoord{}, cfg42, NewPoolSource(testPool(30)))
	b := Generate(world.ChunkCoord{}, cfg99, NewPoolSource(testPool(30)))
	if reflect.DeepEqual(a, b) {
		t.Error("expected seeds 42 and 99 to produce different chunks")
	}
}

func TestGenerateEmptyPoolFallsBack(t *testing.T) {
	cfg := world.DefaultConfig()
	record := Generate(world.ChunkCoord{X: 3, Z: 3}, cfg, NewPoolSource(nil))
	if len(record.Buildings) != cfg.BuildingsPerChunk() {
		t.Fatalf("expected %d buildings, got %d", cfg.BuildingsPerChunk(), len(record.Buildings))
	}

	known := make(map[string]bool)
	for _, c := range FallbackSites() {
		known[c.URL] = true
	}
	for _, b := range record.Buildings {
		if !known[b.URL] {
			t.Errorf("building url %q is not from the fallback list", b.URL)
		}
	}

	again := Generate(world.ChunkCoord{X: 3, Z: 3}, cfg, NewPoolSource(nil))
	if !reflect.DeepEqual(record, again) {
		t.Error("fallback generation is not deterministic")
	}
}

func TestPoolSourceAvoidsRepeats(t *testing.T) {
	cfg := world.DefaultConfig()
	record := Generate(world.ChunkCoord{X: 1, Z: 1}, cfg, NewPoolSource(testPool(20)))

	seen := make(map[string]bool)
	for _, b := range record.Buildings {
		if seen[b.URL] {
			t.Fatalf("url %q placed twice in one chunk", b.URL)
		}
		seen[b.URL] = true
	}
}

func TestPoolSourceSmallPoolRepeats(t *testing.T) {
	cfg := world.DefaultConfig()
	record := Generate(world.ChunkCoord{X: 2, Z: 9}, cfg, NewPoolSource(testPool(3)))
	if len(record.Buildings) != 16 {
		t.Fatalf("expected 16 buildings, got %d", len(record.Buildings))
	}
	for _, b := range record.Buildings {
		if b.URL == "" {
			t.Fatal("empty url in small pool generation")
		}
	}
}

func TestBuildingSize(t *testing.T) {
	cfg := world.DefaultConfig()
	tests := []struct {
		name       string
		popularity float64
		variation  float64
	}{
		{"unpopular shrunk", 0, 0.8},
		{"unpopular neutral", 0, 1},
		{"popular neutral", 1, 1},
		{"popular grown", 1, 1.2},
		{"out of range popularity", 7, 1.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := buildingSize(tt.popularity, tt.variation, cfg)
			if w < cfg.BaseWidth || w > cfg.MaxWidth {
				t.Errorf("width %v out of bounds", w)
			}
			if h < cfg.BaseHeight || h > cfg.MaxHeight {
				t.Errorf("height %v out of bounds", h)
			}
		})
	}

	// Popularity 1 with neutral variation: width 22.5, height 25*(1+ln 10).
	w, h := buildingSize(1, 1, cfg)
	if math.Abs(w-22.5) > 1e-9 {
		t.Errorf("expected width 22.5, got %v", w)
	}
	if want := 25 * (1 + math.Log(10)); math.Abs(h-want) > 1e-9 {
		t.Errorf("expected height %v, got %v", want, h)
	}
}
