package world

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCoordinate is returned for malformed or non-integer chunk coordinates.
var ErrInvalidCoordinate = errors.New("invalid chunk coordinate")

// Config holds the immutable world generation parameters.
// Identical config and identical coordinates must always produce identical chunks.
type Config struct {
	Seed    int32 `yaml:"seed" json:"seed"`
	Version int   `yaml:"version" json:"version" validate:"gte=1"`

	GridSize int     `yaml:"grid_size" json:"grid_size" validate:"gte=3"`
	CellSize float64 `yaml:"cell_size" json:"cell_size" validate:"gt=0"`

	BaseWidth  float64 `yaml:"base_width" json:"base_width" validate:"gt=0"`
	MaxWidth   float64 `yaml:"max_width" json:"max_width" validate:"gtefield=BaseWidth"`
	BaseHeight float64 `yaml:"base_height" json:"base_height" validate:"gt=0"`
	MaxHeight  float64 `yaml:"max_height" json:"max_height" validate:"gtefield=BaseHeight"`

	NoiseScale        float64 `yaml:"noise_scale" json:"noise_scale" validate:"gt=0"`
	MaxPositionOffset float64 `yaml:"max_position_offset" json:"max_position_offset" validate:"gte=0"`
	SizeVariation     float64 `yaml:"size_variation" json:"size_variation" validate:"gte=0,lt=1"`

	MaxAnchorsPerChunk int `yaml:"max_anchors_per_chunk" json:"max_anchors_per_chunk" validate:"gte=1"`
	MaxKNNAnchors      int `yaml:"max_knn_anchors" json:"max_knn_anchors" validate:"gte=1"`
	NeighborsPerAnchor int `yaml:"neighbors_per_anchor" json:"neighbors_per_anchor" validate:"gte=1"`
	MinCandidatePool   int `yaml:"min_candidate_pool" json:"min_candidate_pool" validate:"gte=0"`

	ChunkLoadRadius int `yaml:"chunk_load_radius" json:"chunk_load_radius" validate:"gte=0"`
}

// DefaultConfig returns the canonical 5x5 cross-road world.
func DefaultConfig() Config {
	return Config{
		Seed:               42,
		Version:            1,
		GridSize:           5,
		CellSize:           30,
		BaseWidth:          15,
		MaxWidth:           28,
		BaseHeight:         25,
		MaxHeight:          120,
		NoiseScale:         0.05,
		MaxPositionOffset:  8,
		SizeVariation:      0.2,
		MaxAnchorsPerChunk: 50,
		MaxKNNAnchors:      5,
		NeighborsPerAnchor: 10,
		MinCandidatePool:   20,
		ChunkLoadRadius:    1,
	}
}

// Validate checks field bounds and the cross-field size rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("world config: %w", err)
	}
	if c.GridSize%2 == 0 {
		return fmt.Errorf("world config: grid_size must be odd to center the road cross, got %d", c.GridSize)
	}
	if c.MaxPositionOffset*2 > c.CellSize {
		return fmt.Errorf("world config: max_position_offset %.2f exceeds half the cell size %.2f", c.MaxPositionOffset, c.CellSize)
	}
	return nil
}

// ChunkSize is the side length of a chunk in world units.
func (c Config) ChunkSize() float64 {
	return float64(c.GridSize) * c.CellSize
}

// RoadIndex is the grid index of the road row and column.
func (c Config) RoadIndex() int {
	return c.GridSize / 2
}

// IsRoad reports whether a cell belongs to the road cross.
func (c Config) IsRoad(gridX, gridZ int) bool {
	road := c.RoadIndex()
	return gridX == road || gridZ == road
}

// BuildingsPerChunk is the number of non-road cells in a chunk.
func (c Config) BuildingsPerChunk() int {
	return c.GridSize*c.GridSize - (2*c.GridSize - 1)
}

// Building is a single website placed in a chunk cell.
type Building struct {
	URL    string  `json:"url"`
	GridX  int     `json:"gridX"`
	GridZ  int     `json:"gridZ"`
	WorldX float64 `json:"worldX"`
	WorldZ float64 `json:"worldZ"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ChunkRecord is the immutable result of generating one chunk.
type ChunkRecord struct {
	ChunkX            int        `json:"chunkX"`
	ChunkZ            int        `json:"chunkZ"`
	GenerationVersion int        `json:"generationVersion"`
	Buildings         []Building `json:"buildings"`
}

// Coord returns the record's chunk coordinate.
func (r *ChunkRecord) Coord() ChunkCoord {
	return ChunkCoord{X: r.ChunkX, Z: r.ChunkZ}
}

// URLs returns the building URLs in placement order.
func (r *ChunkRecord) URLs() []string {
	urls := make([]string, 0, len(r.Buildings))
	for _, b := range r.Buildings {
		urls = append(urls, b.URL)
	}
	return urls
}

// CheckInvariants verifies building count, road cells, placement and size bounds.
func (r *ChunkRecord) CheckInvariants(cfg Config) error {
	if len(r.Buildings) != cfg.BuildingsPerChunk() {
		return fmt.Errorf("chunk %d_%d has %d buildings, expected %d", r.ChunkX, r.ChunkZ, len(r.Buildings), cfg.BuildingsPerChunk())
	}
	coord := r.Coord()
	for i, b := range r.Buildings {
		if b.GridX < 0 || b.GridX >= cfg.GridSize || b.GridZ < 0 || b.GridZ >= cfg.GridSize {
			return fmt.Errorf("building %d grid (%d,%d) out of range", i, b.GridX, b.GridZ)
		}
		if cfg.IsRoad(b.GridX, b.GridZ) {
			return fmt.Errorf("building %d occupies road cell (%d,%d)", i, b.GridX, b.GridZ)
		}
		if b.URL == "" {
			return fmt.Errorf("building %d has empty url", i)
		}
		cx, cz := CellCenter(coord, b.GridX, b.GridZ, cfg)
		const eps = 1e-9
		if math.Abs(b.WorldX-cx) > cfg.MaxPositionOffset+eps || math.Abs(b.WorldZ-cz) > cfg.MaxPositionOffset+eps {
			return fmt.Errorf("building %d at (%.3f,%.3f) drifts beyond cell center (%.3f,%.3f)", i, b.WorldX, b.WorldZ, cx, cz)
		}
		if b.Width < cfg.BaseWidth || b.Width > cfg.MaxWidth {
			return fmt.Errorf("building %d width %.3f outside [%.1f, %.1f]", i, b.Width, cfg.BaseWidth, cfg.MaxWidth)
		}
		if b.Height < cfg.BaseHeight || b.Height > cfg.MaxHeight {
			return fmt.Errorf("building %d height %.3f outside [%.1f, %.1f]", i, b.Height, cfg.BaseHeight, cfg.MaxHeight)
		}
	}
	return nil
}

// Website is a scraped site with its semantic embedding.
type Website struct {
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Popularity  float64   `json:"popularity"`
}

// Candidate is a URL eligible to occupy a building cell.
type Candidate struct {
	URL        string
	Popularity float64
}
