// Package procedural lays out the buildings of a chunk from its coordinates,
// the world config and a candidate source. Generation performs no I/O.
package procedural

import (
	"math"

	"github.com/semanticcity/server/internal/noise"
	"github.com/semanticcity/server/internal/world"
)

// CandidateSource selects the occupant of a single building cell.
// Implementations must be deterministic for a given chunk and cell.
type CandidateSource interface {
	Pick(coord world.ChunkCoord, gridX, gridZ int, cfg world.Config) world.Candidate
}

// Generate builds the record for coord. Road cells are skipped, so the result
// always holds cfg.BuildingsPerChunk() buildings.
func Generate(coord world.ChunkCoord, cfg world.Config, source CandidateSource) *world.ChunkRecord {
	if source == nil {
		source = FallbackSource{}
	}

	chunkSeed := int32(noise.HashCoords(coord.X, coord.Z, cfg.Seed))
	buildings := make([]world.Building, 0, cfg.BuildingsPerChunk())

	for gx := 0; gx < cfg.GridSize; gx++ {
		for gz := 0; gz < cfg.GridSize; gz++ {
			if cfg.IsRoad(gx, gz) {
				continue
			}

			baseX, baseZ := world.CellCenter(coord, gx, gz, cfg)
			dx, dz := noise.Offset(baseX, baseZ, chunkSeed, cfg.NoiseScale, cfg.MaxPositionOffset)

			candidate := source.Pick(coord, gx, gz, cfg)
			variation := noise.SizeVariation(baseX, baseZ, chunkSeed, cfg.SizeVariation)
			width, height := buildingSize(candidate.Popularity, variation, cfg)

			buildings = append(buildings, world.Building{
				URL:    candidate.URL,
				GridX:  gx,
				GridZ:  gz,
				WorldX: baseX + dx,
				WorldZ: baseZ + dz,
				Width:  width,
				Height: height,
			})
		}
	}

	return &world.ChunkRecord{
		ChunkX:            coord.X,
		ChunkZ:            coord.Z,
		GenerationVersion: cfg.Version,
		Buildings:         buildings,
	}
}

// buildingSize scales width linearly and height logarithmically with popularity.
func buildingSize(popularity, variation float64, cfg world.Config) (float64, float64) {
	popularity = math.Max(0, math.Min(1, popularity))
	width := cfg.BaseWidth * (1 + 0.5*popularity) * variation
	height := cfg.BaseHeight * (1 + math.Log1p(9*popularity)) * variation
	return clamp(width, cfg.BaseWidth, cfg.MaxWidth), clamp(height, cfg.BaseHeight, cfg.MaxHeight)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
