package procedural

import (
	"fmt"

	"github.com/semanticcity/server/internal/noise"
	"github.com/semanticcity/server/internal/world"
)

// fallbackSites keeps generation total when no candidate pool is available.
// Order is part of the world format: appending is safe, reordering is not.
var fallbackSites = []world.Candidate{
	{URL: "google.com", Popularity: 1.0},
	{URL: "youtube.com", Popularity: 0.98},
	{URL: "wikipedia.org", Popularity: 0.95},
	{URL: "github.com", Popularity: 0.9},
	{URL: "reddit.com", Popularity: 0.9},
	{URL: "amazon.com", Popularity: 0.92},
	{URL: "stackoverflow.com", Popularity: 0.85},
	{URL: "nytimes.com", Popularity: 0.8},
	{URL: "bbc.co.uk", Popularity: 0.8},
	{URL: "archive.org", Popularity: 0.7},
	{URL: "mozilla.org", Popularity: 0.65},
	{URL: "python.org", Popularity: 0.6},
	{URL: "go.dev", Popularity: 0.55},
	{URL: "rust-lang.org", Popularity: 0.5},
	{URL: "openstreetmap.org", Popularity: 0.5},
	{URL: "arxiv.org", Popularity: 0.5},
	{URL: "craigslist.org", Popularity: 0.6},
	{URL: "imdb.com", Popularity: 0.75},
	{URL: "weather.com", Popularity: 0.7},
	{URL: "nasa.gov", Popularity: 0.6},
	{URL: "gutenberg.org", Popularity: 0.4},
	{URL: "w3.org", Popularity: 0.45},
	{URL: "xkcd.com", Popularity: 0.35},
	{URL: "news.ycombinator.com", Popularity: 0.55},
}

// FallbackSites returns a copy of the built-in fallback list.
func FallbackSites() []world.Candidate {
	out := make([]world.Candidate, len(fallbackSites))
	copy(out, fallbackSites)
	return out
}

// FallbackSource hashes the cell address into the built-in site list. It never fails.
type FallbackSource struct{}

// Pick implements CandidateSource.
func (FallbackSource) Pick(coord world.ChunkCoord, gridX, gridZ int, cfg world.Config) world.Candidate {
	key := fmt.Sprintf("%d,%d,%d,%d", coord.X, coord.Z, gridX, gridZ)
	idx := noise.HashString(key, uint32(cfg.Seed)) % uint32(len(fallbackSites))
	return fallbackSites[idx]
}

// PoolSource draws occupants from a resolved candidate pool. Each cell starts
// at a hashed index and probes forward past URLs already placed in the chunk,
// so a pool with enough entries never repeats a site within one chunk.
//
// A PoolSource carries per-chunk state: create one per Generate call.
type PoolSource struct {
	pool     []world.Candidate
	used     map[string]struct{}
	fallback FallbackSource
}

// NewPoolSource returns a source over pool. An empty pool defers to FallbackSource.
func NewPoolSource(pool []world.Candidate) *PoolSource {
	return &PoolSource{
		pool: pool,
		used: make(map[string]struct{}, len(pool)),
	}
}

// Pick implements CandidateSource.
func (s *PoolSource) Pick(coord world.ChunkCoord, gridX, gridZ int, cfg world.Config) world.Candidate {
	if len(s.pool) == 0 {
		return s.fallback.Pick(coord, gridX, gridZ, cfg)
	}

	n := uint32(len(s.pool))
	start := noise.HashCoords(coord.X*cfg.GridSize+gridX, coord.Z*cfg.GridSize+gridZ, cfg.Seed) % n

	for i := uint32(0); i < n; i++ {
		c := s.pool[(start+i)%n]
		if _, taken := s.used[c.URL]; !taken {
			s.used[c.URL] = struct{}{}
			return c
		}
	}

	// Pool exhausted: repeats are allowed.
	return s.pool[start]
}
