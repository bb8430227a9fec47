package testutil

import (
	"fmt"
	"math"
	"time"

	"github.com/semanticcity/server/internal/noise"
	"github.com/semanticcity/server/internal/world"
)

// RandomString generates a random string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	g := noise.NewLCG(uint32(time.Now().UnixNano()))
	for i := range b {
		b[i] = charset[g.Intn(len(charset))]
	}
	return string(b)
}

// SiteURL returns the fixture URL for index i
func SiteURL(i int) string {
	return fmt.Sprintf("site-%03d.example", i)
}

// CircleWebsites returns n sites whose embeddings lie evenly around a unit
// circle, so a site's nearest neighbors are the sites with adjacent indices.
// Popularity cycles through 0.0..0.9.
func CircleWebsites(n int) []world.Website {
	sites := make([]world.Website, n)
	for i := range sites {
		angle := float64(i) * 2 * math.Pi / float64(n)
		sites[i] = world.Website{
			URL:         SiteURL(i),
			Title:       fmt.Sprintf("Site %d", i),
			Description: "fixture site",
			Embedding:   []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0.1},
			Popularity:  float64(i%10) / 10,
		}
	}
	return sites
}

// RandomWebsites returns n sites with reproducible pseudo-random embeddings of dimension dim
func RandomWebsites(n, dim int, seed uint32) []world.Website {
	g := noise.NewLCG(seed)
	sites := make([]world.Website, n)
	for i := range sites {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(g.Float64()*2 - 1)
		}
		sites[i] = world.Website{
			URL:        SiteURL(i),
			Embedding:  vec,
			Popularity: g.Float64(),
		}
	}
	return sites
}

// ChunkWith builds a minimal record for coord holding the given URLs
func ChunkWith(coord world.ChunkCoord, version int, urls ...string) *world.ChunkRecord {
	rec := &world.ChunkRecord{ChunkX: coord.X, ChunkZ: coord.Z, GenerationVersion: version}
	for i, u := range urls {
		rec.Buildings = append(rec.Buildings, world.Building{URL: u, GridX: i % 5, GridZ: i / 5})
	}
	return rec
}
