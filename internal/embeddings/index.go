// Package embeddings holds website embedding vectors and answers
// nearest-neighbor queries by cosine similarity.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/world"
)

var (
	// ErrIndexClosed is returned by queries after Close.
	ErrIndexClosed = errors.New("embedding index closed")
	// ErrEmptyIndex is returned when the source yielded no usable vectors.
	ErrEmptyIndex = errors.New("embedding index is empty")
)

// Entry is one website vector as delivered by a Source.
type Entry struct {
	URL        string
	Vector     []float32
	Popularity float64
}

// Neighbor is a single k-NN result.
type Neighbor struct {
	URL        string  `json:"url"`
	Similarity float64 `json:"similarity"`
	Popularity float64 `json:"popularity"`
}

// Source supplies the full embedding set for index population.
type Source interface {
	ListAllEmbeddings(ctx context.Context) ([]Entry, error)
}

// Index is the nearest-neighbor contract used by anchor resolution.
// Results are ordered by similarity descending, then URL ascending.
type Index interface {
	Lookup(ctx context.Context, url string) ([]float32, bool, error)
	Search(ctx context.Context, vector []float32, k int, excludeURL string) ([]Neighbor, error)
	Popularity(url string) float64
	Len() int
}

// BruteForceIndex scans every resident vector per query. It loads lazily from
// its source on first use and is read-only once loaded. A failed load leaves the
// index empty so the next access tries again.
type BruteForceIndex struct {
	source Source
	logger *logrus.Entry

	mu         sync.RWMutex
	loaded     bool
	closed     bool
	dim        int
	urls       []string
	vectors    [][]float32
	popularity []float64
	byURL      map[string]int
}

// NewBruteForceIndex creates an index over source. The logger may be nil.
func NewBruteForceIndex(source Source, logger logrus.FieldLogger) *BruteForceIndex {
	return &BruteForceIndex{
		source: source,
		logger: logging.Component(logger, "embeddings"),
	}
}

// Open loads the index eagerly. Calling it is optional.
func (idx *BruteForceIndex) Open(ctx context.Context) error {
	return idx.ensureLoaded(ctx)
}

// Close releases resident vectors. Subsequent queries return ErrIndexClosed.
func (idx *BruteForceIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.loaded = false
	idx.urls, idx.vectors, idx.popularity, idx.byURL = nil, nil, nil, nil
	return nil
}

func (idx *BruteForceIndex) ensureLoaded(ctx context.Context) error {
	idx.mu.RLock()
	loaded, closed := idx.loaded, idx.closed
	idx.mu.RUnlock()
	if closed {
		return ErrIndexClosed
	}
	if loaded {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return ErrIndexClosed
	}
	if idx.loaded {
		return nil
	}

	entries, err := idx.source.ListAllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}

	byURL := make(map[string]int, len(entries))
	urls := make([]string, 0, len(entries))
	vectors := make([][]float32, 0, len(entries))
	popularity := make([]float64, 0, len(entries))
	dim := 0
	skipped := 0

	for _, e := range entries {
		if e.URL == "" || len(e.Vector) == 0 {
			skipped++
			continue
		}
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) != dim {
			skipped++
			continue
		}
		v, ok := Normalize(e.Vector)
		if !ok {
			skipped++
			continue
		}
		if _, dup := byURL[e.URL]; dup {
			skipped++
			continue
		}
		byURL[e.URL] = len(urls)
		urls = append(urls, e.URL)
		vectors = append(vectors, v)
		popularity = append(popularity, clampUnit(e.Popularity))
	}

	if len(urls) == 0 {
		return ErrEmptyIndex
	}

	idx.dim = dim
	idx.urls, idx.vectors, idx.popularity, idx.byURL = urls, vectors, popularity, byURL
	idx.loaded = true

	idx.logger.WithFields(logrus.Fields{
		"vectors":   len(urls),
		"dimension": dim,
		"skipped":   skipped,
	}).Info("Embedding index loaded")
	return nil
}

// Lookup returns the normalized vector for url.
func (idx *BruteForceIndex) Lookup(ctx context.Context, url string) ([]float32, bool, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, false, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i, ok := idx.byURL[url]
	if !ok {
		return nil, false, nil
	}
	return idx.vectors[i], true, nil
}

// Search returns the k vectors most similar to vector, skipping excludeURL.
func (idx *BruteForceIndex) Search(ctx context.Context, vector []float32, k int, excludeURL string) ([]Neighbor, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	query, ok := Normalize(vector)
	if !ok {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), idx.dim)
	}

	results := make([]Neighbor, 0, len(idx.urls))
	for i, v := range idx.vectors {
		if idx.urls[i] == excludeURL {
			continue
		}
		results = append(results, Neighbor{
			URL:        idx.urls[i],
			Similarity: dot(query, v),
			Popularity: idx.popularity[i],
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Similarity != results[b].Similarity {
			return results[a].Similarity > results[b].Similarity
		}
		return results[a].URL < results[b].URL
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Popularity returns the stored popularity of url, or 0 when unknown or not yet loaded.
func (idx *BruteForceIndex) Popularity(url string) float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if i, ok := idx.byURL[url]; ok {
		return idx.popularity[i]
	}
	return 0
}

// Len returns the number of resident vectors.
func (idx *BruteForceIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.urls)
}

// Candidates returns every resident URL with its popularity, sorted by URL.
func (idx *BruteForceIndex) Candidates(ctx context.Context) ([]world.Candidate, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	out := make([]world.Candidate, len(idx.urls))
	for i, u := range idx.urls {
		out[i] = world.Candidate{URL: u, Popularity: idx.popularity[i]}
	}
	idx.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].URL < out[b].URL })
	return out, nil
}

// Dimension returns the vector dimension, or 0 before loading.
func (idx *BruteForceIndex) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Normalize returns a unit-length copy of v. ok is false for zero or non-finite vectors.
func Normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
