package anchors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semanticcity/server/internal/embeddings"
	"github.com/semanticcity/server/internal/world"
)

type mapReader struct {
	mu      sync.Mutex
	records map[world.ChunkCoord]*world.ChunkRecord
	failing map[world.ChunkCoord]bool
}

func (m *mapReader) Peek(ctx context.Context, c world.ChunkCoord) (*world.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[c] {
		return nil, errors.New("disk on fire")
	}
	return m.records[c], nil
}

// barrierReader blocks every Peek until all expected callers have arrived.
type barrierReader struct {
	wg sync.WaitGroup
}

func (b *barrierReader) Peek(ctx context.Context, c world.ChunkCoord) (*world.ChunkRecord, error) {
	b.wg.Done()
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type staticMeta struct {
	urls []string
	err  error
}

func (s staticMeta) RandomKnownURL(ctx context.Context, seed uint32) (string, error) {
	if s.err != nil || len(s.urls) == 0 {
		return "", fmt.Errorf("%w: empty", ErrMetadataUnavailable)
	}
	return s.urls[seed%uint32(len(s.urls))], nil
}

func (s staticMeta) FirstKnown(ctx context.Context, n int) ([]world.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []world.Candidate
	for i := 0; i < n && i < len(s.urls); i++ {
		out = append(out, world.Candidate{URL: s.urls[i]})
	}
	return out, nil
}

func siteURL(i int) string {
	return fmt.Sprintf("site-%03d.example", i)
}

// circleIndex places n sites on a unit circle so neighbors by index are also
// neighbors by cosine similarity.
func circleIndex(n int) *embeddings.BruteForceIndex {
	entries := make(embeddings.StaticSource, n)
	for i := range entries {
		angle := float64(i) * 2 * math.Pi / float64(n)
		entries[i] = embeddings.Entry{
			URL:        siteURL(i),
			Vector:     []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0.1},
			Popularity: float64(i%10) / 10,
		}
	}
	return embeddings.NewBruteForceIndex(entries, nil)
}

func chunkWith(c world.ChunkCoord, urls ...string) *world.ChunkRecord {
	rec := &world.ChunkRecord{ChunkX: c.X, ChunkZ: c.Z, GenerationVersion: 1}
	for _, u := range urls {
		rec.Buildings = append(rec.Buildings, world.Building{URL: u})
	}
	return rec
}

func assertUnique(t *testing.T, pool []world.Candidate) {
	t.Helper()
	seen := make(map[string]bool)
	for _, c := range pool {
		if seen[c.URL] {
			t.Fatalf("duplicate candidate %q", c.URL)
		}
		seen[c.URL] = true
	}
}

func TestResolveFrontierChunkIsNonEmpty(t *testing.T) {
	cfg := world.DefaultConfig()
	idx := circleIndex(100)
	r := NewResolver(&mapReader{}, idx, NewListMetadata(idx), cfg)

	pool, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{X: 0, Z: 0})
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	if len(pool) != cfg.BuildingsPerChunk()+1 {
		t.Errorf("expected anchor plus %d neighbors, got %d", cfg.BuildingsPerChunk(), len(pool))
	}
	assertUnique(t, pool)

	again, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{X: 0, Z: 0})
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	for i := range pool {
		if pool[i] != again[i] {
			t.Fatalf("frontier pool not reproducible at %d: %v vs %v", i, pool[i], again[i])
		}
	}
}

func TestResolveWithAnchors(t *testing.T) {
	cfg := world.DefaultConfig()
	idx := circleIndex(100)
	center := world.ChunkCoord{X: 4, Z: 4}

	var anchorURLs []string
	for i := 50; i < 66; i++ {
		anchorURLs = append(anchorURLs, siteURL(i))
	}
	reader := &mapReader{records: map[world.ChunkCoord]*world.ChunkRecord{
		{X: 4, Z: 5}: chunkWith(world.ChunkCoord{X: 4, Z: 5}, anchorURLs...),
	}}

	r := NewResolver(reader, idx, NewListMetadata(idx), cfg)
	pool, err := r.ResolveCandidates(context.Background(), center)
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	assertUnique(t, pool)

	inPool := make(map[string]bool)
	for _, c := range pool {
		inPool[c.URL] = true
	}
	// Adjacent sites overlap heavily, so the k-NN union stays below the minimum
	// pool size and the anchors are appended.
	for _, a := range anchorURLs {
		if !inPool[a] {
			t.Errorf("anchor %s missing from small pool", a)
		}
	}
	if !inPool[siteURL(45)] {
		t.Errorf("expected k-NN neighbor %s in pool", siteURL(45))
	}
	if inPool[siteURL(10)] {
		t.Errorf("distant site %s should not be in pool", siteURL(10))
	}
}

func TestCollectAnchorsCapsAndOrders(t *testing.T) {
	cfg := world.DefaultConfig()
	center := world.ChunkCoord{}
	reader := &mapReader{records: map[world.ChunkCoord]*world.ChunkRecord{}}
	next := 0
	for _, n := range world.Neighbors(center) {
		var urls []string
		for i := 0; i < 16; i++ {
			urls = append(urls, siteURL(next))
			next++
		}
		reader.records[n] = chunkWith(n, urls...)
	}

	r := NewResolver(reader, nil, nil, cfg)
	anchors, err := r.collectAnchors(context.Background(), center)
	if err != nil {
		t.Fatalf("collectAnchors: %v", err)
	}
	if len(anchors) != cfg.MaxAnchorsPerChunk {
		t.Fatalf("expected %d anchors, got %d", cfg.MaxAnchorsPerChunk, len(anchors))
	}
	for i, a := range anchors {
		if a != siteURL(i) {
			t.Fatalf("anchor %d = %s, expected neighbor order %s", i, a, siteURL(i))
		}
	}
}

func TestCollectAnchorsRunsConcurrently(t *testing.T) {
	reader := &barrierReader{}
	reader.wg.Add(8)
	r := NewResolver(reader, nil, nil, world.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.collectAnchors(ctx, world.ChunkCoord{}); err != nil {
		t.Fatalf("neighbor lookups did not overlap: %v", err)
	}
}

// fanIndex answers every anchor with perAnchor distinct neighbors. When
// barrier is set, each Search waits until all expected callers are inside.
type fanIndex struct {
	perAnchor int
	barrier   *sync.WaitGroup
	calls     int32

	mu      sync.Mutex
	queried []string
}

func (f *fanIndex) Lookup(ctx context.Context, url string) ([]float32, bool, error) {
	return []float32{1, 0}, true, nil
}

func (f *fanIndex) Search(ctx context.Context, vector []float32, k int, excludeURL string) ([]embeddings.Neighbor, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.queried = append(f.queried, excludeURL)
	f.mu.Unlock()

	if f.barrier != nil {
		f.barrier.Done()
		done := make(chan struct{})
		go func() { f.barrier.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]embeddings.Neighbor, 0, f.perAnchor)
	for j := 0; j < f.perAnchor && j < k; j++ {
		out = append(out, embeddings.Neighbor{URL: fmt.Sprintf("%s-nn-%02d", excludeURL, j), Similarity: 1})
	}
	return out, nil
}

func (f *fanIndex) Popularity(url string) float64 { return 0.5 }
func (f *fanIndex) Len() int                      { return 1000 }

func anchorList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("anchor-%02d.example", i)
	}
	return out
}

func TestExpandQueriesLeadingAnchorsConcurrently(t *testing.T) {
	cfg := world.DefaultConfig()
	barrier := &sync.WaitGroup{}
	barrier.Add(cfg.MaxKNNAnchors)
	idx := &fanIndex{perAnchor: 2, barrier: barrier}
	r := NewResolver(&mapReader{}, idx, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	anchors := anchorList(8)
	if _, err := r.expand(ctx, anchors); err != nil {
		t.Fatalf("anchor queries did not overlap: %v", err)
	}

	if n := atomic.LoadInt32(&idx.calls); int(n) != cfg.MaxKNNAnchors {
		t.Fatalf("expected %d k-NN queries, got %d", cfg.MaxKNNAnchors, n)
	}
	queried := make(map[string]bool)
	for _, q := range idx.queried {
		queried[q] = true
	}
	for i, a := range anchors {
		if want := i < cfg.MaxKNNAnchors; queried[a] != want {
			t.Errorf("anchor %s queried=%v, want %v", a, queried[a], want)
		}
	}
}

func TestExpandPadsOnlySmallPools(t *testing.T) {
	cfg := world.DefaultConfig()
	anchors := anchorList(8)

	tests := []struct {
		name      string
		perAnchor int
		wantLen   int
		padded    bool
	}{
		{"large union skips anchors", cfg.NeighborsPerAnchor, cfg.MaxKNNAnchors * cfg.NeighborsPerAnchor, false},
		{"small union pads with anchors", 2, cfg.MaxKNNAnchors*2 + len(anchors), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&mapReader{}, &fanIndex{perAnchor: tt.perAnchor}, nil, cfg)
			pool, err := r.expand(context.Background(), anchors)
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			assertUnique(t, pool)
			if len(pool) != tt.wantLen {
				t.Fatalf("expected %d candidates, got %d", tt.wantLen, len(pool))
			}

			inPool := make(map[string]bool)
			for _, c := range pool {
				inPool[c.URL] = true
			}
			for _, a := range anchors {
				if inPool[a] != tt.padded {
					t.Errorf("anchor %s in pool = %v, want %v", a, inPool[a], tt.padded)
				}
			}
			// Union keeps anchor order.
			if want := anchors[0] + "-nn-00"; pool[0].URL != want {
				t.Errorf("expected pool to start with %s, got %s", want, pool[0].URL)
			}
		})
	}
}

func TestResolveIgnoresFailingNeighbor(t *testing.T) {
	cfg := world.DefaultConfig()
	idx := circleIndex(60)
	reader := &mapReader{
		records: map[world.ChunkCoord]*world.ChunkRecord{
			{X: 1, Z: 0}: chunkWith(world.ChunkCoord{X: 1, Z: 0}, siteURL(3), siteURL(4)),
		},
		failing: map[world.ChunkCoord]bool{{X: -1, Z: 0}: true},
	}
	r := NewResolver(reader, idx, NewListMetadata(idx), cfg)
	pool, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{})
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	if len(pool) == 0 {
		t.Fatal("expected candidates")
	}
}

func TestResolveDegradesToFirstKnown(t *testing.T) {
	cfg := world.DefaultConfig()
	meta := staticMeta{urls: []string{"a.example", "b.example", "c.example"}}

	tests := []struct {
		name  string
		index embeddings.Index
	}{
		{"no index", nil},
		{"empty index", embeddings.NewBruteForceIndex(embeddings.StaticSource(nil), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&mapReader{}, tt.index, meta, cfg)
			pool, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{X: 9, Z: 9})
			if err != nil {
				t.Fatalf("expected degradation, got error %v", err)
			}
			if len(pool) != 3 || pool[0].URL != "a.example" {
				t.Errorf("expected first-known fallback, got %+v", pool)
			}
		})
	}
}

func TestResolveMissingAnchorEmbeddings(t *testing.T) {
	cfg := world.DefaultConfig()
	idx := circleIndex(30)
	reader := &mapReader{records: map[world.ChunkCoord]*world.ChunkRecord{
		{X: 0, Z: 1}: chunkWith(world.ChunkCoord{X: 0, Z: 1}, "unknown-1.example", "unknown-2.example"),
	}}
	meta := staticMeta{urls: []string{"a.example"}}

	r := NewResolver(reader, idx, meta, cfg)
	pool, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{})
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	want := []string{"a.example", "unknown-1.example", "unknown-2.example"}
	if len(pool) != len(want) {
		t.Fatalf("expected %v, got %+v", want, pool)
	}
	for i, w := range want {
		if pool[i].URL != w {
			t.Errorf("pool[%d] = %s, expected %s", i, pool[i].URL, w)
		}
	}
}

func TestResolveNothingKnownIsEmptyNotError(t *testing.T) {
	r := NewResolver(&mapReader{}, nil, staticMeta{err: errors.New("offline")}, world.DefaultConfig())
	pool, err := r.ResolveCandidates(context.Background(), world.ChunkCoord{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(pool) != 0 {
		t.Errorf("expected empty pool, got %+v", pool)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	idx := circleIndex(10)
	r := NewResolver(&mapReader{}, idx, NewListMetadata(idx), world.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ResolveCandidates(ctx, world.ChunkCoord{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestListMetadata(t *testing.T) {
	idx := circleIndex(5)
	m := NewListMetadata(idx)
	ctx := context.Background()

	u1, err := m.RandomKnownURL(ctx, 7)
	if err != nil {
		t.Fatalf("RandomKnownURL: %v", err)
	}
	if u1 != siteURL(2) {
		t.Errorf("expected %s for seed 7, got %s", siteURL(2), u1)
	}
	first, err := m.FirstKnown(ctx, 3)
	if err != nil || len(first) != 3 || first[0].URL != siteURL(0) {
		t.Errorf("FirstKnown = %+v, %v", first, err)
	}
	all, _ := m.FirstKnown(ctx, 100)
	if len(all) != 5 {
		t.Errorf("expected FirstKnown to cap at 5, got %d", len(all))
	}
}
