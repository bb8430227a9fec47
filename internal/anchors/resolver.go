// Package anchors turns already-generated neighbor chunks into a semantic
// candidate pool for a new chunk.
package anchors

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/semanticcity/server/internal/embeddings"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/noise"
	"github.com/semanticcity/server/internal/performance"
	"github.com/semanticcity/server/internal/world"
)

// ErrMetadataUnavailable marks an empty or failing embedding or metadata store.
// The resolver logs it and degrades; it is never returned to callers.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// ChunkReader gives read-only access to cached chunks. It must not trigger generation.
type ChunkReader interface {
	Peek(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error)
}

// MetadataSource supplies URLs when no embedding anchors are usable.
type MetadataSource interface {
	// RandomKnownURL picks a known URL. The same seed must return the same URL
	// for an unchanged store.
	RandomKnownURL(ctx context.Context, seed uint32) (string, error)
	// FirstKnown returns up to n known URLs in a stable order.
	FirstKnown(ctx context.Context, n int) ([]world.Candidate, error)
}

// Resolver builds candidate pools from neighbor anchors and k-NN search.
type Resolver struct {
	chunks   ChunkReader
	index    embeddings.Index
	meta     MetadataSource
	cfg      world.Config
	logger   *logrus.Entry
	profiler *performance.Profiler
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Resolver) { r.logger = logging.Component(l, "anchors") }
}

// WithProfiler records fan-out and k-NN timings.
func WithProfiler(p *performance.Profiler) Option {
	return func(r *Resolver) { r.profiler = p }
}

// NewResolver wires a resolver. index and meta may be nil, in which case the
// resolver always degrades to the generator's built-in fallback list.
func NewResolver(chunks ChunkReader, index embeddings.Index, meta MetadataSource, cfg world.Config, opts ...Option) *Resolver {
	r := &Resolver{
		chunks: chunks,
		index:  index,
		meta:   meta,
		cfg:    cfg,
		logger: logging.Component(nil, "anchors"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveCandidates returns the candidate pool for coord. Only context
// cancellation is reported as an error; every other failure degrades to a
// fallback list, which may be empty.
func (r *Resolver) ResolveCandidates(ctx context.Context, coord world.ChunkCoord) ([]world.Candidate, error) {
	anchors, err := r.collectAnchors(ctx, coord)
	if err != nil {
		return nil, err
	}

	var pool []world.Candidate
	if len(anchors) > 0 {
		pool, err = r.expand(ctx, anchors)
	} else {
		r.profiler.Incr(performance.CounterFrontierChunk)
		pool, err = r.frontier(ctx, coord)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil || len(pool) == 0 {
		r.logger.WithFields(logrus.Fields{
			"chunk_id": coord.String(),
			"anchors":  len(anchors),
		}).WithError(err).Warn("Semantic candidates unavailable, using fallback list")
		return r.fallback(ctx, anchors)
	}
	return pool, nil
}

// collectAnchors reads all 8 neighbors concurrently and concatenates their
// URLs in neighbor order, capped at MaxAnchorsPerChunk.
func (r *Resolver) collectAnchors(ctx context.Context, coord world.ChunkCoord) ([]string, error) {
	defer r.profiler.Start(performance.OpAnchorFanout).End()

	neighbors := world.Neighbors(coord)
	records := make([]*world.ChunkRecord, len(neighbors))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range neighbors {
		g.Go(func() error {
			rec, err := r.chunks.Peek(gctx, n)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// An unreadable neighbor only loses its anchors.
				r.logger.WithField("chunk_id", n.String()).WithError(err).Debug("Neighbor lookup failed")
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var anchors []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		if rec == nil {
			continue
		}
		for _, b := range rec.Buildings {
			if len(anchors) >= r.cfg.MaxAnchorsPerChunk {
				return anchors, nil
			}
			if _, dup := seen[b.URL]; dup {
				continue
			}
			seen[b.URL] = struct{}{}
			anchors = append(anchors, b.URL)
		}
	}
	return anchors, nil
}

// expand runs one k-NN query per leading anchor and unions the results in anchor order.
func (r *Resolver) expand(ctx context.Context, anchors []string) ([]world.Candidate, error) {
	if r.index == nil {
		return nil, fmt.Errorf("%w: no embedding index", ErrMetadataUnavailable)
	}

	queryAnchors := anchors
	if len(queryAnchors) > r.cfg.MaxKNNAnchors {
		queryAnchors = queryAnchors[:r.cfg.MaxKNNAnchors]
	}

	results := make([][]embeddings.Neighbor, len(queryAnchors))
	errs := make([]error, len(queryAnchors))

	g, gctx := errgroup.WithContext(ctx)
	for i, anchor := range queryAnchors {
		g.Go(func() error {
			results[i], errs[i] = r.nearest(gctx, anchor, r.cfg.NeighborsPerAnchor)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pool candidateSet
	found := 0
	for i, res := range results {
		if errs[i] != nil {
			r.logger.WithField("anchor", queryAnchors[i]).WithError(errs[i]).Debug("Anchor k-NN skipped")
			continue
		}
		found++
		for _, n := range res {
			pool.add(world.Candidate{URL: n.URL, Popularity: n.Popularity})
		}
	}
	if found == 0 {
		return nil, fmt.Errorf("%w: no anchor has an embedding", ErrMetadataUnavailable)
	}

	if pool.size() < r.cfg.MinCandidatePool {
		for _, a := range anchors {
			pool.add(world.Candidate{URL: a, Popularity: r.index.Popularity(a)})
		}
	}
	return pool.items, nil
}

// frontier seeds a chunk with no generated neighbors from a reproducible random anchor.
func (r *Resolver) frontier(ctx context.Context, coord world.ChunkCoord) ([]world.Candidate, error) {
	if r.meta == nil || r.index == nil {
		return nil, fmt.Errorf("%w: no metadata source", ErrMetadataUnavailable)
	}

	seed := noise.HashCoords(coord.X, coord.Z, r.cfg.Seed)
	anchor, err := r.meta.RandomKnownURL(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}

	res, err := r.nearest(ctx, anchor, r.cfg.BuildingsPerChunk())
	if err != nil {
		return nil, err
	}

	var pool candidateSet
	pool.add(world.Candidate{URL: anchor, Popularity: r.index.Popularity(anchor)})
	for _, n := range res {
		pool.add(world.Candidate{URL: n.URL, Popularity: n.Popularity})
	}
	return pool.items, nil
}

func (r *Resolver) nearest(ctx context.Context, anchor string, k int) ([]embeddings.Neighbor, error) {
	defer r.profiler.Start(performance.OpKNNSearch).End()

	vec, ok, err := r.index.Lookup(ctx, anchor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no embedding for %s", ErrMetadataUnavailable, anchor)
	}
	res, err := r.index.Search(ctx, vec, k, anchor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}
	return res, nil
}

// fallback returns the first known URLs followed by any anchors. The result
// is empty only when nothing at all is known.
func (r *Resolver) fallback(ctx context.Context, anchors []string) ([]world.Candidate, error) {
	r.profiler.Incr(performance.CounterFallbackPool)

	var pool candidateSet
	if r.meta != nil {
		known, err := r.meta.FirstKnown(ctx, r.cfg.BuildingsPerChunk())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.WithError(err).Warn("Fallback metadata lookup failed")
		}
		for _, c := range known {
			pool.add(c)
		}
	}
	for _, a := range anchors {
		pool.add(world.Candidate{URL: a, Popularity: r.popularity(a)})
	}
	return pool.items, nil
}

func (r *Resolver) popularity(url string) float64 {
	if r.index == nil {
		return 0
	}
	return r.index.Popularity(url)
}

// candidateSet is an insertion-ordered set of candidates keyed by URL.
type candidateSet struct {
	items []world.Candidate
	seen  map[string]struct{}
}

func (s *candidateSet) add(c world.Candidate) {
	if c.URL == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, dup := s.seen[c.URL]; dup {
		return
	}
	s.seen[c.URL] = struct{}{}
	s.items = append(s.items, c)
}

func (s *candidateSet) size() int {
	return len(s.items)
}
