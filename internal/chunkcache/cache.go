// Package chunkcache owns the read-before-generate / write-after-generate
// protocol for chunk records and coalesces concurrent misses per chunk.
package chunkcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/performance"
	"github.com/semanticcity/server/internal/procedural"
	"github.com/semanticcity/server/internal/world"
)

var (
	// ErrGenerationFailure means generation produced an unusable record. Nothing is stored.
	ErrGenerationFailure = errors.New("chunk generation failed")
	// ErrStoreUnavailable wraps store I/O failures. Callers may retry.
	ErrStoreUnavailable = errors.New("chunk store unavailable")
	// ErrUnsupported is returned when the store lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by chunk store")
)

// Store persists chunk records keyed by coordinate.
// GetChunk returns (nil, nil) when the chunk is absent. PutChunk must be an
// idempotent upsert.
type Store interface {
	GetChunk(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error)
	PutChunk(ctx context.Context, record *world.ChunkRecord) error
}

// Deleter is implemented by stores that can drop single chunks.
type Deleter interface {
	DeleteChunk(ctx context.Context, coord world.ChunkCoord) (bool, error)
}

// Pruner is implemented by stores that can purge records of older versions.
type Pruner interface {
	DeleteOutdated(ctx context.Context, currentVersion int) (int64, error)
}

// Counter is implemented by stores that can count their records.
type Counter interface {
	CountChunks(ctx context.Context) (int64, error)
}

// CandidateResolver produces the candidate pool for a chunk about to be generated.
type CandidateResolver interface {
	ResolveCandidates(ctx context.Context, coord world.ChunkCoord) ([]world.Candidate, error)
}

// Result is a chunk plus whether it came from the store.
type Result struct {
	Record *world.ChunkRecord
	Hit    bool
}

// Cache serves chunks from a Store and generates missing ones exactly once
// per key among concurrent callers.
type Cache struct {
	store    Store
	resolver CandidateResolver
	cfg      world.Config
	version  atomic.Int64

	group       singleflight.Group
	generations atomic.Int64

	logger   *logrus.Entry
	profiler *performance.Profiler
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logging.Component(l, "chunkcache") }
}

// WithProfiler records lookup and generation timings and hit/miss counters.
func WithProfiler(p *performance.Profiler) Option {
	return func(c *Cache) { c.profiler = p }
}

// New creates a cache. resolver may be nil, in which case chunks are filled
// from the built-in fallback list.
func New(store Store, resolver CandidateResolver, cfg world.Config, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logging.Component(nil, "chunkcache"),
	}
	c.version.Store(int64(cfg.Version))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetResolver installs the candidate resolver. The resolver usually reads
// neighbors through this cache, so it is attached after construction and
// before the cache serves requests.
func (c *Cache) SetResolver(r CandidateResolver) {
	c.resolver = r
}

// Version returns the generation version records must carry to count as hits.
func (c *Cache) Version() int {
	return int(c.version.Load())
}

// SetVersion changes the current generation version. Records of other
// versions become misses and are regenerated on next access.
func (c *Cache) SetVersion(v int) {
	c.version.Store(int64(v))
}

// Config returns the world config with the current version applied.
func (c *Cache) Config() world.Config {
	cfg := c.cfg
	cfg.Version = c.Version()
	return cfg
}

// Generations returns how many chunks this cache has generated.
func (c *Cache) Generations() int64 {
	return c.generations.Load()
}

// Peek returns the stored record for coord when it is current, or nil.
// It never generates.
func (c *Cache) Peek(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error) {
	rec, err := c.lookup(ctx, coord)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.GenerationVersion != c.Version() {
		return nil, nil
	}
	return rec, nil
}

type flight struct {
	record    *world.ChunkRecord
	generated bool
}

// GetOrGenerate returns the current record for coord, generating and storing
// it on a miss. Concurrent misses for one coord share a single generation.
func (c *Cache) GetOrGenerate(ctx context.Context, coord world.ChunkCoord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	rec, err := c.Peek(ctx, coord)
	if err != nil {
		return Result{}, err
	}
	if rec != nil {
		c.profiler.Incr(performance.CounterCacheHit)
		return Result{Record: rec, Hit: true}, nil
	}

	key := fmt.Sprintf("%s@%d", coord, c.Version())
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// The flight outlives any single caller.
		fctx := context.WithoutCancel(ctx)

		// Another process may have written the chunk since the first read.
		if rec, err := c.Peek(fctx, coord); err != nil {
			return nil, err
		} else if rec != nil {
			return flight{record: rec}, nil
		}

		rec, err := c.generate(fctx, coord)
		if err != nil {
			return nil, err
		}
		return flight{record: rec, generated: true}, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		if res.Shared {
			c.profiler.Incr(performance.CounterCoalesced)
		}
		f := res.Val.(flight)
		if f.generated {
			c.profiler.Incr(performance.CounterCacheMiss)
		} else {
			c.profiler.Incr(performance.CounterCacheHit)
		}
		return Result{Record: f.record, Hit: !f.generated}, nil
	}
}

func (c *Cache) generate(ctx context.Context, coord world.ChunkCoord) (rec *world.ChunkRecord, err error) {
	cfg := c.Config()
	log := c.logger.WithField("chunk_id", coord.String())

	var pool []world.Candidate
	if c.resolver != nil {
		pool, err = c.resolver.ResolveCandidates(ctx, coord)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving candidates for %s: %v", ErrGenerationFailure, coord, err)
		}
	}

	op := c.profiler.Start(performance.OpChunkGeneration)
	rec, err = c.safeGenerate(coord, cfg, pool)
	op.End()
	if err != nil {
		log.WithError(err).Error("Chunk generation failed")
		return nil, err
	}
	c.generations.Add(1)

	storeOp := c.profiler.Start(performance.OpChunkStore)
	err = c.store.PutChunk(ctx, rec)
	storeOp.End()
	if err != nil {
		return nil, fmt.Errorf("%w: storing chunk %s: %v", ErrStoreUnavailable, coord, err)
	}

	log.WithFields(logrus.Fields{
		"candidates": len(pool),
		"version":    rec.GenerationVersion,
	}).Debug("Chunk generated")
	return rec, nil
}

// safeGenerate converts panics and invariant violations into ErrGenerationFailure.
func (c *Cache) safeGenerate(coord world.ChunkCoord, cfg world.Config, pool []world.Candidate) (rec *world.ChunkRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			rec = nil
			err = fmt.Errorf("%w: chunk %s: panic: %v", ErrGenerationFailure, coord, p)
		}
	}()

	rec = procedural.Generate(coord, cfg, procedural.NewPoolSource(pool))
	if verr := rec.CheckInvariants(cfg); verr != nil {
		return nil, fmt.Errorf("%w: chunk %s: %v", ErrGenerationFailure, coord, verr)
	}
	return rec, nil
}

func (c *Cache) lookup(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error) {
	defer c.profiler.Start(performance.OpChunkLookup).End()
	rec, err := c.store.GetChunk(ctx, coord)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: reading chunk %s: %v", ErrStoreUnavailable, coord, err)
	}
	return rec, nil
}

// Delete removes a stored chunk so the next request regenerates it.
func (c *Cache) Delete(ctx context.Context, coord world.ChunkCoord) (bool, error) {
	d, ok := c.store.(Deleter)
	if !ok {
		return false, ErrUnsupported
	}
	deleted, err := d.DeleteChunk(ctx, coord)
	if err != nil {
		return false, fmt.Errorf("%w: deleting chunk %s: %v", ErrStoreUnavailable, coord, err)
	}
	return deleted, nil
}

// PurgeOutdated removes records whose version differs from the current one.
func (c *Cache) PurgeOutdated(ctx context.Context) (int64, error) {
	p, ok := c.store.(Pruner)
	if !ok {
		return 0, ErrUnsupported
	}
	n, err := p.DeleteOutdated(ctx, c.Version())
	if err != nil {
		return 0, fmt.Errorf("%w: purging outdated chunks: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Count returns the number of stored records.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	counter, ok := c.store.(Counter)
	if !ok {
		return 0, ErrUnsupported
	}
	n, err := counter.CountChunks(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: counting chunks: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
