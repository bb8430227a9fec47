// Package streaming keeps the chunks around a moving viewer loaded. Each
// chunk request runs on its own goroutine and is retried on transient
// failures without affecting other chunks.
package streaming

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/world"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// LoadEvent reports the outcome of one chunk request.
type LoadEvent struct {
	Coord    world.ChunkCoord
	Record   *world.ChunkRecord
	Hit      bool
	Err      error
	Attempts int
}

// Manager tracks the loaded chunk set for a single viewer.
type Manager struct {
	loader       Loader
	cfg          world.Config
	radius       int
	maxRetries   int
	retryBackoff time.Duration
	evictRadius  int
	onLoad       func(LoadEvent)
	onEvict      func(world.ChunkCoord)
	logger       *logrus.Entry

	mu       sync.Mutex
	active   bool
	current  world.ChunkCoord
	loaded   map[world.ChunkCoord]*world.ChunkRecord
	inFlight map[world.ChunkCoord]struct{}
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithRadius overrides the load radius taken from the world config.
func WithRadius(r int) Option {
	return func(m *Manager) {
		if r >= 0 {
			m.radius = r
		}
	}
}

// WithMaxRetries sets how many times a retryable failure is retried per chunk.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the first retry delay. Each further retry doubles it.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.retryBackoff = d }
}

// WithEvictionRadius drops loaded chunks farther than n chunks (Chebyshev)
// from the current chunk. 0 keeps everything.
func WithEvictionRadius(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.evictRadius = n
		}
	}
}

// OnLoad registers a callback invoked once per completed request whose
// context is still live.
func OnLoad(fn func(LoadEvent)) Option {
	return func(m *Manager) { m.onLoad = fn }
}

// OnEvict registers a callback invoked for each evicted chunk.
func OnEvict(fn func(world.ChunkCoord)) Option {
	return func(m *Manager) { m.onEvict = fn }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "stream") }
}

// NewManager creates an inactive manager. Call Spawn to start loading.
func NewManager(loader Loader, cfg world.Config, opts ...Option) *Manager {
	m := &Manager{
		loader:       loader,
		cfg:          cfg,
		radius:       cfg.ChunkLoadRadius,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		loaded:       make(map[world.ChunkCoord]*world.ChunkRecord),
		inFlight:     make(map[world.ChunkCoord]struct{}),
		logger:       logging.Component(nil, "stream"),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Eviction inside the load window would drop chunks as soon as they arrive.
	if m.evictRadius > 0 && m.evictRadius < m.radius {
		m.evictRadius = m.radius
	}
	return m
}

// Spawn activates the manager at world position (x, z) and requests the
// neighbourhood of the spawn chunk. Loads run under ctx.
func (m *Manager) Spawn(ctx context.Context, x, z float64) []world.ChunkCoord {
	m.mu.Lock()
	m.active = true
	m.current = world.WorldToChunk(x, z, m.cfg)
	m.logger.WithFields(logrus.Fields{
		"chunk":  m.current.String(),
		"radius": m.radius,
	}).Debug("Spawn")
	evicted := m.evictLocked()
	requested := m.requestLocked(ctx)
	m.mu.Unlock()

	m.reportEvicted(evicted)
	return requested
}

// UpdatePosition moves the viewer to world position (x, z). When the current
// chunk changes, the missing part of the new neighbourhood is requested. In-flight
// requests for chunks left behind are not cancelled. Returns the coords newly requested.
func (m *Manager) UpdatePosition(ctx context.Context, x, z float64) []world.ChunkCoord {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return m.Spawn(ctx, x, z)
	}
	next := world.WorldToChunk(x, z, m.cfg)
	if next == m.current {
		m.mu.Unlock()
		return nil
	}
	m.logger.WithFields(logrus.Fields{
		"from": m.current.String(),
		"to":   next.String(),
	}).Debug("Chunk changed")
	m.current = next
	evicted := m.evictLocked()
	requested := m.requestLocked(ctx)
	m.mu.Unlock()

	m.reportEvicted(evicted)
	return requested
}

func (m *Manager) requestLocked(ctx context.Context) []world.ChunkCoord {
	var requested []world.ChunkCoord
	for _, coord := range world.Neighborhood(m.current, m.radius) {
		if _, ok := m.loaded[coord]; ok {
			continue
		}
		if _, ok := m.inFlight[coord]; ok {
			continue
		}
		m.inFlight[coord] = struct{}{}
		requested = append(requested, coord)

		m.wg.Add(1)
		go m.load(ctx, coord)
	}
	return requested
}

func (m *Manager) evictLocked() []world.ChunkCoord {
	if m.evictRadius <= 0 {
		return nil
	}
	var evicted []world.ChunkCoord
	for coord := range m.loaded {
		if world.ChebyshevDistance(coord, m.current) > m.evictRadius {
			delete(m.loaded, coord)
			evicted = append(evicted, coord)
		}
	}
	sortCoords(evicted)
	return evicted
}

func (m *Manager) reportEvicted(evicted []world.ChunkCoord) {
	if len(evicted) == 0 {
		return
	}
	m.logger.WithField("count", len(evicted)).Debug("Evicted chunks")
	if m.onEvict == nil {
		return
	}
	for _, c := range evicted {
		m.onEvict(c)
	}
}

func (m *Manager) load(ctx context.Context, coord world.ChunkCoord) {
	defer m.wg.Done()

	var (
		res      LoadResult
		err      error
		attempts int
	)
	backoff := m.retryBackoff
	for {
		attempts++
		res, err = m.loader.LoadChunk(ctx, coord)
		if err == nil || !IsRetryable(err) || attempts > m.maxRetries {
			break
		}
		m.logger.WithError(err).WithFields(logrus.Fields{
			"chunk":   coord.String(),
			"attempt": attempts,
		}).Warn("Chunk load failed, retrying")

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			break
		}
		backoff *= 2
	}

	m.mu.Lock()
	delete(m.inFlight, coord)
	if err == nil && res.Record != nil {
		if m.evictRadius <= 0 || world.ChebyshevDistance(coord, m.current) <= m.evictRadius {
			m.loaded[coord] = res.Record
		}
	}
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"chunk":    coord.String(),
		"attempts": attempts,
	})
	if err != nil {
		entry.WithError(err).Warn("Chunk load failed")
	} else {
		entry.WithField("hit", res.Hit).Debug("Chunk loaded")
	}

	// A load that outlived its context is not reported.
	if m.onLoad != nil && ctx.Err() == nil {
		m.onLoad(LoadEvent{
			Coord:    coord,
			Record:   res.Record,
			Hit:      res.Hit,
			Err:      err,
			Attempts: attempts,
		})
	}
}

// Current returns the viewer's chunk and whether the manager has been spawned.
func (m *Manager) Current() (world.ChunkCoord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.active
}

// Loaded returns the loaded coords in row-major order.
func (m *Manager) Loaded() []world.ChunkCoord {
	m.mu.Lock()
	out := make([]world.ChunkCoord, 0, len(m.loaded))
	for c := range m.loaded {
		out = append(out, c)
	}
	m.mu.Unlock()
	sortCoords(out)
	return out
}

// InFlight returns the coords with an outstanding request.
func (m *Manager) InFlight() []world.ChunkCoord {
	m.mu.Lock()
	out := make([]world.ChunkCoord, 0, len(m.inFlight))
	for c := range m.inFlight {
		out = append(out, c)
	}
	m.mu.Unlock()
	sortCoords(out)
	return out
}

// IsLoaded reports whether coord is in the loaded set.
func (m *Manager) IsLoaded(coord world.ChunkCoord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[coord]
	return ok
}

// Record returns the loaded record for coord.
func (m *Manager) Record(coord world.ChunkCoord) (*world.ChunkRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.loaded[coord]
	return rec, ok
}

// Wait blocks until every outstanding request has completed.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func sortCoords(cs []world.ChunkCoord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Z != cs[j].Z {
			return cs[i].Z < cs[j].Z
		}
		return cs[i].X < cs[j].X
	})
}
