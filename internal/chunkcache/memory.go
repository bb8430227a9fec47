package chunkcache

import (
	"context"
	"sync"

	"github.com/semanticcity/server/internal/world"
)

// MemoryStore is an in-process Store. Records are copied on write and on read.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[world.ChunkCoord]*world.ChunkRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[world.ChunkCoord]*world.ChunkRecord)}
}

// GetChunk implements Store.
func (m *MemoryStore) GetChunk(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyRecord(m.chunks[coord]), nil
}

// PutChunk implements Store.
func (m *MemoryStore) PutChunk(ctx context.Context, record *world.ChunkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[record.Coord()] = copyRecord(record)
	return nil
}

// DeleteChunk implements Deleter.
func (m *MemoryStore) DeleteChunk(ctx context.Context, coord world.ChunkCoord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chunks[coord]
	delete(m.chunks, coord)
	return ok, nil
}

// DeleteOutdated implements Pruner.
func (m *MemoryStore) DeleteOutdated(ctx context.Context, currentVersion int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for c, rec := range m.chunks {
		if rec.GenerationVersion != currentVersion {
			delete(m.chunks, c)
			n++
		}
	}
	return n, nil
}

// CountChunks implements Counter.
func (m *MemoryStore) CountChunks(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chunks)), nil
}

func copyRecord(rec *world.ChunkRecord) *world.ChunkRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Buildings = append([]world.Building(nil), rec.Buildings...)
	return &cp
}
