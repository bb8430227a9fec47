package streaming

import (
	"context"
	"errors"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/world"
)

// LoadResult is a fetched chunk and whether it was served from the store.
type LoadResult struct {
	Record *world.ChunkRecord
	Hit    bool
}

// Loader fetches a single chunk. Implementations must be safe for concurrent use.
type Loader interface {
	LoadChunk(ctx context.Context, coord world.ChunkCoord) (LoadResult, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, coord world.ChunkCoord) (LoadResult, error)

// LoadChunk implements Loader.
func (f LoaderFunc) LoadChunk(ctx context.Context, coord world.ChunkCoord) (LoadResult, error) {
	return f(ctx, coord)
}

// CacheLoader loads chunks straight from a server-side cache.
type CacheLoader struct {
	Cache *chunkcache.Cache
}

// LoadChunk implements Loader.
func (l CacheLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (LoadResult, error) {
	res, err := l.Cache.GetOrGenerate(ctx, coord)
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{Record: res.Record, Hit: res.Hit}, nil
}

// IsRetryable reports whether a load error is worth retrying for the same chunk.
// Store outages and errors that declare themselves retryable qualify; context
// errors never do.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if chunkcache.IsRetryable(err) {
		return true
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
