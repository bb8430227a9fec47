package api

import "github.com/semanticcity/server/internal/performance"

// Error kinds returned in ErrorResponse.ErrorKind
const (
	ErrorKindInvalidParams    = "INVALID_PARAMS"
	ErrorKindGeneration       = "GENERATION_ERROR"
	ErrorKindStoreUnavailable = "STORE_UNAVAILABLE"
	ErrorKindUnsupported      = "UNSUPPORTED"
	ErrorKindNotFound         = "NOT_FOUND"
)

// CacheHeader reports whether a chunk was served from the store ("hit") or generated ("miss").
const CacheHeader = "X-Chunk-Cache"

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// VersionResponse describes the world the server is generating
type VersionResponse struct {
	Version           int     `json:"version"`
	Seed              int32   `json:"seed"`
	GridSize          int     `json:"gridSize"`
	CellSize          float64 `json:"cellSize"`
	ChunkSize         float64 `json:"chunkSize"`
	BuildingsPerChunk int     `json:"buildingsPerChunk"`
}

// DeleteChunkResponse is returned by DELETE /api/chunks/{x}_{z}
type DeleteChunkResponse struct {
	Success bool   `json:"success"`
	ChunkID string `json:"chunk_id"`
	Deleted bool   `json:"deleted"`
	Message string `json:"message"`
}

// InvalidateResponse is returned by POST /api/chunks/invalidate-outdated
type InvalidateResponse struct {
	Success      bool  `json:"success"`
	Version      int   `json:"version"`
	DeletedCount int64 `json:"deleted_count"`
}

// BumpVersionResponse is returned by POST /api/admin/version/bump
type BumpVersionResponse struct {
	Success         bool `json:"success"`
	PreviousVersion int  `json:"previous_version"`
	Version         int  `json:"version"`
}

// StatsResponse is returned by GET /api/stats
type StatsResponse struct {
	Version      int                    `json:"version"`
	Generations  int64                  `json:"generations"`
	StoredChunks *int64                 `json:"stored_chunks,omitempty"`
	Profiler     performance.ReportJSON `json:"profiler"`
}
