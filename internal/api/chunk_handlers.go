package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/world"
)

// ChunkHandlers handles chunk-related HTTP requests.
type ChunkHandlers struct {
	cache  *chunkcache.Cache
	logger *logrus.Entry
}

// NewChunkHandlers creates a new instance of ChunkHandlers.
func NewChunkHandlers(cache *chunkcache.Cache, logger logrus.FieldLogger) *ChunkHandlers {
	return &ChunkHandlers{
		cache:  cache,
		logger: logging.Component(logger, "api"),
	}
}

// chunkIDFromPath extracts "{x}_{z}" from /api/chunks/{x}_{z}
func chunkIDFromPath(path string) string {
	return strings.Trim(strings.TrimPrefix(path, "/api/chunks"), "/")
}

// GetChunk handles GET /api/chunks/{x}_{z} and GET /api/chunks?x=&z=.
// Returns the stored record, generating it first when missing or outdated.
func (h *ChunkHandlers) GetChunk(w http.ResponseWriter, r *http.Request) {
	var (
		coord world.ChunkCoord
		err   error
	)
	if id := chunkIDFromPath(r.URL.Path); id != "" {
		coord, err = world.ParseChunkID(id)
	} else {
		q := r.URL.Query()
		if !q.Has("x") || !q.Has("z") {
			respondWithError(w, http.StatusBadRequest, ErrorKindInvalidParams, "x and z query parameters are required")
			return
		}
		coord, err = world.ParseCoord(q.Get("x"), q.Get("z"))
	}
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrorKindInvalidParams, err.Error())
		return
	}

	res, err := h.cache.GetOrGenerate(r.Context(), coord)
	if err != nil {
		respondWithPipelineError(w, h.logger.WithField("chunk", coord.String()), err, "Chunk request failed")
		return
	}

	cache := "miss"
	if res.Hit {
		cache = "hit"
	}
	w.Header().Set(CacheHeader, cache)
	respondWithJSON(w, h.logger, http.StatusOK, res.Record)
}

// DeleteChunk handles DELETE /api/chunks/{x}_{z} requests.
// The chunk is regenerated on its next request.
func (h *ChunkHandlers) DeleteChunk(w http.ResponseWriter, r *http.Request) {
	coord, err := world.ParseChunkID(chunkIDFromPath(r.URL.Path))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrorKindInvalidParams, err.Error())
		return
	}

	deleted, err := h.cache.Delete(r.Context(), coord)
	if err != nil {
		respondWithPipelineError(w, h.logger.WithField("chunk", coord.String()), err, "Chunk delete failed")
		return
	}

	message := "Chunk was not stored"
	if deleted {
		message = "Chunk deleted. It will be regenerated on next request."
		h.logger.WithField("chunk", coord.String()).Info("Chunk deleted")
	}
	respondWithJSON(w, h.logger, http.StatusOK, DeleteChunkResponse{
		Success: true,
		ChunkID: coord.String(),
		Deleted: deleted,
		Message: message,
	})
}

// GetChunkVersion handles GET /api/chunks/version requests.
func (h *ChunkHandlers) GetChunkVersion(w http.ResponseWriter, r *http.Request) {
	cfg := h.cache.Config()
	respondWithJSON(w, h.logger, http.StatusOK, VersionResponse{
		Version:           cfg.Version,
		Seed:              cfg.Seed,
		GridSize:          cfg.GridSize,
		CellSize:          cfg.CellSize,
		ChunkSize:         cfg.ChunkSize(),
		BuildingsPerChunk: cfg.BuildingsPerChunk(),
	})
}

// InvalidateOutdatedChunks handles POST /api/chunks/invalidate-outdated requests.
// Removes every stored chunk generated under an older world version.
func (h *ChunkHandlers) InvalidateOutdatedChunks(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.PurgeOutdated(r.Context())
	if err != nil {
		respondWithPipelineError(w, h.logger, err, "Invalidate outdated chunks failed")
		return
	}

	version := h.cache.Version()
	h.logger.WithFields(logrus.Fields{
		"version": version,
		"deleted": n,
	}).Info("Outdated chunks invalidated")
	respondWithJSON(w, h.logger, http.StatusOK, InvalidateResponse{
		Success:      true,
		Version:      version,
		DeletedCount: n,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, http.StatusMethodNotAllowed, ErrorKindInvalidParams, fmt.Sprintf("method %s not allowed", r.Method))
}
