package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/performance"
)

// VersionStore persists the world version across restarts. BumpVersion
// stores and returns max(stored+1, atLeast).
type VersionStore interface {
	BumpVersion(ctx context.Context, atLeast int) (int, error)
}

// AdminHandlers handles operator endpoints
type AdminHandlers struct {
	cache    *chunkcache.Cache
	versions VersionStore
	profiler *performance.Profiler
	logger   *logrus.Entry
	onBump   func(version int)
}

// NewAdminHandlers creates a new AdminHandlers instance. versions may be nil,
// in which case version bumps only live until restart.
func NewAdminHandlers(cache *chunkcache.Cache, versions VersionStore, profiler *performance.Profiler, logger logrus.FieldLogger) *AdminHandlers {
	return &AdminHandlers{
		cache:    cache,
		versions: versions,
		profiler: profiler,
		logger:   logging.Component(logger, "admin"),
	}
}

// OnVersionBump registers fn to run after every successful version bump.
func (h *AdminHandlers) OnVersionBump(fn func(version int)) {
	h.onBump = fn
}

// GetStats handles GET /api/stats
func (h *AdminHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	resp := StatsResponse{
		Version:     h.cache.Version(),
		Generations: h.cache.Generations(),
		Profiler:    h.profiler.Snapshot(),
	}
	n, err := h.cache.Count(r.Context())
	switch {
	case err == nil:
		resp.StoredChunks = &n
	case errors.Is(err, chunkcache.ErrUnsupported):
	default:
		h.logger.WithError(err).Warn("Failed to count stored chunks")
	}

	respondWithJSON(w, h.logger, http.StatusOK, resp)
}

// ResetStats handles DELETE /api/admin/stats
func (h *AdminHandlers) ResetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	h.profiler.Reset()
	h.logger.Info("Profiler reset")
	respondWithJSON(w, h.logger, http.StatusOK, map[string]interface{}{"success": true})
}

// BumpVersion handles POST /api/admin/version/bump. Every chunk stored under
// the previous version is regenerated on its next request.
func (h *AdminHandlers) BumpVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}

	previous := h.cache.Version()
	next := previous + 1
	if h.versions != nil {
		// The cache only ever runs at a version the store has recorded.
		v, err := h.versions.BumpVersion(r.Context(), next)
		if err != nil {
			respondWithPipelineError(w, h.logger, errors.Join(chunkcache.ErrStoreUnavailable, err), "Version bump failed")
			return
		}
		next = v
	}
	h.cache.SetVersion(next)
	if h.onBump != nil {
		h.onBump(next)
	}

	h.logger.WithFields(logrus.Fields{
		"previous": previous,
		"version":  next,
	}).Info("World version bumped")
	respondWithJSON(w, h.logger, http.StatusOK, BumpVersionResponse{
		Success:         true,
		PreviousVersion: previous,
		Version:         next,
	})
}
