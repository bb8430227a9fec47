package api

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/logging"
)

// ConfigHandlers serves the public world configuration so renderers can
// reproduce layout math client-side
type ConfigHandlers struct {
	cache  *chunkcache.Cache
	logger *logrus.Entry
}

// NewConfigHandlers creates a new instance of ConfigHandlers
func NewConfigHandlers(cache *chunkcache.Cache, logger logrus.FieldLogger) *ConfigHandlers {
	return &ConfigHandlers{cache: cache, logger: logging.Component(logger, "api")}
}

// GetWorldConfig handles GET /api/config/world requests
func (h *ConfigHandlers) GetWorldConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	respondWithJSON(w, h.logger, http.StatusOK, h.cache.Config())
}
