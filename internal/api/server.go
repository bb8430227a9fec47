package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/config"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/performance"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps are the collaborators NewRouter wires together.
// Versions and Store may be nil.
type RouterDeps struct {
	Config   *config.Config
	Cache    *chunkcache.Cache
	Versions VersionStore
	Store    Pinger
	Profiler *performance.Profiler
	Logger   logrus.FieldLogger
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  int    `json:"version"`
	Database string `json:"database,omitempty"`
}

// NewRouter builds the HTTP handler for the REST and WebSocket surfaces.
// The caller must run the returned handlers' hub.
func NewRouter(deps RouterDeps) (http.Handler, *WebSocketHandlers) {
	logger := logging.Component(deps.Logger, "api")
	cfg := deps.Config
	mux := http.NewServeMux()

	rateLimit := passthrough
	if cfg.RateLimit.Enabled {
		rateLimit = RateLimitMiddleware(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
	}

	wsHandlers := NewWebSocketHandlers(deps.Cache, cfg, deps.Profiler, deps.Logger)
	admin := NewAdminHandlers(deps.Cache, deps.Versions, deps.Profiler, deps.Logger)
	admin.OnVersionBump(wsHandlers.AnnounceVersion)

	mux.HandleFunc("/health", healthHandler(deps.Cache, deps.Store))
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
	SetupChunkRoutes(mux, NewChunkHandlers(deps.Cache, deps.Logger), rateLimit)
	SetupAdminRoutes(mux, admin, rateLimit)
	SetupConfigRoutes(mux, NewConfigHandlers(deps.Cache, deps.Logger))

	var handler http.Handler = mux
	handler = CORSMiddleware(cfg.Server.AllowedOrigins)(handler)
	handler = SecurityHeadersMiddleware(cfg.Server.IsProduction())(handler)
	return handler, wsHandlers
}

// healthHandler responds to health check requests. A configured store that
// does not answer a ping makes the service report degraded.
func healthHandler(cache *chunkcache.Cache, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Service: "semcity-server",
			Version: cache.Version(),
		}
		status := http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.PingContext(ctx); err != nil {
				resp.Status = "degraded"
				resp.Database = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}
		respondWithJSON(w, nil, status, resp)
	}
}
