package api

import (
	"net/http"
)

// SetupChunkRoutes registers chunk routes.
func SetupChunkRoutes(mux *http.ServeMux, handlers *ChunkHandlers, rateLimit func(http.Handler) http.Handler) {
	// Handler that routes based on path and method
	chunkHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := chunkIDFromPath(r.URL.Path)

		switch {
		case r.Method == http.MethodGet && path == "version":
			handlers.GetChunkVersion(w, r)
		case path == "invalidate-outdated":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r)
				return
			}
			handlers.InvalidateOutdatedChunks(w, r)
		case r.Method == http.MethodGet:
			// Both /api/chunks/{x}_{z} and /api/chunks?x=&z=
			handlers.GetChunk(w, r)
		case r.Method == http.MethodDelete && path != "":
			handlers.DeleteChunk(w, r)
		default:
			methodNotAllowed(w, r)
		}
	})

	rateLimited := rateLimit(chunkHandler)

	// Register routes with /api/chunks prefix
	mux.Handle("/api/chunks/", rateLimited)
	mux.Handle("/api/chunks", rateLimited)
}
