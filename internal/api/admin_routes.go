package api

import (
	"net/http"
	"strings"
)

// SetupAdminRoutes registers stats and operator routes.
func SetupAdminRoutes(mux *http.ServeMux, handlers *AdminHandlers, rateLimit func(http.Handler) http.Handler) {
	adminHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/admin")
		path = strings.Trim(path, "/")

		switch path {
		case "version/bump":
			handlers.BumpVersion(w, r)
		case "stats":
			handlers.ResetStats(w, r)
		default:
			respondWithError(w, http.StatusNotFound, ErrorKindNotFound, "unknown admin endpoint")
		}
	})

	mux.Handle("/api/admin/", rateLimit(adminHandler))
	mux.Handle("/api/stats", rateLimit(http.HandlerFunc(handlers.GetStats)))
}
