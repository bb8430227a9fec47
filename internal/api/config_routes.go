package api

import (
	"net/http"
)

// SetupConfigRoutes registers configuration routes
func SetupConfigRoutes(mux *http.ServeMux, handlers *ConfigHandlers) {
	mux.HandleFunc("/api/config/world", handlers.GetWorldConfig)
}
