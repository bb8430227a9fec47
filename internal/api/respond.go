package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/world"
)

// respondWithJSON writes v with the given status
func respondWithJSON(w http.ResponseWriter, logger logrus.FieldLogger, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.WithError(err).Warn("Failed to encode response")
	}
}

// respondWithError writes an ErrorResponse
func respondWithError(w http.ResponseWriter, statusCode int, kind, message string) {
	respondWithJSON(w, nil, statusCode, ErrorResponse{ErrorKind: kind, Message: message})
}

// classifyError maps a pipeline error to an HTTP status and error kind
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, world.ErrInvalidCoordinate):
		return http.StatusBadRequest, ErrorKindInvalidParams
	case errors.Is(err, chunkcache.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrorKindStoreUnavailable
	case errors.Is(err, chunkcache.ErrUnsupported):
		return http.StatusNotImplemented, ErrorKindUnsupported
	default:
		return http.StatusInternalServerError, ErrorKindGeneration
	}
}

// respondWithPipelineError classifies err, logs server-side failures and writes the response
func respondWithPipelineError(w http.ResponseWriter, logger logrus.FieldLogger, err error, msg string) {
	status, kind := classifyError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.WithError(err).WithField("error_kind", kind).Error(msg)
	}
	respondWithError(w, status, kind, err.Error())
}
