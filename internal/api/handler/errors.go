package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/orchestrator"
	"github.com/kiranshivaraju/scanpipe/internal/storage"
	"github.com/kiranshivaraju/scanpipe/internal/store"
)

// writeError maps service errors onto the API's error codes. Order matters:
// initiation failures wrap the COLMAP transport error that caused them.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidParams), errors.Is(err, storage.ErrInvalidKey):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, orchestrator.ErrPreconditionNotMet):
		response.Error(w, http.StatusUnprocessableEntity, "PRECONDITION_NOT_MET", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrAlreadyInProgress):
		response.Error(w, http.StatusConflict, "ALREADY_IN_PROGRESS", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "NOT_CANCELLABLE", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInitiationFailure):
		response.Error(w, http.StatusBadGateway, "INITIATION_FAILED", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT",
			"The resource was modified concurrently, retry the request", nil)
	case errors.Is(err, colmap.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "File not found on the processing service", nil)
	case errors.Is(err, colmap.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "TIMEOUT", "The processing service did not respond in time", nil)
	case errors.Is(err, colmap.ErrUnreachable), errors.Is(err, colmap.ErrRejected):
		response.Error(w, http.StatusBadGateway, "PROCESSING_UNAVAILABLE", "The processing service is unavailable", nil)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
