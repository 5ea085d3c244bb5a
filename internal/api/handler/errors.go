// Package handler contains the HTTP handlers for the generation pipeline API.
package handler

import (
	"errors"
	"net/http"

	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/internal/store"
)

// writeError maps pipeline/store errors onto the response envelope.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrJobCancelled):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
