package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musegen/musegen/internal/api/middleware"
	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/pkg/models"
)

// Reader serves synchronous reads of jobs and applications.
type Reader interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error)
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
}

// StatusHandler serves job snapshots and listings.
type StatusHandler struct {
	service Reader
	logger  *slog.Logger
}

func NewStatusHandler(service Reader, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{service: service, logger: logger}
}

// GetJob handles GET /api/v1/jobs/{jobID}. The response is a point-in-time
// snapshot of the job's progress metrics.
func (h *StatusHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job ID", nil)
		return
	}

	job, err := h.service.Snapshot(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !authorizedFor(r, job.UserID) {
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Job belongs to another user", nil)
		return
	}
	response.JSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs, returning the caller's jobs newest first.
func (h *StatusHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authenticated user", nil)
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.service.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list jobs failed", "error", err, "user_id", userID)
		writeError(w, err)
		return
	}
	response.Collection(w, jobs, response.PaginationMeta{
		Limit:  limit,
		Offset: offset,
		Count:  len(jobs),
	})
}

// GetApplication handles GET /api/v1/applications/{applicationID}.
func (h *StatusHandler) GetApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := uuid.Parse(chi.URLParam(r, "applicationID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid application ID", nil)
		return
	}

	app, err := h.service.GetApplication(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !authorizedFor(r, app.UserID) {
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Application belongs to another user", nil)
		return
	}
	response.JSON(w, http.StatusOK, app)
}

// authorizedFor reports whether the caller owns the resource or carries the
// admin scope.
func authorizedFor(r *http.Request, ownerID uuid.UUID) bool {
	if middleware.HasScope(r, "admin") {
		return true
	}
	callerID, ok := middleware.GetUserID(r)
	return ok && callerID == ownerID
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
