package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/pkg/models"
)

// Administrator exposes queue administration operations.
type Administrator interface {
	Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
	CleanOld(ctx context.Context, maxAge time.Duration) (int64, error)
	QueueStats(ctx context.Context) (*pipeline.Stats, error)
	ActiveJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// AdminHandler serves queue administration endpoints. Cancel also serves the
// owner-facing cancel route; everything else sits behind the admin scope.
type AdminHandler struct {
	admin   Administrator
	service Reader
	logger  *slog.Logger
}

func NewAdminHandler(admin Administrator, service Reader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, service: service, logger: logger}
}

// Retry handles POST /api/v1/admin/jobs/{jobID}/retry.
func (h *AdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job ID", nil)
		return
	}

	job, err := h.admin.Retry(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("job retried", "job_id", job.ID)
	response.Accepted(w, job)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel. The caller must own the
// job or carry the admin scope.
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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

	if err := h.admin.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("job cancelled", "job_id", jobID)
	response.JSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"status": models.JobStatusCancelled,
	})
}

// CleanOld handles DELETE /api/v1/admin/jobs?max_age=24h. Only terminal jobs
// older than max_age are removed.
func (h *AdminHandler) CleanOld(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("max_age")
	if raw == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Query parameter 'max_age' is required (e.g. 24h)", nil)
		return
	}
	maxAge, err := time.ParseDuration(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Invalid 'max_age' duration: "+raw, nil)
		return
	}

	deleted, err := h.admin.CleanOld(r.Context(), maxAge)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("old jobs cleaned", "deleted", deleted, "max_age", maxAge)
	response.JSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// ActiveJobs handles GET /api/v1/admin/jobs/active. It lists queued and
// processing jobs across all users, highest priority first.
func (h *AdminHandler) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	jobs, err := h.admin.ActiveJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Collection(w, jobs, response.PaginationMeta{Limit: limit, Count: len(jobs)})
}

// QueueStats handles GET /api/v1/admin/queue/stats.
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", "error", err)
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, stats)
}
