package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musegen/musegen/internal/api/middleware"
	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/pkg/models"
)

// Submitter accepts generation requests and hands them to the pipeline.
type Submitter interface {
	Submit(ctx context.Context, params pipeline.SubmitParams) (*models.Job, error)
	Remix(ctx context.Context, params pipeline.SubmitParams, originalID uuid.UUID) (*models.Job, error)
}

// SubmitHandler serves generation submissions.
type SubmitHandler struct {
	service Submitter
	logger  *slog.Logger
}

func NewSubmitHandler(service Submitter, logger *slog.Logger) *SubmitHandler {
	return &SubmitHandler{service: service, logger: logger}
}

type submitRequest struct {
	Title     string `json:"title"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
}

type submitResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	ApplicationID uuid.UUID `json:"application_id"`
	Status        string    `json:"status"`
	Priority      int       `json:"priority"`
}

func (h *SubmitHandler) params(r *http.Request) (pipeline.SubmitParams, bool, string) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return pipeline.SubmitParams{}, false, "Invalid JSON body"
	}
	if req.Prompt == "" {
		return pipeline.SubmitParams{}, false, "Field 'prompt' is required"
	}
	userID, ok := middleware.GetUserID(r)
	if !ok {
		return pipeline.SubmitParams{}, false, "Missing authenticated user"
	}
	priority := models.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	return pipeline.SubmitParams{
		UserID:    userID,
		Title:     req.Title,
		Prompt:    req.Prompt,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Priority:  priority,
	}, true, ""
}

// Submit handles POST /api/v1/generations.
func (h *SubmitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	params, ok, msg := h.params(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", msg, nil)
		return
	}

	job, err := h.service.Submit(r.Context(), params)
	if err != nil {
		h.logger.Error("submit failed", "error", err, "user_id", params.UserID)
		writeError(w, err)
		return
	}

	h.logger.Info("generation submitted",
		"job_id", job.ID, "application_id", job.ApplicationID, "priority", job.Priority)
	response.Accepted(w, submitResponse{
		JobID:         job.ID,
		ApplicationID: job.ApplicationID,
		Status:        job.Status,
		Priority:      job.Priority,
	})
}

// Remix handles POST /api/v1/generations/{applicationID}/remix.
func (h *SubmitHandler) Remix(w http.ResponseWriter, r *http.Request) {
	originalID, err := uuid.Parse(chi.URLParam(r, "applicationID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid application ID", nil)
		return
	}

	params, ok, msg := h.params(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", msg, nil)
		return
	}

	job, err := h.service.Remix(r.Context(), params, originalID)
	if err != nil {
		h.logger.Error("remix failed", "error", err, "original_id", originalID)
		writeError(w, err)
		return
	}

	h.logger.Info("remix submitted",
		"job_id", job.ID, "application_id", job.ApplicationID, "remix_of", originalID)
	response.Accepted(w, submitResponse{
		JobID:         job.ID,
		ApplicationID: job.ApplicationID,
		Status:        job.Status,
		Priority:      job.Priority,
	})
}
