package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/store"
	"github.com/musegen/musegen/pkg/models"
)

// StreamHandler serves server-sent event streams of job progress and of the
// accumulating generated content. Streams are read-only observers: they poll
// the job row and never touch the queue or the worker.
type StreamHandler struct {
	service Reader
	cfg     config.StreamConfig
	logger  *slog.Logger
}

func NewStreamHandler(service Reader, cfg config.StreamConfig, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{service: service, cfg: cfg, logger: logger}
}

type progressEvent struct {
	JobID                     uuid.UUID  `json:"job_id"`
	Status                    string     `json:"status"`
	ProgressPercentage        float64    `json:"progress_percentage"`
	CurrentTokens             int        `json:"current_tokens"`
	TokensPerSecond           float64    `json:"tokens_per_second"`
	ElapsedSeconds            float64    `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64    `json:"estimated_remaining_seconds"`
	PartialContentLength      int        `json:"partial_content_length"`
	LastUpdateAt              *time.Time `json:"last_update_at,omitempty"`
}

type completeEvent struct {
	JobID            uuid.UUID `json:"job_id"`
	Status           string    `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
}

type errorEvent struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

type timeoutEvent struct {
	JobID   uuid.UUID `json:"job_id"`
	Message string    `json:"message"`
}

type contentEvent struct {
	JobID   uuid.UUID `json:"job_id"`
	Content string    `json:"content"`
	Length  int       `json:"length"`
}

// StreamProgress handles GET /api/v1/jobs/{jobID}/events. It emits a
// progress event whenever the job's status or counters advance, then a single
// terminal event (complete, error or timeout) and closes. A job that is
// already terminal on the first read produces the terminal event immediately.
func (h *StreamHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	job, sse, ok := h.open(w, r)
	if !ok {
		return
	}

	ticker := time.NewTicker(h.cfg.ProgressInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(h.cfg.MaxDuration)
	defer deadline.Stop()

	lastStatus := ""
	lastTokens := -1
	lastLength := -1

	for {
		if models.TerminalStatus(job.Status) {
			h.sendTerminal(sse, job)
			return
		}
		if job.Status != lastStatus || job.CurrentTokens != lastTokens ||
			job.PartialContentLength != lastLength {
			lastStatus = job.Status
			lastTokens = job.CurrentTokens
			lastLength = job.PartialContentLength
			if err := sse.Send("progress", progressEvent{
				JobID:                     job.ID,
				Status:                    job.Status,
				ProgressPercentage:        job.ProgressPercentage,
				CurrentTokens:             job.CurrentTokens,
				TokensPerSecond:           job.TokensPerSecond,
				ElapsedSeconds:            job.ElapsedSeconds,
				EstimatedRemainingSeconds: job.EstimatedRemainingSeconds,
				PartialContentLength:      job.PartialContentLength,
				LastUpdateAt:              job.LastUpdateAt,
			}); err != nil {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			sse.Send("timeout", timeoutEvent{
				JobID:   job.ID,
				Message: "stream duration limit reached; job continues in the background",
			})
			return
		case <-ticker.C:
		}

		next, err := h.service.Snapshot(r.Context(), job.ID)
		if err != nil {
			if !errors.Is(err, r.Context().Err()) {
				h.logger.Warn("progress stream read failed", "job_id", job.ID, "error", err)
				sse.Send("error", errorEvent{JobID: job.ID, Message: "job state unavailable"})
			}
			return
		}
		job = next
	}
}

// StreamContent handles GET /api/v1/jobs/{jobID}/content/events. Each event
// carries the full content generated so far; it closes after the terminal
// event like the progress stream.
func (h *StreamHandler) StreamContent(w http.ResponseWriter, r *http.Request) {
	job, sse, ok := h.open(w, r)
	if !ok {
		return
	}

	ticker := time.NewTicker(h.cfg.ContentInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(h.cfg.MaxDuration)
	defer deadline.Stop()

	lastLength := -1

	for {
		if job.PartialContentLength != lastLength {
			lastLength = job.PartialContentLength
			app, err := h.service.GetApplication(r.Context(), job.ApplicationID)
			if err != nil {
				h.logger.Warn("content stream read failed", "job_id", job.ID, "error", err)
				sse.Send("error", errorEvent{JobID: job.ID, Message: "content unavailable"})
				return
			}
			if err := sse.Send("content", contentEvent{
				JobID:   job.ID,
				Content: app.Content,
				Length:  len(app.Content),
			}); err != nil {
				return
			}
		}
		if models.TerminalStatus(job.Status) {
			h.sendTerminal(sse, job)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			sse.Send("timeout", timeoutEvent{
				JobID:   job.ID,
				Message: "stream duration limit reached; job continues in the background",
			})
			return
		case <-ticker.C:
		}

		next, err := h.service.Snapshot(r.Context(), job.ID)
		if err != nil {
			if !errors.Is(err, r.Context().Err()) {
				h.logger.Warn("content stream read failed", "job_id", job.ID, "error", err)
				sse.Send("error", errorEvent{JobID: job.ID, Message: "job state unavailable"})
			}
			return
		}
		job = next
	}
}

// open resolves the job, checks ownership and upgrades the response to SSE.
// Errors before the upgrade are plain JSON; after it the stream is committed.
func (h *StreamHandler) open(w http.ResponseWriter, r *http.Request) (*models.Job, *response.SSEWriter, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job ID", nil)
		return nil, nil, false
	}

	job, err := h.service.Snapshot(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		} else {
			writeError(w, err)
		}
		return nil, nil, false
	}
	if !authorizedFor(r, job.UserID) {
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Job belongs to another user", nil)
		return nil, nil, false
	}

	sse, err := response.NewSSEWriter(w)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", err.Error(), nil)
		return nil, nil, false
	}
	return job, sse, true
}

func (h *StreamHandler) sendTerminal(sse *response.SSEWriter, job *models.Job) {
	switch job.Status {
	case models.JobStatusCompleted:
		sse.Send("complete", completeEvent{
			JobID:            job.ID,
			Status:           job.Status,
			PromptTokens:     job.PromptTokens,
			CompletionTokens: job.CompletionTokens,
			TotalTokens:      job.TotalTokens,
			ElapsedSeconds:   job.ElapsedSeconds,
		})
	default:
		message := "generation " + job.Status
		if job.ErrorMessage != nil {
			message = *job.ErrorMessage
		}
		sse.Send("error", errorEvent{JobID: job.ID, Status: job.Status, Message: message})
	}
}
