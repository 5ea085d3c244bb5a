// Package pipeline is the asynchronous generation-job pipeline: submission,
// worker execution, reconciliation and queue administration.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/internal/store"
	"github.com/musegen/musegen/pkg/models"
)

// Service accepts generation requests and dispatches them to the worker pool.
type Service struct {
	store            store.Store
	queue            queue.Queue
	defaultMaxTokens int
}

// NewService creates a Service.
func NewService(st store.Store, q queue.Queue, defaultMaxTokens int) *Service {
	return &Service{store: st, queue: q, defaultMaxTokens: defaultMaxTokens}
}

// SubmitParams holds validated parameters for a generation request.
type SubmitParams struct {
	UserID      uuid.UUID
	Title       string
	Prompt      string
	Model       string
	Priority    int
	MaxTokens   int
	Temperature float64
}

// Submit creates the application and job rows, then attempts dispatch.
// It returns as soon as the job is durable; it never waits for generation.
// A failed enqueue is deliberately not surfaced: the job row exists with
// status queued and the reconciler re-enqueues it after the grace period.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	return s.submit(ctx, p, nil)
}

// Remix submits a generation derived from an existing application and bumps
// that application's remix counter.
func (s *Service) Remix(ctx context.Context, p SubmitParams, originalID uuid.UUID) (*models.Job, error) {
	original, err := s.store.GetApplication(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("look up remix original: %w", err)
	}

	job, err := s.submit(ctx, p, &original.ID)
	if err != nil {
		return nil, err
	}

	if err := s.store.IncrementRemixCount(ctx, original.ID); err != nil {
		slog.Warn("failed to bump remix count", "application_id", original.ID, "error", err)
	}
	return job, nil
}

func (s *Service) submit(ctx context.Context, p SubmitParams, remixOf *uuid.UUID) (*models.Job, error) {
	if p.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", store.ErrValidation)
	}
	if !models.ValidPriority(p.Priority) {
		return nil, fmt.Errorf("%w: priority must be -1, 0 or 1; got %d", store.ErrValidation, p.Priority)
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.defaultMaxTokens
	}

	now := time.Now().UTC()
	app := &models.Application{
		ID:        uuid.New(),
		UserID:    p.UserID,
		Title:     p.Title,
		Status:    models.ApplicationStatusGenerating,
		RemixOf:   remixOf,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("creating application: %w", err)
	}

	job := &models.Job{
		ID:            uuid.New(),
		UserID:        p.UserID,
		ApplicationID: app.ID,
		RemixOf:       remixOf,
		Prompt:        p.Prompt,
		Model:         p.Model,
		MaxTokens:     maxTokens,
		Priority:      p.Priority,
		Status:        models.JobStatusQueued,
		CreatedAt:     now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		// DispatchError: the durable row survives; the reconciliation sweep
		// re-enqueues it within the grace period.
		slog.Warn("dispatch failed, job left for reconciler",
			"job_id", job.ID, "error", err)
	}

	return job, nil
}

// Snapshot returns a single synchronous read of the job's full metrics.
func (s *Service) Snapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListByUser returns the user's jobs, most recent first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	return s.store.ListJobsByUser(ctx, userID, limit, offset)
}

// GetApplication returns an application row, including generated content.
func (s *Service) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return s.store.GetApplication(ctx, id)
}
