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

// Admin exposes queue administration: retry, cancel, garbage collection and
// stats. Authorization (owner or administrator) is the caller's concern; no
// identity is consulted here.
type Admin struct {
	store store.Store
	queue queue.Queue
}

// NewAdmin creates an Admin.
func NewAdmin(st store.Store, q queue.Queue) *Admin {
	return &Admin{store: st, queue: q}
}

// Retry resets a failed job to queued and re-enqueues it. Any other status
// yields store.ErrInvalidTransition.
func (a *Admin) Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := a.store.RetryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := a.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		// Same recovery path as a failed submission dispatch.
		slog.Warn("retry dispatch failed, job left for reconciler",
			"job_id", job.ID, "error", err)
	}
	return job, nil
}

// Cancel transitions a queued or processing job to cancelled. The worker, if
// any, observes this on its next write attempt and stops cooperatively.
func (a *Admin) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return a.store.CancelJob(ctx, jobID)
}

// CleanOld deletes terminal jobs older than maxAge. Queued and processing
// jobs are never touched regardless of age.
func (a *Admin) CleanOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: maxAge must not be negative", store.ErrValidation)
	}
	return a.store.DeleteTerminalJobsBefore(ctx, time.Now().UTC().Add(-maxAge))
}

// ActiveJobs lists queued and processing jobs, highest priority first.
func (a *Admin) ActiveJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return a.store.ListActiveJobs(ctx, limit)
}

// Stats is an observability snapshot of the pipeline. No side effects.
type Stats struct {
	Depth       queue.TierDepth `json:"depth"`
	DepthTotal  int64           `json:"depth_total"`
	ActiveCount int             `json:"active_count"`
	Processing  int             `json:"processing_count"`
	Statuses    map[string]int  `json:"statuses"`
}

// QueueStats reads current queue depth and job status counts.
func (a *Admin) QueueStats(ctx context.Context) (*Stats, error) {
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	counts, err := a.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("job status counts: %w", err)
	}
	return &Stats{
		Depth:       depth,
		DepthTotal:  depth.Total(),
		ActiveCount: counts[models.JobStatusQueued] + counts[models.JobStatusProcessing],
		Processing:  counts[models.JobStatusProcessing],
		Statuses:    counts,
	}, nil
}
