package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/internal/store"
)

// Reconciler is the recovery sweep that keeps the queue and the job store
// consistent: durable queued jobs that never reached the dispatch queue are
// re-enqueued, and processing jobs whose worker stopped reporting are failed
// so the administrative retry path applies.
type Reconciler struct {
	store store.Store
	queue queue.Queue
	cfg   config.ReconcileConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store, q queue.Queue, cfg config.ReconcileConfig) *Reconciler {
	return &Reconciler{store: st, queue: q, cfg: cfg}
}

// Start runs the sweep on a ticker until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requeued, failed, err := r.RunOnce(ctx)
				if err != nil {
					slog.Warn("reconcile sweep error", "error", err)
				}
				if requeued > 0 || failed > 0 {
					slog.Info("reconcile sweep", "requeued", requeued, "marked_failed", failed)
				}
			}
		}
	}()
}

// RunOnce performs a single sweep and reports how many jobs were re-enqueued
// and how many stale processing jobs were failed.
func (r *Reconciler) RunOnce(ctx context.Context) (requeued, failed int, err error) {
	now := time.Now().UTC()

	stuck, err := r.store.ListStuckQueued(ctx, now.Add(-r.cfg.QueuedGrace))
	if err != nil {
		return 0, 0, fmt.Errorf("list stuck queued: %w", err)
	}
	for _, job := range stuck {
		inQueue, err := r.queue.Contains(ctx, job.ID)
		if err != nil {
			return requeued, failed, fmt.Errorf("check queue membership: %w", err)
		}
		if inQueue {
			continue
		}
		if err := r.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
			return requeued, failed, fmt.Errorf("re-enqueue job %s: %w", job.ID, err)
		}
		slog.Info("re-enqueued orphaned job", "job_id", job.ID,
			"queued_for", now.Sub(job.CreatedAt).Round(time.Second))
		requeued++
	}

	stale, err := r.store.ListStaleProcessing(ctx, now.Add(-r.cfg.LivenessThreshold))
	if err != nil {
		return requeued, 0, fmt.Errorf("list stale processing: %w", err)
	}
	for _, job := range stale {
		last := "never"
		if job.LastUpdateAt != nil {
			last = job.LastUpdateAt.UTC().Format(time.RFC3339)
		}
		msg := fmt.Sprintf("worker lost: no progress since %s", last)
		if err := r.store.FailJob(ctx, job.ID, msg); err != nil {
			// A late worker write may have beaten us; that is fine.
			slog.Warn("could not fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		slog.Warn("failed stale processing job", "job_id", job.ID, "last_update", last)
		failed++
	}

	return requeued, failed, nil
}
