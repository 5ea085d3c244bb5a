// Package queue is the dispatch hand-off between job submission and workers.
// It carries job identifiers only; the job store remains the single source of
// truth for job content and state, so the queue may be lossy infrastructure;
// the reconciler re-enqueues any durable job the queue dropped.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue hands job ids from producers to workers. Implementations must be safe
// for concurrent use, and a successful Dequeue must deliver an id to exactly
// one caller.
type Queue interface {
	// Enqueue appends a job id for pickup in the given priority tier.
	Enqueue(ctx context.Context, id uuid.UUID, priority int) error

	// Dequeue pops one id, preferring higher priority tiers. It blocks up to
	// wait and returns ok=false when no work arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, bool, error)

	// Contains reports whether the id is currently waiting in any tier.
	// Used by the reconciliation sweep to detect dropped dispatches.
	Contains(ctx context.Context, id uuid.UUID) (bool, error)

	// Depth returns the number of waiting ids per priority tier.
	Depth(ctx context.Context) (TierDepth, error)

	Ping(ctx context.Context) error
	Close() error
}

// TierDepth is the number of waiting job ids in each priority tier.
type TierDepth struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
	Low    int64 `json:"low"`
}

// Total returns the combined depth across all tiers.
func (d TierDepth) Total() int64 {
	return d.High + d.Normal + d.Low
}
