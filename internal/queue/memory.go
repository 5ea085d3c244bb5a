package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/musegen/musegen/pkg/models"
)

// MemoryQueue is an in-process Queue for tests and single-node deployments.
// Three FIFO slices, one per priority tier, drained high to low.
type MemoryQueue struct {
	mu     sync.Mutex
	wake   chan struct{}
	closed bool
	tiers  map[int][]uuid.UUID
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake: make(chan struct{}, 1),
		tiers: map[int][]uuid.UUID{
			models.PriorityHigh:   {},
			models.PriorityNormal: {},
			models.PriorityLow:    {},
		},
	}
}

func (q *MemoryQueue) Ping(_ context.Context) error { return nil }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID, priority int) error {
	if !models.ValidPriority(priority) {
		priority = models.PriorityNormal
	}
	q.mu.Lock()
	q.tiers[priority] = append(q.tiers[priority], id)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, bool, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if id, ok := q.pop(); ok {
			return id, true, nil
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, false, ctx.Err()
		case <-deadline.C:
			return uuid.Nil, false, nil
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) pop() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range []int{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		if len(q.tiers[p]) > 0 {
			id := q.tiers[p][0]
			q.tiers[p] = q.tiers[p][1:]
			return id, true
		}
	}
	return uuid.Nil, false
}

func (q *MemoryQueue) Contains(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tier := range q.tiers {
		for _, queued := range tier {
			if queued == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (TierDepth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return TierDepth{
		High:   int64(len(q.tiers[models.PriorityHigh])),
		Normal: int64(len(q.tiers[models.PriorityNormal])),
		Low:    int64(len(q.tiers[models.PriorityLow])),
	}, nil
}
