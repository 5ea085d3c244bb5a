package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/pkg/models"
)

func reconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		Interval:          10 * time.Millisecond,
		QueuedGrace:       30 * time.Second,
		LivenessThreshold: 2 * time.Minute,
	}
}

func TestReconciler_RequeuesDroppedDispatch(t *testing.T) {
	st := newMemStore()
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue()}
	q.setFailEnqueue(true)
	svc := pipeline.NewService(st, q, 2048)
	ctx := context.Background()

	// The dispatch is dropped but the job row survives.
	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	st.setCreatedAt(job.ID, time.Now().UTC().Add(-time.Minute))

	q.setFailEnqueue(false)
	r := pipeline.NewReconciler(st, q, reconcileConfig())
	requeued, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)

	id, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, id)
}

func TestReconciler_LeavesJobsWithinGrace(t *testing.T) {
	st := newMemStore()
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue()}
	q.setFailEnqueue(true)
	svc := pipeline.NewService(st, q, 2048)
	ctx := context.Background()

	// Freshly submitted, still within the grace period.
	_, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)

	q.setFailEnqueue(false)
	r := pipeline.NewReconciler(st, q, reconcileConfig())
	requeued, _, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestReconciler_SkipsJobsAlreadyQueued(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	ctx := context.Background()

	// Dispatched fine, just old: the id is still in the queue, so the
	// sweep must not duplicate it.
	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	st.setCreatedAt(job.ID, time.Now().UTC().Add(-time.Minute))

	r := pipeline.NewReconciler(st, q, reconcileConfig())
	requeued, _, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Total())
}

func TestReconciler_FailsStaleProcessing(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	ctx := context.Background()

	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	// Simulate a worker that died minutes ago.
	st.setLastUpdateAt(job.ID, time.Now().UTC().Add(-10*time.Minute))

	r := pipeline.NewReconciler(st, q, reconcileConfig())
	requeued, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, failed)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "worker lost")
}

func TestReconciler_LeavesLiveProcessing(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	ctx := context.Background()

	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	r := pipeline.NewReconciler(st, q, reconcileConfig())
	_, failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, failed)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
}
