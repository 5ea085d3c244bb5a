package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/internal/store"
	"github.com/musegen/musegen/pkg/models"
)

func failJob(t *testing.T, st store.Store, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := st.ClaimJob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, id, "provider unavailable"))
}

func TestAdmin_RetryReenqueuesFailedJob(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	// Drain the original dispatch before failing the job.
	_, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	failJob(t, st, job.ID)

	retried, err := admin.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, retried.Status)
	assert.Nil(t, retried.ErrorMessage)
	assert.Zero(t, retried.CurrentTokens)

	id, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, id)

	app, err := st.GetApplication(ctx, job.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusGenerating, app.Status)
}

func TestAdmin_RetryRejectsNonFailed(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)

	_, err = admin.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestAdmin_Cancel(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	job, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)

	require.NoError(t, admin.Cancel(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestAdmin_CleanOldDeletesOnlyTerminal(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	queued, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)

	old, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	failJob(t, st, old.ID)

	// maxAge 0 means "older than right now": every terminal job goes.
	deleted, err := admin.CleanOld(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = st.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetJob(ctx, queued.ID)
	assert.NoError(t, err)
}

func TestAdmin_CleanOldRejectsNegativeAge(t *testing.T) {
	admin := pipeline.NewAdmin(newMemStore(), queue.NewMemoryQueue())

	_, err := admin.CleanOld(context.Background(), -time.Hour)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestAdmin_ActiveJobsExcludesTerminal(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	queued, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	processing, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, processing.ID)
	require.NoError(t, err)
	failed, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	failJob(t, st, failed.ID)

	jobs, err := admin.ActiveJobs(ctx, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	ids := map[uuid.UUID]bool{jobs[0].ID: true, jobs[1].ID: true}
	assert.True(t, ids[queued.ID])
	assert.True(t, ids[processing.ID])
}

func TestAdmin_QueueStats(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue()
	svc := pipeline.NewService(st, q, 2048)
	admin := pipeline.NewAdmin(st, q)
	ctx := context.Background()

	p := testParams(uuid.New())
	p.Priority = models.PriorityHigh
	_, err := svc.Submit(ctx, p)
	require.NoError(t, err)

	processing, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, processing.ID)
	require.NoError(t, err)

	failed, err := svc.Submit(ctx, testParams(uuid.New()))
	require.NoError(t, err)
	failJob(t, st, failed.ID)

	stats, err := admin.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Depth.High)
	assert.Equal(t, 1, stats.Statuses[models.JobStatusQueued])
	assert.Equal(t, 1, stats.Statuses[models.JobStatusProcessing])
	assert.Equal(t, 1, stats.Statuses[models.JobStatusFailed])
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 1, stats.Processing)
}
