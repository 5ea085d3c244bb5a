package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/pkg/models"
)

// setupRedisQueue spins up a Redis container and returns a connected queue.
func setupRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := queue.NewRedisQueue(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	require.NoError(t, q.Ping(ctx))
	return q
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id, models.PriorityNormal))

	got, ok, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestRedisQueue_PriorityOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	low := uuid.New()
	high := uuid.New()
	normal := uuid.New()
	require.NoError(t, q.Enqueue(ctx, low, models.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, normal, models.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, high, models.PriorityHigh))

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		id, ok, err := q.Dequeue(ctx, 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []uuid.UUID{high, normal, low}, order)
}

func TestRedisQueue_DequeueTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)

	_, ok, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueue_Contains(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id, models.PriorityLow))

	found, err := q.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = q.Contains(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)

	_, ok, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	found, err = q.Contains(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisQueue_Depth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, uuid.New(), models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, uuid.New(), models.PriorityNormal))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth.High)
	assert.Equal(t, int64(1), depth.Normal)
	assert.Equal(t, int64(0), depth.Low)
	assert.Equal(t, int64(3), depth.Total())
}

func TestRedisQueue_IncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	n, err := q.IncrWithExpiry(ctx, "ratelimit:test", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.IncrWithExpiry(ctx, "ratelimit:test", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
