package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/musegen/musegen/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyHigh   = "musegen:dispatch:high"
	keyNormal = "musegen:dispatch:normal"
	keyLow    = "musegen:dispatch:low"
)

// dequeueKeys is the BLPOP key order. BLPOP serves keys left to right, which
// is what makes pickup priority-aware.
var dequeueKeys = []string{keyHigh, keyNormal, keyLow}

// RedisQueue implements Queue on Redis lists, one list per priority tier.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a RedisQueue from a Redis URL.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: redis.NewClient(opts)}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func tierKey(priority int) string {
	switch priority {
	case models.PriorityHigh:
		return keyHigh
	case models.PriorityLow:
		return keyLow
	default:
		return keyNormal
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID, priority int) error {
	return q.client.RPush(ctx, tierKey(priority), id.String()).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (uuid.UUID, bool, error) {
	res, err := q.client.BLPop(ctx, wait, dequeueKeys...).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	// res[0] is the list key, res[1] the popped value.
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (q *RedisQueue) Contains(ctx context.Context, id uuid.UUID) (bool, error) {
	for _, key := range dequeueKeys {
		_, err := q.client.LPos(ctx, key, id.String(), redis.LPosArgs{}).Result()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	return false, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (TierDepth, error) {
	pipe := q.client.Pipeline()
	high := pipe.LLen(ctx, keyHigh)
	normal := pipe.LLen(ctx, keyNormal)
	low := pipe.LLen(ctx, keyLow)
	if _, err := pipe.Exec(ctx); err != nil {
		return TierDepth{}, err
	}
	return TierDepth{High: high.Val(), Normal: normal.Val(), Low: low.Val()}, nil
}

// IncrWithExpiry atomically increments a counter and refreshes its expiry.
// The rate-limit middleware rides on the queue's Redis connection.
func (q *RedisQueue) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
