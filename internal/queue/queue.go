package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// KeyJobsReady is the doorbell list. Entries are job ids and only wake idle
// workers; the jobs table stays the source of truth for what is claimable.
const KeyJobsReady = "beatsync:jobs:ready"

// maxPending bounds the doorbell list. A worker that wakes claims whatever is
// pending regardless of which id woke it, so older rings carry no information.
const maxPending = 1024

type Queue struct {
	client *redis.Client
	key    string
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, key: KeyJobsReady}, nil
}

// NewWithClient wraps an existing client, for callers that share one.
func NewWithClient(client *redis.Client, key string) *Queue {
	if key == "" {
		key = KeyJobsReady
	}
	return &Queue{client: client, key: key}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Ring announces that jobID became claimable.
func (q *Queue) Ring(ctx context.Context, jobID uuid.UUID) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key, jobID.String())
	pipe.LTrim(ctx, q.key, -maxPending, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ring doorbell: %w", err)
	}
	return nil
}

// Wait blocks until a ring arrives or timeout elapses. It reports whether a
// ring was consumed.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to wait on doorbell: %w", err)
	}
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected redis response")
	}
	return true, nil
}

func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
