// Package queue hands run requests from the daemon to runner workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ZackBotkin/SimQLe/internal/domain"
)

// ErrEmpty is returned by Pop when no request arrived within the wait window.
var ErrEmpty = errors.New("queue: empty")

// Queue is a FIFO of pending run requests.
type Queue interface {
	Push(ctx context.Context, req domain.RunRequest) error
	// Pop blocks up to the configured wait and returns ErrEmpty on timeout.
	Pop(ctx context.Context) (domain.RunRequest, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// RedisQueue stores requests as JSON in a Redis list. Push LPUSHes and Pop
// BRPOPs, so requests come out in arrival order and survive daemon restarts.
type RedisQueue struct {
	client  *redis.Client
	key     string
	popWait time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, addr, password string, db int, key string, popWait time.Duration) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if popWait <= 0 {
		popWait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, popWait: popWait}, nil
}

func (q *RedisQueue) Push(ctx context.Context, req domain.RunRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (domain.RunRequest, error) {
	var req domain.RunRequest
	values, err := q.client.BRPop(ctx, q.popWait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return req, ErrEmpty
	}
	if err != nil {
		return req, fmt.Errorf("pop: %w", err)
	}
	// BRPop returns [key, value].
	if err := json.Unmarshal([]byte(values[1]), &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is an in-process queue for tests and single-binary setups.
type MemoryQueue struct {
	ch chan domain.RunRequest
}

// NewMemoryQueue returns a buffered in-memory queue.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan domain.RunRequest, size)}
}

func (q *MemoryQueue) Push(ctx context.Context, req domain.RunRequest) error {
	select {
	case q.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (domain.RunRequest, error) {
	select {
	case req := <-q.ch:
		return req, nil
	case <-time.After(50 * time.Millisecond):
		return domain.RunRequest{}, ErrEmpty
	case <-ctx.Done():
		return domain.RunRequest{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *MemoryQueue) Close() error { return nil }
