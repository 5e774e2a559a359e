package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/stepflow/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// pollTimeout bounds each BLPOP so that a cancelled context is noticed.
const pollTimeout = time.Second

// Queue implements ports.ReadyQueue and ports.RequestQueue on two Redis lists, so
// several engine replicas can share work.
type Queue struct {
	client backend.UniversalClient
	prefix string
}

// NewQueue creates a queue. Lists are <prefix>ready and <prefix>requests.
func NewQueue(client backend.UniversalClient, prefix string) *Queue {
	return &Queue{client: client, prefix: prefix}
}

func (q *Queue) readyKey() string   { return q.prefix + "ready" }
func (q *Queue) requestKey() string { return q.prefix + "requests" }

func (q *Queue) Push(ctx context.Context, tokenID string) error {
	return q.client.RPush(ctx, q.readyKey(), tokenID).Err()
}

func (q *Queue) Pop(ctx context.Context) (string, error) {
	return q.pop(ctx, q.readyKey())
}

func (q *Queue) Publish(ctx context.Context, req domain.StartRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}
	return q.client.RPush(ctx, q.requestKey(), data).Err()
}

func (q *Queue) Receive(ctx context.Context) (domain.StartRequest, error) {
	var req domain.StartRequest
	data, err := q.pop(ctx, q.requestKey())
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal start request: %w", err)
	}
	return req, nil
}

func (q *Queue) pop(ctx context.Context, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BLPop(ctx, pollTimeout, key).Result()
		if errors.Is(err, backend.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis pop %s: %w", key, err)
		}
		return res[1], nil
	}
}
