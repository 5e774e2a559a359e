package memory

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Queue implements ports.ReadyQueue and ports.RequestQueue with buffered channels.
// Push and Publish block while the buffer is full.
type Queue struct {
	ready    chan string
	requests chan domain.StartRequest
}

// NewQueue creates a queue holding up to size entries of each kind.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		ready:    make(chan string, size),
		requests: make(chan domain.StartRequest, size),
	}
}

func (q *Queue) Push(ctx context.Context, tokenID string) error {
	select {
	case q.ready <- tokenID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context) (string, error) {
	select {
	case id := <-q.ready:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Queue) Publish(ctx context.Context, req domain.StartRequest) error {
	select {
	case q.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Receive(ctx context.Context) (domain.StartRequest, error) {
	select {
	case req := <-q.requests:
		return req, nil
	case <-ctx.Done():
		return domain.StartRequest{}, ctx.Err()
	}
}

// Len reports the number of ready token ids waiting.
func (q *Queue) Len() int {
	return len(q.ready)
}
