package ports

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
)

// ReadyQueue carries the ids of tokens that can make progress.
type ReadyQueue interface {
	// Push enqueues a token id.
	Push(ctx context.Context, tokenID string) error

	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (string, error)
}

// RequestQueue carries fire-and-forget start requests between engines.
type RequestQueue interface {
	// Publish sends a request. Delivery failures are the only errors reported.
	Publish(ctx context.Context, req domain.StartRequest) error

	// Receive blocks until a request is available or ctx is done.
	Receive(ctx context.Context) (domain.StartRequest, error)
}
