package handler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHandlerNotFound is returned when no factory is registered for a handler id.
var ErrHandlerNotFound = errors.New("handler not found")

// Handler runs the logic of a handler step.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) Result
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, inv *Invocation) Result

// Handle calls f.
func (f Func) Handle(ctx context.Context, inv *Invocation) Result {
	return f(ctx, inv)
}

// Factory creates a handler for one invocation.
type Factory func() Handler

// Registry manages the available handlers. It is populated at startup and looked up
// by id at invocation time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory. A factory with the same id is overwritten.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// RegisterFunc registers a stateless handler function.
func (r *Registry) RegisterFunc(id string, fn Func) {
	r.Register(id, func() Handler { return fn })
}

// Has reports whether id is registered. It fits model.WithHandlerCheck.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// New looks up a factory by id and creates a handler.
func (r *Registry) New(id string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}
	return factory(), nil
}

// IDs lists the registered handler ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
