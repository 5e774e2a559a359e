package ports

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// ModelSource defines how the model manager retrieves process definitions.
// This allows the storage layer (directory, Loam, memory) to be decoupled.
type ModelSource interface {
	// Load returns the raw definition of the process addressed by q (model and item).
	// Returns domain.ErrProcessNotFound if there is none.
	Load(ctx context.Context, q qualifier.Qualifier) ([]byte, error)

	// List returns the qualifiers of every process the source knows.
	List(ctx context.Context) ([]qualifier.Qualifier, error)
}

// ModelChange describes one changed definition.
type ModelChange struct {
	Process qualifier.Qualifier
	Mode    domain.UpdateMode
}

// Watchable is implemented by sources that can report backend changes.
type Watchable interface {
	// Watch returns a channel of changes. The channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan ModelChange, error)
}
