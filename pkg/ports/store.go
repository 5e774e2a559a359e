package ports

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
)

// TokenStore persists tokens. Implementations must store a copy: mutating a token
// after Save must not change what Load returns.
type TokenStore interface {
	// Save persists the token under token.ID.
	Save(ctx context.Context, token *domain.Token) error

	// Load retrieves a token.
	// Returns domain.ErrTokenNotFound if the token does not exist.
	Load(ctx context.Context, id string) (*domain.Token, error)

	// Delete removes a token. Deleting an unknown token is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the ids of all stored tokens.
	List(ctx context.Context) ([]string, error)
}

// StatusLister is implemented by token stores that index tokens by status.
type StatusLister interface {
	ListByStatus(ctx context.Context, status domain.TokenStatus) ([]string, error)
}

// ObjectStore persists business objects referenced by parameter values.
// Objects are stored as JSON documents keyed by a reference string.
type ObjectStore interface {
	// SaveObject stores value under ref.
	SaveObject(ctx context.Context, ref string, value any) error

	// LoadObject decodes the object stored under ref into out.
	// Returns domain.ErrObjectNotFound if nothing is stored.
	LoadObject(ctx context.Context, ref string, out any) error
}

// Transactor runs fn inside a transaction boundary. Stores that support it pick the
// transaction up from the context passed to fn, so every write fn makes commits or
// rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to the Transactor interface.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TransactorFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx is a Transactor that just calls fn.
var NoTx Transactor = TransactorFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
