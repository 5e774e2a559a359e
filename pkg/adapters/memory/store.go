package memory

import (
	"context"
	"sync"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Store implements ports.TokenStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.Token
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Token),
	}
}

// Save stores a copy of the token, similar to serialization.
func (s *Store) Save(_ context.Context, token *domain.Token) error {
	copied := token.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[token.ID] = copied
	return nil
}

// Load returns a copy so callers cannot mutate the stored token through the pointer.
func (s *Store) Load(_ context.Context, id string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.data[id]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return tok.Clone(), nil
}

// Delete removes the token.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// List returns the stored token ids.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}
