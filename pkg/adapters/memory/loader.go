package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// Source implements ports.ModelSource and ports.Watchable using an in-memory map.
// Safe for concurrent use.
type Source struct {
	mu       sync.RWMutex
	defs     map[string][]byte
	watchers map[chan ports.ModelChange]struct{}
}

// NewSource creates a source from raw definitions keyed by process qualifier
// ("/model/Process" or "Process").
func NewSource(data map[string]string) (*Source, error) {
	s := &Source{
		defs:     make(map[string][]byte),
		watchers: make(map[chan ports.ModelChange]struct{}),
	}
	for k, v := range data {
		q, err := qualifier.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("memory source: %w", err)
		}
		s.defs[key(q)] = []byte(v)
	}
	return s, nil
}

func key(q qualifier.Qualifier) string {
	return qualifier.New(q.Model(), q.Item()).String()
}

// Load retrieves the raw definition of a process.
func (s *Source) Load(_ context.Context, q qualifier.Qualifier) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.defs[key(q)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", q, domain.ErrProcessNotFound)
	}
	return content, nil
}

// List returns all process qualifiers in a deterministic order.
func (s *Source) List(_ context.Context) ([]qualifier.Qualifier, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.defs))
	for k := range s.defs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	out := make([]qualifier.Qualifier, 0, len(keys))
	for _, k := range keys {
		out = append(out, qualifier.Must(k))
	}
	return out, nil
}

// Put adds or replaces a definition and notifies watchers.
func (s *Source) Put(q qualifier.Qualifier, data string) {
	s.mu.Lock()
	_, existed := s.defs[key(q)]
	s.defs[key(q)] = []byte(data)
	s.mu.Unlock()

	mode := domain.ModeAdded
	if existed {
		mode = domain.ModeUpdated
	}
	s.emit(ports.ModelChange{Process: qualifier.New(q.Model(), q.Item()), Mode: mode})
}

// Remove deletes a definition and notifies watchers.
func (s *Source) Remove(q qualifier.Qualifier) {
	s.mu.Lock()
	_, existed := s.defs[key(q)]
	delete(s.defs, key(q))
	s.mu.Unlock()

	if existed {
		s.emit(ports.ModelChange{Process: qualifier.New(q.Model(), q.Item()), Mode: domain.ModeRemoved})
	}
}

// Watch implements ports.Watchable. Changes are dropped for a watcher whose buffer is full.
func (s *Source) Watch(ctx context.Context) (<-chan ports.ModelChange, error) {
	ch := make(chan ports.ModelChange, 16)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Source) emit(change ports.ModelChange) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
