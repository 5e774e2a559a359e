package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Objects implements ports.ObjectStore in memory. Values are kept as JSON so that
// loading behaves like the persistent stores.
type Objects struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{data: make(map[string][]byte)}
}

// SaveObject stores value under ref.
func (o *Objects) SaveObject(_ context.Context, ref string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal object %s: %w", ref, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[ref] = data
	return nil
}

// LoadObject decodes the object stored under ref into out.
func (o *Objects) LoadObject(_ context.Context, ref string, out any) error {
	o.mu.RLock()
	data, ok := o.data[ref]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", ref, domain.ErrObjectNotFound)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal object %s: %w", ref, err)
	}
	return nil
}
