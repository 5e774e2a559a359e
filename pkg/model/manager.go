package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/stepflow/internal/compiler"
	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"golang.org/x/sync/singleflight"
)

// Manager loads, validates and caches process definitions.
//
// A loaded definition is never modified. Invalidate and Reset only drop cache
// entries, so a cursor that already holds a definition keeps using it while the
// next lookup parses the source again.
type Manager struct {
	source       ports.ModelSource
	parser       *compiler.Parser
	logger       *slog.Logger
	handlerCheck func(string) bool

	mu         sync.RWMutex
	cache      map[string]*domain.ProcessDefinition
	generation uint64

	loads singleflight.Group
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHandlerCheck rejects, at load time, handler steps whose id check reports as
// unknown.
func WithHandlerCheck(check func(id string) bool) Option {
	return func(m *Manager) {
		m.handlerCheck = check
	}
}

// NewManager creates a manager reading definitions from source.
func NewManager(source ports.ModelSource, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		parser: compiler.NewParser(),
		logger: logging.NewNop(),
		cache:  make(map[string]*domain.ProcessDefinition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key is the cache key of a process qualifier: model and item only.
func Key(q qualifier.Qualifier) string {
	return qualifier.New(q.Model(), q.Item()).String()
}

// Load returns the definition of the process addressed by q. Concurrent first loads
// of the same process share one parse.
func (m *Manager) Load(ctx context.Context, q qualifier.Qualifier) (*domain.ProcessDefinition, error) {
	if !q.HasItem() {
		return nil, fmt.Errorf("load %s: %w", q, domain.ErrProcessNotFound)
	}
	key := Key(q)

	m.mu.RLock()
	def, ok := m.cache[key]
	gen := m.generation
	m.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := m.loads.Do(fmt.Sprintf("%d|%s", gen, key), func() (any, error) {
		m.mu.RLock()
		cached, ok := m.cache[key]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		def, err := m.parse(ctx, qualifier.New(q.Model(), q.Item()))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if cached, ok := m.cache[key]; ok {
			return cached, nil
		}
		if m.generation == gen {
			m.cache[key] = def
		}
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ProcessDefinition), nil
}

func (m *Manager) parse(ctx context.Context, q qualifier.Qualifier) (*domain.ProcessDefinition, error) {
	raw, err := m.source.Load(ctx, q)
	if err != nil {
		if errors.Is(err, domain.ErrProcessNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load %s: %w", q, err)
	}

	def, err := m.parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", q, err)
	}
	def.ID = q

	if err := Validate(def, m.handlerCheck); err != nil {
		return nil, err
	}

	m.logger.Debug("process loaded", "process", q.String(), "steps", len(def.Steps))
	return def, nil
}

// ResolvePort resolves a qualifier of the form /model/Process.Step[.Port] to a step
// and entry port of the current definition.
func (m *Manager) ResolvePort(ctx context.Context, q qualifier.Qualifier) (*domain.Step, *domain.Port, error) {
	def, err := m.Load(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	segs := q.Segments()
	switch len(segs) {
	case 1:
		return def.ResolvePort(segs[0], "")
	case 2:
		return def.ResolvePort(segs[0], segs[1])
	default:
		return nil, nil, fmt.Errorf("resolve %s: expected Process.Step or Process.Step.Port", q)
	}
}

// List returns the processes of the underlying source.
func (m *Manager) List(ctx context.Context) ([]qualifier.Qualifier, error) {
	return m.source.List(ctx)
}

// Invalidate evicts one definition. A qualifier without an item evicts every
// definition of its model.
func (m *Manager) Invalidate(q qualifier.Qualifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++

	if q.HasItem() {
		delete(m.cache, Key(q))
		return
	}
	for key, def := range m.cache {
		if def.ID.Model() == q.Model() {
			delete(m.cache, key)
		}
	}
}

// Reset evicts every definition.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.cache = make(map[string]*domain.ProcessDefinition)
}

// ModelUpdated implements the notification observer contract.
func (m *Manager) ModelUpdated(_ context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error {
	m.logger.Debug("model updated", "process", q.String(), "mode", string(mode))
	m.Invalidate(q)
	return nil
}

// ModelReset implements the notification observer contract.
func (m *Manager) ModelReset(_ context.Context) error {
	m.logger.Debug("model reset")
	m.Reset()
	return nil
}

// Cached reports how many definitions are cached.
func (m *Manager) Cached() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
