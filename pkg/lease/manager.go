package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
)

// DefaultTTL bounds how long a distributed lease survives a crashed holder.
const DefaultTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out per-token leases.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker ports.DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithTTL sets the distributed lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lease manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller must call release(id) once done with the entry.
func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry at zero.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// WithLock runs fn while holding the lease of token id, waiting for it if needed.
func (m *Manager) WithLock(ctx context.Context, id string, fn func(context.Context) error) error {
	entry := m.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(id)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, id, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire distributed lease: %w", err)
		}
		defer m.unlockRemote(ctx, id, unlock)
	}

	return fn(ctx)
}

// TryWithLock runs fn only if the lease of token id is free right now. A held lease
// yields domain.ErrTokenBusy.
func (m *Manager) TryWithLock(ctx context.Context, id string, fn func(context.Context) error) error {
	entry := m.acquire(id)
	defer m.release(id)

	if !entry.mu.TryLock() {
		return fmt.Errorf("%s: %w", id, domain.ErrTokenBusy)
	}
	defer entry.mu.Unlock()

	if m.locker != nil {
		unlock, ok, err := m.locker.TryLock(ctx, id, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire distributed lease: %w", err)
		}
		if !ok {
			return fmt.Errorf("%s: %w", id, domain.ErrTokenBusy)
		}
		defer m.unlockRemote(ctx, id, unlock)
	}

	return fn(ctx)
}

func (m *Manager) unlockRemote(ctx context.Context, id string, unlock ports.UnlockFunc) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("failed to release distributed lease (will expire via TTL)",
			"token_id", id,
			"err", err,
		)
	}
}

// Held reports how many token leases are currently tracked.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
