package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// ObserverID identifies a registration.
type ObserverID uint64

// Reporter is called for each failing observer while a broadcast is in progress.
type Reporter func(ctx context.Context, f Failure)

type entry struct {
	id       ObserverID
	name     string
	observer Observer
}

// Service is the observer registry. It is itself an Observer, so services can be
// chained.
type Service struct {
	mu      sync.RWMutex
	nextID  ObserverID
	entries []entry

	reporter  Reporter
	validator SessionValidator
	logger    *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithReporter sets the failure reporter.
func WithReporter(r Reporter) Option {
	return func(s *Service) {
		s.reporter = r
	}
}

// WithSessionValidator enables Subscribe and Authorize. Without a validator every
// remote session is rejected.
func WithSessionValidator(v SessionValidator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithLogger configures a logger for the Service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an empty registry.
func NewService(opts ...Option) *Service {
	s := &Service{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an observer. Events are delivered in registration order.
func (s *Service) Add(o Observer) ObserverID {
	return s.AddNamed(fmt.Sprintf("%T", o), o)
}

// AddNamed registers an observer under a name used in failure reports.
func (s *Service) AddNamed(name string, o Observer) ObserverID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, entry{id: s.nextID, name: name, observer: o})
	return s.nextID
}

// Remove unregisters an observer. It reports whether the id was registered.
func (s *Service) Remove(id ObserverID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = slices.DeleteFunc(s.entries, func(e entry) bool { return e.id == id })
	return len(s.entries) != n
}

// Len reports the number of registered observers.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ModelUpdated broadcasts a change of one model item.
func (s *Service) ModelUpdated(ctx context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error {
	s.logger.InfoContext(ctx, "model updated", "process", q.String(), "mode", string(mode))
	return s.broadcast(ctx, "model updated", func(o Observer) error {
		return o.ModelUpdated(ctx, q, mode)
	})
}

// ModelReset broadcasts a reset of every model.
func (s *Service) ModelReset(ctx context.Context) error {
	s.logger.InfoContext(ctx, "model reset")
	return s.broadcast(ctx, "model reset", func(o Observer) error {
		return o.ModelReset(ctx)
	})
}

func (s *Service) broadcast(ctx context.Context, event string, deliver func(Observer) error) error {
	s.mu.RLock()
	snapshot := slices.Clone(s.entries)
	s.mu.RUnlock()

	var failures []Failure
	for _, e := range snapshot {
		if err := safeDeliver(e.observer, deliver); err != nil {
			f := Failure{ID: e.id, Name: e.name, Err: err}
			failures = append(failures, f)
			s.logger.WarnContext(ctx, "observer failed", "event", event, "observer", e.name, "err", err)
			if s.reporter != nil {
				s.reporter(ctx, f)
			}
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &BroadcastError{Event: event, Failures: failures}
}

func safeDeliver(o Observer, deliver func(Observer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return deliver(o)
}

// Pump forwards the changes of a watchable model source until ctx is done or the
// channel closes. Broadcast failures are reported, not returned.
func (s *Service) Pump(ctx context.Context, source ports.Watchable) error {
	changes, err := source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch model source: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			_ = s.ModelUpdated(ctx, change.Process, change.Mode)
		}
	}
}
