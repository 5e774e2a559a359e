package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/lease"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aretw0/stepflow/pkg/scheduler"

// DefaultWorkers is the size of the worker pool started by Run.
const DefaultWorkers = 4

// Engine is the part of the execution engine the scheduler drives.
type Engine interface {
	CreateToken() *domain.Token
	StartToken(ctx context.Context, token *domain.Token, entry qualifier.Qualifier, params map[string]any) error
	AdvanceUntilBlocked(ctx context.Context, token *domain.Token) error
	Resume(ctx context.Context, token *domain.Token, target string, params map[string]any) error
	Cancel(ctx context.Context, token *domain.Token, reason string) error
	Outputs(token *domain.Token) (map[string]any, error)
}

// DiffListener receives the change of every saved token.
type DiffListener func(ctx context.Context, diff *domain.TokenDiff)

// Scheduler coordinates the engine, the token store and the worker pool.
type Scheduler struct {
	engine   Engine
	store    ports.TokenStore
	leases   *lease.Manager
	tx       ports.Transactor
	ready    ports.ReadyQueue
	requests ports.RequestQueue
	workers  int
	onDiff   DiffListener
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLeases sets the lease manager guarding per-token exclusivity.
func WithLeases(m *lease.Manager) Option {
	return func(s *Scheduler) {
		s.leases = m
	}
}

// WithTransactor wraps every token advance in a transaction.
func WithTransactor(tx ports.Transactor) Option {
	return func(s *Scheduler) {
		s.tx = tx
	}
}

// WithReadyQueue makes Start and Resume enqueue tokens for Run instead of advancing
// them inline.
func WithReadyQueue(q ports.ReadyQueue) Option {
	return func(s *Scheduler) {
		s.ready = q
	}
}

// WithRequestQueue makes Run consume asynchronous start requests.
func WithRequestQueue(q ports.RequestQueue) Option {
	return func(s *Scheduler) {
		s.requests = q
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithDiffListener registers a listener for token changes.
func WithDiffListener(fn DiffListener) Option {
	return func(s *Scheduler) {
		s.onDiff = fn
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger configures a logger for the Scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a scheduler.
func New(engine Engine, store ports.TokenStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:  engine,
		store:   store,
		tx:      ports.NoTx,
		workers: DefaultWorkers,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.leases == nil {
		s.leases = lease.NewManager(lease.WithLogger(s.logger))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

// Start creates a token on entry, binds params and persists it RUNNING. The token is
// then enqueued, or advanced until blocked when there is no ready queue. The returned
// token is the last saved snapshot.
func (s *Scheduler) Start(ctx context.Context, entry qualifier.Qualifier, params map[string]any) (*domain.Token, error) {
	token := s.engine.CreateToken()
	if err := s.engine.StartToken(ctx, token, entry, params); err != nil {
		return nil, err
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.save(ctx, nil, token)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "token started", "token_id", token.ID, "process", token.Process.String())

	return s.schedule(ctx, token)
}

// Process advances a persisted token until it blocks. Tokens that are not RUNNING are
// returned unchanged, so stale queue entries are harmless.
func (s *Scheduler) Process(ctx context.Context, id string) (*domain.Token, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.process", trace.WithAttributes(attribute.String("token.id", id)))
	defer span.End()

	var out *domain.Token
	err := s.leases.WithLock(ctx, id, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			token, err := s.store.Load(ctx, id)
			if err != nil {
				return err
			}
			out = token
			if token.Status != domain.StatusRunning {
				return nil
			}

			before := token.Clone()
			if err := s.engine.AdvanceUntilBlocked(ctx, token); err != nil {
				return err
			}
			return s.save(ctx, before, token)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("process %s: %w", id, err)
	}

	span.SetAttributes(attribute.String("token.status", string(out.Status)))
	if out.Failure != nil {
		s.logger.WarnContext(ctx, "token failed",
			"token_id", id,
			"code", string(out.Failure.Code),
			"step", out.Failure.Step,
			"err", out.Failure.Message,
		)
	}
	return out, nil
}

// Resume delivers an external event to a WAITING token and schedules it again.
func (s *Scheduler) Resume(ctx context.Context, id, target string, params map[string]any) (*domain.Token, error) {
	var token *domain.Token
	err := s.leases.WithLock(ctx, id, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			loaded, err := s.store.Load(ctx, id)
			if err != nil {
				return err
			}
			before := loaded.Clone()
			if err := s.engine.Resume(ctx, loaded, target, params); err != nil {
				return err
			}
			token = loaded
			return s.save(ctx, before, loaded)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, token)
}

// Cancel moves a token to CANCELLED. It is rejected with domain.ErrTokenBusy while a
// worker holds the token.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (*domain.Token, error) {
	var token *domain.Token
	err := s.leases.TryWithLock(ctx, id, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			loaded, err := s.store.Load(ctx, id)
			if err != nil {
				return err
			}
			before := loaded.Clone()
			if err := s.engine.Cancel(ctx, loaded, reason); err != nil {
				return err
			}
			token = loaded
			return s.save(ctx, before, loaded)
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "token cancelled", "token_id", id)
	return token, nil
}

// Get loads a token.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Token, error) {
	return s.store.Load(ctx, id)
}

// Outputs returns the outputs of a COMPLETED token.
func (s *Scheduler) Outputs(ctx context.Context, id string) (map[string]any, error) {
	token, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.engine.Outputs(token)
}

// HandleStartRequest starts the requested process. Requests are fire and forget:
// failures are logged and never returned to the sender.
func (s *Scheduler) HandleStartRequest(ctx context.Context, req domain.StartRequest) {
	entry := req.Process
	if req.Entry != "" {
		entry = entry.WithObjectPath(req.Entry)
	}
	token, err := s.Start(ctx, entry, req.Params)
	if err != nil {
		s.logger.ErrorContext(ctx, "start request failed",
			"request_id", req.RequestID,
			"process", entry.String(),
			"err", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "start request accepted", "request_id", req.RequestID, "token_id", token.ID)
}

// Requeue enqueues every persisted RUNNING token, e.g. after a restart.
func (s *Scheduler) Requeue(ctx context.Context) (int, error) {
	if s.ready == nil {
		return 0, errors.New("requeue: no ready queue configured")
	}
	lister, indexed := s.store.(ports.StatusLister)
	var ids []string
	var err error
	if indexed {
		ids, err = lister.ListByStatus(ctx, domain.StatusRunning)
	} else {
		ids, err = s.store.List(ctx)
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if !indexed {
			token, err := s.store.Load(ctx, id)
			if err != nil {
				if errors.Is(err, domain.ErrTokenNotFound) {
					continue
				}
				return n, err
			}
			if token.Status != domain.StatusRunning {
				continue
			}
		}
		if err := s.ready.Push(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) schedule(ctx context.Context, token *domain.Token) (*domain.Token, error) {
	if token.Status != domain.StatusRunning {
		return token, nil
	}
	if s.ready != nil {
		if err := s.ready.Push(ctx, token.ID); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", token.ID, err)
		}
		return token, nil
	}
	return s.Process(ctx, token.ID)
}

func (s *Scheduler) save(ctx context.Context, before, after *domain.Token) error {
	if err := s.store.Save(ctx, after); err != nil {
		return fmt.Errorf("save %s: %w", after.ID, err)
	}
	if s.onDiff != nil {
		if diff := domain.Diff(before, after); diff != nil {
			s.onDiff(ctx, diff)
		}
	}
	return nil
}
