package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/internal/runtime"
	"github.com/aretw0/stepflow/pkg/adapters/lua"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/lease"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/notify"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/aretw0/stepflow/pkg/scheduler"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Version is the release of the engine. It is set at link time.
var Version = "dev"

// Engine is the high-level entry point of the library. It wires the model manager,
// the handler registry, the execution engine, the notification service and the
// scheduler around one model source.
type Engine struct {
	Models    *model.Manager
	Handlers  *handler.Registry
	Notifier  *notify.Service
	Scheduler *scheduler.Scheduler

	source ports.ModelSource
	queued bool
	watch  bool
	logger *slog.Logger
}

type options struct {
	handlers  *handler.Registry
	store     ports.TokenStore
	objects   ports.ObjectStore
	tx        ports.Transactor
	ready     ports.ReadyQueue
	requests  ports.RequestQueue
	locker    ports.DistributedLocker
	leaseTTL  time.Duration
	workers   int
	maxSteps  int
	luaBudget int
	evaluator runtime.ConditionEvaluator
	hooks     domain.LifecycleHooks
	diffs     []scheduler.DiffListener
	tracer    trace.TracerProvider
	sessions  notify.SessionValidator
	reporter  notify.Reporter
	watch     bool
	logger    *slog.Logger
}

// Option configures the Engine.
type Option func(*options)

// WithHandlers uses an existing handler registry. By default New creates an empty one
// reachable through Engine.Handlers.
func WithHandlers(r *handler.Registry) Option {
	return func(o *options) { o.handlers = r }
}

// WithStore sets the token store. The default is an in-memory store.
func WithStore(s ports.TokenStore) Option {
	return func(o *options) { o.store = s }
}

// WithObjectStore sets the store handlers reach through LoadObject and SaveObject.
func WithObjectStore(s ports.ObjectStore) Option {
	return func(o *options) { o.objects = s }
}

// WithTransactor wraps every token advance in a transaction.
func WithTransactor(tx ports.Transactor) Option {
	return func(o *options) { o.tx = tx }
}

// WithReadyQueue makes Start and Resume enqueue tokens for the worker pool started
// by Run. Without it tokens advance inline.
func WithReadyQueue(q ports.ReadyQueue) Option {
	return func(o *options) { o.ready = q }
}

// WithRequestQueue makes Run consume asynchronous start requests.
func WithRequestQueue(q ports.RequestQueue) Option {
	return func(o *options) { o.requests = q }
}

// WithLocker adds a distributed lock to the per-token leases.
func WithLocker(l ports.DistributedLocker) Option {
	return func(o *options) { o.locker = l }
}

// WithLeaseTTL sets the expiry of distributed leases.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) { o.leaseTTL = ttl }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxSteps bounds the steps of one advance.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithLuaBudget sets the instruction budget of Lua branch conditions.
func WithLuaBudget(n int) Option {
	return func(o *options) { o.luaBudget = n }
}

// WithConditionEvaluator replaces the Lua evaluator of branch conditions.
func WithConditionEvaluator(eval runtime.ConditionEvaluator) Option {
	return func(o *options) { o.evaluator = eval }
}

// WithLifecycleHooks registers observability hooks. Repeated calls merge.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *options) { o.hooks = o.hooks.Merge(hooks) }
}

// WithDiffListener registers a listener for token changes. Repeated calls add.
func WithDiffListener(fn scheduler.DiffListener) Option {
	return func(o *options) { o.diffs = append(o.diffs, fn) }
}

// WithTracerProvider traces scheduler work with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithSessionValidator guards remote observer subscriptions.
func WithSessionValidator(v notify.SessionValidator) Option {
	return func(o *options) { o.sessions = v }
}

// WithReporter receives every failing observer of a broadcast.
func WithReporter(r notify.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithWatch makes Run forward changes of a watchable model source to the observers.
func WithWatch(enabled bool) Option {
	return func(o *options) { o.watch = enabled }
}

// WithLogger sets a structured logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New initializes an Engine reading process definitions from source.
func New(source ports.ModelSource, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, errors.New("model source is required")
	}
	o := options{luaBudget: lua.DefaultBudget}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.handlers == nil {
		o.handlers = handler.NewRegistry()
	}
	if o.store == nil {
		o.store = memory.NewStore()
	}
	if o.objects == nil {
		if objs, ok := o.store.(ports.ObjectStore); ok {
			o.objects = objs
		} else {
			o.objects = memory.NewObjects()
		}
	}
	if o.evaluator == nil {
		o.evaluator = lua.New(lua.WithBudget(o.luaBudget)).Evaluate
	}
	if o.watch {
		if _, ok := source.(ports.Watchable); !ok {
			return nil, fmt.Errorf("model source %T does not support watching", source)
		}
	}

	models := model.NewManager(source,
		model.WithLogger(o.logger),
		model.WithHandlerCheck(o.handlers.Has),
	)

	runtimeOpts := []runtime.EngineOption{
		runtime.WithLogger(o.logger),
		runtime.WithLifecycleHooks(o.hooks),
		runtime.WithConditionEvaluator(o.evaluator),
		runtime.WithObjectStore(o.objects),
	}
	if o.maxSteps > 0 {
		runtimeOpts = append(runtimeOpts, runtime.WithMaxSteps(o.maxSteps))
	}
	rt := runtime.NewEngine(models, o.handlers, runtimeOpts...)

	notifyOpts := []notify.Option{notify.WithLogger(o.logger)}
	if o.sessions != nil {
		notifyOpts = append(notifyOpts, notify.WithSessionValidator(o.sessions))
	}
	if o.reporter != nil {
		notifyOpts = append(notifyOpts, notify.WithReporter(o.reporter))
	}
	notifier := notify.NewService(notifyOpts...)
	// The model cache is invalidated before any other observer hears of a change.
	notifier.AddNamed("model-cache", models)

	leaseOpts := []lease.Option{lease.WithLogger(o.logger)}
	if o.locker != nil {
		leaseOpts = append(leaseOpts, lease.WithLocker(o.locker))
	}
	if o.leaseTTL > 0 {
		leaseOpts = append(leaseOpts, lease.WithTTL(o.leaseTTL))
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLeases(lease.NewManager(leaseOpts...)),
		scheduler.WithWorkers(o.workers),
		scheduler.WithLogger(o.logger),
	}
	if o.tx != nil {
		schedOpts = append(schedOpts, scheduler.WithTransactor(o.tx))
	}
	if o.ready != nil {
		schedOpts = append(schedOpts, scheduler.WithReadyQueue(o.ready))
	}
	if o.requests != nil {
		schedOpts = append(schedOpts, scheduler.WithRequestQueue(o.requests))
	}
	if o.tracer != nil {
		schedOpts = append(schedOpts, scheduler.WithTracerProvider(o.tracer))
	}
	if len(o.diffs) > 0 {
		schedOpts = append(schedOpts, scheduler.WithDiffListener(fanOut(o.diffs)))
	}

	return &Engine{
		Models:    models,
		Handlers:  o.handlers,
		Notifier:  notifier,
		Scheduler: scheduler.New(rt, o.store, schedOpts...),
		source:    source,
		queued:    o.ready != nil,
		watch:     o.watch,
		logger:    o.logger,
	}, nil
}

func fanOut(listeners []scheduler.DiffListener) scheduler.DiffListener {
	if len(listeners) == 1 {
		return listeners[0]
	}
	return func(ctx context.Context, diff *domain.TokenDiff) {
		for _, l := range listeners {
			l(ctx, diff)
		}
	}
}

// Start creates a token for entry and advances it, inline or through the ready queue.
func (e *Engine) Start(ctx context.Context, entry qualifier.Qualifier, params map[string]any) (*domain.Token, error) {
	return e.Scheduler.Start(ctx, entry, params)
}

// Resume re-enters a waiting token at target ("Step" or "Step.Port").
func (e *Engine) Resume(ctx context.Context, id, target string, params map[string]any) (*domain.Token, error) {
	return e.Scheduler.Resume(ctx, id, target, params)
}

// Cancel stops a token that is not currently advancing.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*domain.Token, error) {
	return e.Scheduler.Cancel(ctx, id, reason)
}

// Get returns the stored token.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Token, error) {
	return e.Scheduler.Get(ctx, id)
}

// Outputs returns the output parameters of a completed token.
func (e *Engine) Outputs(ctx context.Context, id string) (map[string]any, error) {
	return e.Scheduler.Outputs(ctx, id)
}

// Validate loads every process of the model source and reports each one that does
// not compile or validate.
func (e *Engine) Validate(ctx context.Context) ([]qualifier.Qualifier, error) {
	processes, err := e.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var errs []error
	for _, q := range processes {
		if _, err := e.Models.Load(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q, err))
		}
	}
	return processes, errors.Join(errs...)
}

// Run drives the background work of the engine until ctx is done: the worker pool
// when a ready queue is configured and the model watcher when watching is enabled.
// Tokens persisted as RUNNING are queued again when the pool starts.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.queued {
		g.Go(func() error {
			return e.Scheduler.Run(ctx)
		})
		g.Go(func() error {
			n, err := e.Scheduler.Requeue(ctx)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("requeue running tokens: %w", err)
			}
			if n > 0 {
				e.logger.InfoContext(ctx, "running tokens requeued", "count", n)
			}
			return nil
		})
	}
	if e.watch {
		g.Go(func() error {
			return e.Notifier.Pump(ctx, e.source.(ports.Watchable))
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	e.logger.InfoContext(ctx, "engine running", "queued", e.queued, "watch", e.watch)
	return g.Wait()
}
