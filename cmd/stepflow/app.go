package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/stepflow"
	"github.com/aretw0/stepflow/internal/config"
	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/adapters/file"
	"github.com/aretw0/stepflow/pkg/adapters/jwtsession"
	loamAdapter "github.com/aretw0/stepflow/pkg/adapters/loam"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/adapters/process"
	"github.com/aretw0/stepflow/pkg/adapters/redis"
	"github.com/aretw0/stepflow/pkg/adapters/sqlite"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/notify"
	"github.com/aretw0/stepflow/pkg/observability"
	"github.com/aretw0/stepflow/pkg/persistence/middleware"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"
)

// app is an engine assembled from the configuration, plus the adapters the commands
// reach directly.
type app struct {
	engine   *stepflow.Engine
	store    ports.TokenStore
	requests ports.RequestQueue
	metrics  *observability.Metrics
	masker   *middleware.Masker
	sessions *jwtsession.Validator
	logger   *slog.Logger
	closers  []func(context.Context) error
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.NewWriter(os.Stderr, cfg.Level(), logging.Format(cfg.LogFormat))
}

// newApp builds every adapter selected by cfg. extra options are applied after the
// configured ones.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...stepflow.Option) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	source, err := openSource(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []stepflow.Option{
		stepflow.WithLogger(logger),
		stepflow.WithWorkers(cfg.Workers),
		stepflow.WithMaxSteps(cfg.MaxSteps),
		stepflow.WithLuaBudget(cfg.LuaBudget),
		stepflow.WithLeaseTTL(cfg.LeaseTTL),
		stepflow.WithWatch(cfg.Watch),
		stepflow.WithLifecycleHooks(observability.LoggingHooks(logger)),
	}

	commands, err := process.LoadCommands(cfg.Handlers)
	if err != nil {
		return nil, err
	}
	handlers := handler.NewRegistry()
	process.NewRunner(
		process.WithCommands(commands),
		process.WithBaseDir(filepath.Dir(cfg.Handlers)),
		process.WithLogger(logger),
	).RegisterAll(handlers)
	opts = append(opts, stepflow.WithHandlers(handlers))

	var rdb *backend.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	switch cfg.Store {
	case "memory":
		a.store = memory.NewStore()
	case "file":
		fs := file.NewStore(cfg.DataDir)
		a.store = fs
		opts = append(opts, stepflow.WithObjectStore(fs))
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.store = db
		opts = append(opts, stepflow.WithObjectStore(db), stepflow.WithTransactor(db))
	case "redis":
		a.store = redis.NewStore(rdb,
			redis.WithTTL(cfg.TokenTTL),
			redis.WithPrefix(cfg.RedisPrefix),
		)
	}

	active, fallback, err := cfg.EncryptionKeys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		})
		if err != nil {
			return nil, err
		}
		a.store = middleware.Chain(a.store, mw)
	}
	opts = append(opts, stepflow.WithStore(a.store))

	switch cfg.Queue {
	case "memory":
		q := memory.NewQueue(0)
		a.requests = q
		opts = append(opts, stepflow.WithReadyQueue(q), stepflow.WithRequestQueue(q))
	case "redis":
		q := redis.NewQueue(rdb, cfg.RedisPrefix)
		a.requests = q
		opts = append(opts, stepflow.WithReadyQueue(q), stepflow.WithRequestQueue(q))
	}
	if cfg.DistributedLocks {
		opts = append(opts, stepflow.WithLocker(redis.NewLocker(rdb, cfg.RedisPrefix)))
	}

	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if a.metrics, err = observability.NewMetrics(reg); err != nil {
			return nil, err
		}
		opts = append(opts, stepflow.WithLifecycleHooks(a.metrics.Hooks()))
	}

	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Disabled:    cfg.OTelDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	if !cfg.OTelDisabled && cfg.OTelEndpoint != "" {
		opts = append(opts, stepflow.WithLifecycleHooks(observability.TracingHooks(nil)))
	}

	switch {
	case cfg.SessionKey != "":
		a.sessions = newSessions(cfg)
		opts = append(opts, stepflow.WithSessionValidator(a.sessions))
	case len(cfg.Sessions) > 0:
		opts = append(opts, stepflow.WithSessionValidator(notify.NewAllowList(cfg.Sessions...)))
	}
	if a.masker, err = newMasker(cfg); err != nil {
		return nil, err
	}

	opts = append(opts, stepflow.WithReporter(func(ctx context.Context, f notify.Failure) {
		logger.WarnContext(ctx, "model observer failed", "observer", f.Name, "err", f.Err)
	}))

	a.engine, err = stepflow.New(source, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newSessions(cfg config.Config) *jwtsession.Validator {
	return jwtsession.New([]byte(cfg.SessionKey), jwtsession.WithIssuer(cfg.ServiceName))
}

// newMasker returns nil when no PII pattern is configured.
func newMasker(cfg config.Config) (*middleware.Masker, error) {
	if len(cfg.PIIPatterns) == 0 {
		return nil, nil
	}
	return middleware.NewMasker(cfg.PIIPatterns)
}

func openSource(cfg config.Config, logger *slog.Logger) (ports.ModelSource, error) {
	switch cfg.ModelSource {
	case "loam":
		src, err := loamAdapter.Open(cfg.Models,
			loamAdapter.WithModel(cfg.Model),
			loamAdapter.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		if _, err := os.Stat(cfg.Models); err != nil {
			return nil, fmt.Errorf("models directory: %w", err)
		}
		return file.NewSource(cfg.Models, file.WithLogger(logger)), nil
	}
}

// Close releases adapters in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
