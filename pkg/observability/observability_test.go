package observability_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aretw0/stepflow/internal/runtime"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/model"
	"github.com/aretw0/stepflow/pkg/observability"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const tiny = `
name: Tiny
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Work}]}]}
  - {name: Work, handler: work, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`

func run(t *testing.T, hooks domain.LifecycleHooks) *domain.Token {
	t.Helper()
	src, err := memory.NewSource(map[string]string{"/demo/Tiny": tiny})
	require.NoError(t, err)
	reg := handler.NewRegistry()
	reg.RegisterFunc("work", func(context.Context, *handler.Invocation) handler.Result {
		return handler.Done()
	})
	engine := runtime.NewEngine(model.NewManager(src), reg, runtime.WithLifecycleHooks(hooks))

	ctx := context.Background()
	token := engine.CreateToken()
	require.NoError(t, engine.StartToken(ctx, token, qualifier.Must("/demo/Tiny"), nil))
	require.NoError(t, engine.AdvanceUntilBlocked(ctx, token))
	require.Equal(t, domain.StatusCompleted, token.Status)
	return token
}

func TestMetrics_Hooks(t *testing.T) {
	m, err := observability.NewMetrics(nil)
	require.NoError(t, err)

	run(t, m.Hooks())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepVisits.WithLabelValues("/demo/Tiny", "Work")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenStatus.WithLabelValues(string(domain.StatusCompleted))))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "stepflow_step_duration_seconds")
}

func TestMetrics_HandlerErrors(t *testing.T) {
	m, err := observability.NewMetrics(nil)
	require.NoError(t, err)

	hooks := m.Hooks()
	hooks.OnHandlerError(context.Background(), &domain.HandlerErrorEvent{Handler: "pay", Caught: true})
	hooks.OnHandlerError(context.Background(), &domain.HandlerErrorEvent{Handler: "pay", Caught: false})
	hooks.OnHandlerError(context.Background(), &domain.HandlerErrorEvent{Handler: "pay", Caught: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("pay", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("pay", "false")))
}

func TestLoggingHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	run(t, observability.LoggingHooks(logger))

	out := buf.String()
	assert.Contains(t, out, `"msg":"step_enter"`)
	assert.Contains(t, out, `"msg":"token_status"`)
	assert.Contains(t, out, `"to":"COMPLETED"`)
}

func TestTracingHooks(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	hooks := observability.TracingHooks(tp)
	run(t, hooks)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "step Work")

	now := time.Now()
	hooks.OnHandlerError(context.Background(), &domain.HandlerErrorEvent{
		Timestamp: now, Handler: "pay", Err: errors.New("declined"),
	})
	ended := recorder.Ended()
	last := ended[len(ended)-1]
	assert.Equal(t, "handler error pay", last.Name())
	assert.Equal(t, "declined", last.Status().Description)
}

func TestSetupTracing_Noop(t *testing.T) {
	for name, cfg := range map[string]observability.TracingConfig{
		"no endpoint": {ServiceName: "test"},
		"disabled":    {ServiceName: "test", Endpoint: "http://localhost:4318", Disabled: true},
	} {
		t.Run(name, func(t *testing.T) {
			shutdown, err := observability.SetupTracing(context.Background(), cfg)
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestSetupTracing_Provider(t *testing.T) {
	// Non-routable address: nothing is exported.
	shutdown, err := observability.SetupTracing(context.Background(), observability.TracingConfig{
		ServiceName: "test",
		Endpoint:    "http://192.0.2.1:4318",
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
