package observability

import (
	"context"

	"github.com/aretw0/stepflow/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aretw0/stepflow/pkg/observability"

// TracingConfig configures OTLP export.
type TracingConfig struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP URL. Tracing is off when it is empty.
	Endpoint string
	Disabled bool
}

// SetupTracing initialises OpenTelemetry tracing and registers the global provider.
// When tracing is off it returns a no-op shutdown function.
//
// The returned shutdown function flushes pending spans and should be deferred by
// the caller.
func SetupTracing(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Disabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// TracingHooks emits one span per step visit and one error span per failing
// handler. A nil tp uses the global provider.
func TracingHooks(tp trace.TracerProvider) domain.LifecycleHooks {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return domain.LifecycleHooks{
		OnStepLeave: func(ctx context.Context, e *domain.StepEvent) {
			_, span := tracer.Start(ctx, "step "+e.Step,
				trace.WithTimestamp(e.Timestamp.Add(-e.Duration)),
				trace.WithAttributes(
					attribute.String("token.id", e.TokenID),
					attribute.String("process", e.Process.String()),
					attribute.String("step.kind", string(e.Kind)),
					attribute.String("step.port", e.Port),
					attribute.String("step.exit", e.Exit),
				),
			)
			span.End(trace.WithTimestamp(e.Timestamp))
		},
		OnHandlerError: func(ctx context.Context, e *domain.HandlerErrorEvent) {
			_, span := tracer.Start(ctx, "handler error "+e.Handler,
				trace.WithTimestamp(e.Timestamp),
				trace.WithAttributes(
					attribute.String("token.id", e.TokenID),
					attribute.String("step", e.Step),
					attribute.Bool("caught", e.Caught),
				),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End(trace.WithTimestamp(e.Timestamp))
		},
	}
}
