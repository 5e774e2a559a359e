package observability

import (
	"context"
	"net/http"
	"strconv"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors.
type Metrics struct {
	StepVisits    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	TokenStatus   *prometheus.CounterVec
	HandlerErrors *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them with reg. A nil reg uses a
// private registry, which keeps tests independent of the global one.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		StepVisits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_visits_total",
				Help: "Total number of step entries",
			},
			[]string{"process", "step"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_step_duration_seconds",
				Help:    "Time spent in a step, from entry to exit",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"process", "step"},
		),
		TokenStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_token_transitions_total",
				Help: "Token status transitions by target status",
			},
			[]string{"status"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_handler_errors_total",
				Help: "Handler failures, split by whether the graph caught them",
			},
			[]string{"handler", "caught"},
		),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{m.StepVisits, m.StepDuration, m.TokenStatus, m.HandlerErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hooks records lifecycle events.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepEnter: func(_ context.Context, e *domain.StepEvent) {
			m.StepVisits.WithLabelValues(e.Process.String(), e.Step).Inc()
		},
		OnStepLeave: func(_ context.Context, e *domain.StepEvent) {
			m.StepDuration.WithLabelValues(e.Process.String(), e.Step).Observe(e.Duration.Seconds())
		},
		OnTokenStatus: func(_ context.Context, e *domain.StatusEvent) {
			m.TokenStatus.WithLabelValues(string(e.To)).Inc()
		},
		OnHandlerError: func(_ context.Context, e *domain.HandlerErrorEvent) {
			m.HandlerErrors.WithLabelValues(e.Handler, strconv.FormatBool(e.Caught)).Inc()
		},
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
