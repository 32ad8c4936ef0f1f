package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/idr"
)

const namespace = "idrbulk"

// Metrics counts API attempts and batch outcomes. It implements
// idr.Observer and bulk.OutcomeObserver.
type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  prometheus.Counter
	outcomes *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_attempts_total",
			Help:      "HTTP attempts against the InsightIDR API by route and result kind.",
		}, []string{"method", "route", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_attempt_duration_seconds",
			Help:      "Duration of individual HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Attempts beyond the first for a logical request.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Bulk update outcomes by status and failure kind.",
		}, []string{"status", "kind"}),
	}
	m.registry.MustRegister(m.attempts, m.latency, m.retries, m.outcomes)
	return m
}

func (m *Metrics) ObserveAttempt(a idr.Attempt) {
	m.attempts.WithLabelValues(a.Method, a.Route, a.Kind.String()).Inc()
	m.latency.WithLabelValues(a.Method, a.Route).Observe(a.Elapsed.Seconds())
	if a.N > 1 {
		m.retries.Inc()
	}
}

func (m *Metrics) ObserveOutcome(o bulk.Outcome) {
	m.outcomes.WithLabelValues(o.Status.String(), o.Kind().String()).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
