// Package metrics exposes Prometheus counters and histograms for dispatch
// outcomes, served on a dedicated listener separate from the proxy edge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels the result of one Dispatch call.
type Outcome string

const (
	OutcomeWinner  Outcome = "winner"
	OutcomeLoser   Outcome = "loser"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Metrics is the process-wide registry of dispatch instrumentation.
type Metrics struct {
	registry        *prometheus.Registry
	dispatchTotal   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// New registers the proxy's metrics against a fresh registry so repeated
// calls in tests don't collide with the global default registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		dispatchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "idempotent_proxy",
			Name:      "dispatch_total",
			Help:      "Count of dispatch outcomes by result.",
		}, []string{"outcome"}),
		upstreamLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idempotent_proxy",
			Name:      "upstream_call_seconds",
			Help:      "Latency of WINNER upstream calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
	}
}

// RecordDispatch increments the outcome counter.
func (m *Metrics) RecordDispatch(outcome Outcome) {
	m.dispatchTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveUpstreamLatency records how long a WINNER's upstream call took.
func (m *Metrics) ObserveUpstreamLatency(agent string, d time.Duration) {
	m.upstreamLatency.WithLabelValues(agent).Observe(d.Seconds())
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
