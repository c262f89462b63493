package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Attempt outcomes recorded per backend call.
const (
	OutcomeSuccess         = "success"
	OutcomeTransientError  = "transient_error"
	OutcomeFatalError      = "fatal_error"
	OutcomeInvalidResponse = "invalid_response"
)

// Metrics records one observation per backend attempt. Together with the
// per-attempt log record this is the only externally observable side
// effect of routing.
type Metrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics creates routing metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosense",
			Subsystem: "router",
			Name:      "backend_attempts_total",
			Help:      "Backend call attempts by backend id and outcome.",
		}, []string{"backend", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrosense",
			Subsystem: "router",
			Name:      "backend_attempt_seconds",
			Help:      "Backend call attempt latency by backend id.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
	}

	if reg != nil {
		reg.MustRegister(m.attempts, m.latency)
	}
	return m
}

// Observe records a single backend attempt.
func (m *Metrics) Observe(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, outcome).Inc()
	m.latency.WithLabelValues(backend).Observe(elapsed.Seconds())
}
