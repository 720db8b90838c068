package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrument set for the decision pipeline.
// One instance is created at startup and shared; all methods are safe for
// concurrent use.
type Metrics struct {
	Registry *prometheus.Registry

	decideTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	brokerAttempt *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	rejectedTotal *prometheus.CounterVec
}

// NewMetrics builds a metric set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		decideTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "decide_requests_total",
			Help:      "Decide requests by chosen route.",
		}, []string{"route"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "stage_duration_ms",
			Help:      "Per-stage pipeline latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 300, 500, 1000, 2500, 5000, 10000},
		}, []string{"stage"}),
		brokerAttempt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "broker_attempts_total",
			Help:      "Tool execution attempts by tool and outcome.",
		}, []string{"tool", "outcome"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "breaker_open",
			Help:      "1 when the tool's circuit breaker is open.",
		}, []string{"tool"}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "rejected_requests_total",
			Help:      "Requests rejected before the pipeline ran.",
		}, []string{"reason"}),
	}
}

// ObserveRoute counts one served request on the given route.
func (m *Metrics) ObserveRoute(route string) {
	m.decideTotal.WithLabelValues(route).Inc()
}

// ObserveStage records one stage duration.
func (m *Metrics) ObserveStage(stage string, ms int64) {
	m.stageDuration.WithLabelValues(stage).Observe(float64(ms))
}

// ObserveAttempt counts one broker attempt.
func (m *Metrics) ObserveAttempt(tool, outcome string) {
	m.brokerAttempt.WithLabelValues(tool, outcome).Inc()
}

// SetBreakerOpen reflects a breaker state change.
func (m *Metrics) SetBreakerOpen(tool string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerState.WithLabelValues(tool).Set(v)
}

// ObserveRejected counts one rejected request (invalid_request, saturated).
// Requests refused by the rate-limit middleware are not counted here.
func (m *Metrics) ObserveRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}
