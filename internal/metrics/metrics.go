// Package metrics exposes Prometheus instrumentation for the alert engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alerts"

// Evaluation outcomes.
const (
	OutcomeNotMet     = "not_met"
	OutcomeMissing    = "missing_field"
	OutcomeSuppressed = "suppressed"
	OutcomeTriggered  = "triggered"
)

// Metrics holds the engine's collectors on a private registry, so several
// engines in one process (tests, embedded use) never collide.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	ActiveAlerts     prometheus.Gauge
	CheckDuration    prometheus.Histogram
}

// New creates a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Alert evaluations by outcome",
			},
			[]string{"outcome"},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Channel deliveries by channel and status",
			},
			[]string{"channel", "status"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent delivering to a channel",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
		ActiveAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Number of active alerts",
		}),
		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duration of one check over a market data batch",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation counts one alert evaluation.
func (m *Metrics) ObserveEvaluation(outcome string) {
	m.Evaluations.WithLabelValues(outcome).Inc()
}

// ObserveDelivery records one channel send.
func (m *Metrics) ObserveDelivery(channel string, ok bool, d time.Duration) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.Deliveries.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// SetActiveAlerts sets the active alert gauge.
func (m *Metrics) SetActiveAlerts(n int) {
	m.ActiveAlerts.Set(float64(n))
}
