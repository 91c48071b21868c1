package metrics

import (
	"net/http"

	"alertrelay/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns relay collectors on a private registry.
// Params: none.
// Returns: collectors and HTTP exposition handler.
type Metrics struct {
	registry *prometheus.Registry

	groupsReceived   *prometheus.CounterVec
	batches          *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// New creates and registers relay metrics together with process and Go collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		groupsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertrelay_groups_received_total",
				Help: "Number of accepted Alertmanager webhook groups.",
			},
			[]string{"route"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertrelay_batches_total",
				Help: "Number of batches produced by the preprocessing pipeline.",
			},
			[]string{"route"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertrelay_deliveries_total",
				Help: "Number of delivery and escalation calls by terminal state.",
			},
			[]string{"route", "state"},
		),
		deliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertrelay_delivery_attempts_total",
				Help: "Number of HTTP attempts including retries.",
			},
			[]string{"route"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alertrelay_delivery_duration_seconds",
				Help:    "Duration of one delivery including retries and backoff.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	m.registry.MustRegister(
		m.groupsReceived,
		m.batches,
		m.deliveries,
		m.deliveryAttempts,
		m.deliveryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the private registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GroupReceived counts one accepted webhook group.
func (m *Metrics) GroupReceived(route string) {
	m.groupsReceived.WithLabelValues(route).Inc()
}

// BatchesProduced counts pipeline output for one group.
func (m *Metrics) BatchesProduced(route string, count int) {
	m.batches.WithLabelValues(route).Add(float64(count))
}

// ObserveOutcome records one delivery outcome.
// Params: outcome emitted by notify.Dispatcher.
// Returns: none.
func (m *Metrics) ObserveOutcome(outcome notify.Outcome) {
	m.deliveries.WithLabelValues(outcome.Route, string(outcome.State)).Inc()
	m.deliveryAttempts.WithLabelValues(outcome.Route).Add(float64(outcome.Attempts))
	if !outcome.Escalation {
		m.deliveryDuration.WithLabelValues(outcome.Route).Observe(outcome.Duration.Seconds())
	}
}
