// Package metrics provides Prometheus metrics for the verification engine and
// its supporting services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsCreated    *prometheus.CounterVec
	VerificationTransitions *prometheus.CounterVec
	Dispenses               *prometheus.CounterVec
	Notifications           *prometheus.CounterVec
	ProcessingDuration      *prometheus.HistogramVec
	CatalogEntries          prometheus.Gauge
	CatalogReloads          *prometheus.CounterVec
	KafkaMessagesProduced   prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
	WebsocketConnections    prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewUnregistered creates metrics that are not exported anywhere. Components
// fall back to it when no Metrics is injected.
func NewUnregistered() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}, []string{"origin", "status"}),
		VerificationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verification_transitions_total",
			Help: "Verification state transitions by target status",
		}, []string{"to"}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_total",
			Help: "Dispense attempts by outcome",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification deliveries by event type and outcome",
		}, []string{"type", "outcome"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_operation_duration_seconds",
			Help:    "Engine operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		CatalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dangerous_drug_catalog_entries",
			Help: "Entries in the active dangerous-drug catalog",
		}),
		CatalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dangerous_drug_catalog_reloads_total",
			Help: "Catalog loads by result",
		}, []string{"result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		WebsocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open notification websocket connections",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.VerificationTransitions,
		m.Dispenses,
		m.Notifications,
		m.ProcessingDuration,
		m.CatalogEntries,
		m.CatalogReloads,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.WebsocketConnections,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
