// Package metrics provides Prometheus metrics for the prescription workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Transitions           *prometheus.CounterVec
	TransitionsRejected   *prometheus.CounterVec
	NotificationsCreated  *prometheus.CounterVec
	PushDelivered         prometheus.Counter
	PushDropped           prometheus.Counter
	AuditFailures         prometheus.Counter
	RemindersSent         *prometheus.CounterVec
	RemindersSkipped      prometheus.Counter
	SweepDuration         prometheus.Histogram
	SweepFailures         prometheus.Counter
	LiveConnections       prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow transitions applied, by resource and resulting status",
		}, []string{"resource", "status"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_rejected_total",
			Help: "Workflow transitions rejected, by resource and error kind",
		}, []string{"resource", "kind"}),
		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications persisted, by type",
		}, []string{"type"}),
		PushDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_push_delivered_total",
			Help: "Notification events written to live connections",
		}),
		PushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_push_dropped_total",
			Help: "Notification events dropped by a failed or slow connection",
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be written",
		}),
		RemindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Reminder notifications emitted, by threshold",
		}, []string{"threshold"}),
		RemindersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_deduplicated_total",
			Help: "Reminders skipped because the sweep window was already handled",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_sweep_duration_seconds",
			Help:    "Reminder sweep duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_sweep_failures_total",
			Help: "Reminder sweeps that ended with an error",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Live notification connections on this instance",
		}),
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
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.Transitions,
		m.TransitionsRejected,
		m.NotificationsCreated,
		m.PushDelivered,
		m.PushDropped,
		m.AuditFailures,
		m.RemindersSent,
		m.RemindersSkipped,
		m.SweepDuration,
		m.SweepFailures,
		m.LiveConnections,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPDuration,
	)

	return m
}

// Nop returns metrics registered with a private registry, for tests and tools
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus HTTP handler for the given gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
