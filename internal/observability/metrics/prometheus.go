// Package metrics provides Prometheus metrics for the lab order service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, so packages can take one unconditionally.
type Metrics struct {
	OrdersPlaced          prometheus.Counter
	TransitionsTotal      *prometheus.CounterVec
	TransitionDuration    *prometheus.HistogramVec
	NotificationsSent     prometheus.Counter
	NotificationsDropped  *prometheus.CounterVec
	DocumentUploads       *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	AuditRecordsWritten   *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. Passing nil uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lab_orders_placed_total",
			Help: "Total lab orders placed",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_test_transitions_total",
			Help: "Lab test commands by command and outcome (ok or error kind)",
		}, []string{"command", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lab_test_transition_duration_seconds",
			Help:    "Time to apply a lab test command including persistence",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"command"}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lab_notifications_sent_total",
			Help: "Lifecycle notifications delivered to the event sink",
		}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_notifications_dropped_total",
			Help: "Lifecycle notifications that were not delivered",
		}, []string{"reason"}),
		DocumentUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_result_document_uploads_total",
			Help: "Result document uploads by outcome",
		}, []string{"outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		AuditRecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_audit_records_total",
			Help: "Audit trail records by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OrdersPlaced,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.NotificationsSent,
		m.NotificationsDropped,
		m.DocumentUploads,
		m.HTTPRequests,
		m.HTTPDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.AuditRecordsWritten,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	return m
}

// OrderPlaced counts a placed order.
func (m *Metrics) OrderPlaced() {
	if m == nil {
		return
	}
	m.OrdersPlaced.Inc()
}

// ObserveTransition records one command and how it ended.
func (m *Metrics) ObserveTransition(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(command, outcome).Inc()
	m.TransitionDuration.WithLabelValues(command).Observe(d.Seconds())
}

// NotificationSent counts a delivered notification.
func (m *Metrics) NotificationSent() {
	if m == nil {
		return
	}
	m.NotificationsSent.Inc()
}

// NotificationDropped counts an undelivered notification.
func (m *Metrics) NotificationDropped(reason string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(reason).Inc()
}

// DocumentUpload records an upload outcome.
func (m *Metrics) DocumentUpload(outcome string) {
	if m == nil {
		return
	}
	m.DocumentUploads.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records a finished request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// MessageProduced counts a produced Kafka record.
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a consumed Kafka record.
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// AuditRecord counts an audit write outcome.
func (m *Metrics) AuditRecord(outcome string) {
	if m == nil {
		return
	}
	m.AuditRecordsWritten.WithLabelValues(outcome).Inc()
}

// SetOutboxPending updates the outbox backlog gauge.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState updates a breaker's state gauge.
func (m *Metrics) SetBreakerState(name string, value float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(value)
}

// Handler returns the Prometheus HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
