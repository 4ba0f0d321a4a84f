package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus metrics that sit outside any
// single workflow instance: message-queue depth and throughput, database
// pool health, and a catch-all error counter. The values are whatever
// callers pass to the setters below; no package in this module constructs
// a Metrics or calls them.
// Per-instance and per-step metrics live in internal/listeners instead,
// scoped to one graph at a time via GraphListener.
type Metrics struct {
	QueueDepth            *prometheus.GaugeVec
	MessageProcessingRate *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec

	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Number of messages in queue",
			},
			[]string{"queue_name"},
		),

		MessageProcessingRate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "message_processing_total",
				Help: "Total number of messages processed",
			},
			[]string{"queue_name", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_type"},
		),

		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

// SetQueueDepth sets the queue depth metric.
func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

// RecordMessageProcessed records a processed message metric.
func (m *Metrics) RecordMessageProcessed(queueName, status string) {
	m.MessageProcessingRate.WithLabelValues(queueName, status).Inc()
}

// RecordError records an error metric.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDatabaseConnections sets database connection metrics.
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
