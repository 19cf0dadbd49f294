package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains runtime-level metrics shared by all handles of a node.
type Metrics struct {
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec

	OpenConnections   *prometheus.GaugeVec
	HandshakeFailures *prometheus.CounterVec

	MasterCalls         *prometheus.CounterVec
	RegistrationRetries prometheus.Counter

	ServiceCallDuration *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages accepted for publication",
			},
			[]string{"topic"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received from the wire",
			},
			[]string{"topic"},
		),

		BytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "transport",
				Name:      "bytes_sent_total",
				Help:      "Total serialized message bytes written to peers",
			},
			[]string{"topic"},
		),

		BytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "transport",
				Name:      "bytes_received_total",
				Help:      "Total serialized message bytes read from peers",
			},
			[]string{"topic"},
		),

		OpenConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "rosgraph",
				Subsystem: "transport",
				Name:      "open_connections",
				Help:      "Currently open peer connections",
			},
			[]string{"kind"},
		),

		HandshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "transport",
				Name:      "handshake_failures_total",
				Help:      "Handshakes rejected by digest or type mismatch",
			},
			[]string{"kind"},
		),

		MasterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "master",
				Name:      "calls_total",
				Help:      "Directory RPC calls by method and outcome",
			},
			[]string{"method", "status"},
		),

		RegistrationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "master",
				Name:      "registration_retries_total",
				Help:      "Registration attempts that failed and were retried",
			},
		),

		ServiceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rosgraph",
				Subsystem: "service",
				Name:      "call_duration_seconds",
				Help:      "Service call round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rosgraph",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by subsystem and kind",
			},
			[]string{"subsystem", "kind"},
		),
	}
}

// RecordMessagePublished increments the published message counter
func (c *Metrics) RecordMessagePublished(topic string, bytes int) {
	c.MessagesPublished.WithLabelValues(topic).Inc()
	c.BytesSent.WithLabelValues(topic).Add(float64(bytes))
}

// RecordMessageReceived increments the received message counter
func (c *Metrics) RecordMessageReceived(topic string, bytes int) {
	c.MessagesReceived.WithLabelValues(topic).Inc()
	c.BytesReceived.WithLabelValues(topic).Add(float64(bytes))
}

// RecordConnectionOpened increments the open connection gauge for a kind
// ("publisher", "subscriber", "service").
func (c *Metrics) RecordConnectionOpened(kind string) {
	c.OpenConnections.WithLabelValues(kind).Inc()
}

// RecordConnectionClosed decrements the open connection gauge for a kind
func (c *Metrics) RecordConnectionClosed(kind string) {
	c.OpenConnections.WithLabelValues(kind).Dec()
}

// RecordHandshakeFailure increments the handshake failure counter
func (c *Metrics) RecordHandshakeFailure(kind string) {
	c.HandshakeFailures.WithLabelValues(kind).Inc()
}

// RecordMasterCall increments the directory RPC counter
func (c *Metrics) RecordMasterCall(method string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.MasterCalls.WithLabelValues(method, status).Inc()
}

// RecordRegistrationRetry increments the registration retry counter
func (c *Metrics) RecordRegistrationRetry() {
	c.RegistrationRetries.Inc()
}

// RecordServiceCall records a service call round trip
func (c *Metrics) RecordServiceCall(service string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.ServiceCallDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// RecordError increments the error counter
func (c *Metrics) RecordError(subsystem, kind string) {
	c.ErrorsTotal.WithLabelValues(subsystem, kind).Inc()
}
