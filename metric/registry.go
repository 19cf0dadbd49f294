// Package metric manages Prometheus metrics for the graph-node runtime: a
// private registry, core runtime metrics, and an HTTP exposition server.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/rosgraph/errors"
)

// MetricsRegistrar defines the interface for registering subsystem metrics
type MetricsRegistrar interface {
	RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error
	RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(subsystem, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(subsystem, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(subsystem, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core runtime metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Add Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core runtime metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under subsystem.metricName, rejecting duplicates.
func (r *MetricsRegistry) register(subsystem, metricName, kind string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for subsystem %s", metricName, subsystem),
			"MetricsRegistry", kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", kind, "prometheus registration")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a subsystem
func (r *MetricsRegistry) RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error {
	return r.register(subsystem, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a subsystem
func (r *MetricsRegistry) RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error {
	return r.register(subsystem, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a subsystem
func (r *MetricsRegistry) RegisterHistogram(subsystem, metricName string, histogram prometheus.Histogram) error {
	return r.register(subsystem, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for a subsystem
func (r *MetricsRegistry) RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(subsystem, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for a subsystem
func (r *MetricsRegistry) RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(subsystem, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for a subsystem
func (r *MetricsRegistry) RegisterHistogramVec(subsystem, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(subsystem, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a metric registration. Returns true if the metric existed.
func (r *MetricsRegistry) Unregister(subsystem, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	r.prometheusRegistry.Unregister(collector)
	delete(r.registeredMetrics, key)
	return true
}

// registerCoreMetrics registers the always-on runtime metrics.
func (r *MetricsRegistry) registerCoreMetrics() {
	m := r.Metrics
	r.prometheusRegistry.MustRegister(
		m.MessagesPublished,
		m.MessagesReceived,
		m.BytesSent,
		m.BytesReceived,
		m.OpenConnections,
		m.HandshakeFailures,
		m.MasterCalls,
		m.RegistrationRetries,
		m.ServiceCallDuration,
		m.ErrorsTotal,
	)
}
