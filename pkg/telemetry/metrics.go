package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Metrics provides Prometheus metrics for plugin invocations.
type Metrics struct {
	config MetricsConfig

	// Invocation metrics
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	changes            *prometheus.CounterVec

	// Primitive metrics
	items *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// no-op
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_invocations_total",
				Help:      "Total number of plugin invocations by outcome",
			},
			[]string{"plugin", "status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_invocation_duration_seconds",
				Help:      "Duration of plugin invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_changes_total",
				Help:      "Total number of invocations that changed managed state",
			},
			[]string{"plugin"},
		),

		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "primitive_operations_total",
				Help:      "Total number of primitive operations by outcome",
			},
			[]string{"plugin", "primitive", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.invocationDuration,
		m.changes,
		m.items,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordResult records a finished invocation, its primitives and its error.
func (m *Metrics) RecordResult(result *engine.Result, duration time.Duration) {
	if m.invocations == nil || result == nil {
		return
	}
	m.invocations.WithLabelValues(result.Plugin, string(result.Status)).Inc()
	m.invocationDuration.WithLabelValues(result.Plugin).Observe(duration.Seconds())
	if result.Changed {
		m.changes.WithLabelValues(result.Plugin).Inc()
	}
	for _, item := range result.Items {
		m.items.WithLabelValues(result.Plugin, item.Name, string(item.Status)).Inc()
	}
	if result.Error != nil {
		m.RecordError(string(result.Error.Class), result.Error.Code)
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Gatherer exposes the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all metrics to path for node_exporter's textfile
// collector. It is a no-op when metrics are disabled or no path is set.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
