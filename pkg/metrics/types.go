// Package metrics provides Prometheus instrumentation for engines, the cache and the server
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// RecordCall records a finished upstream engine call
	RecordCall(engine string, code string, duration time.Duration)

	// RecordError records a failed upstream engine call
	RecordError(engine string, code string)

	// RecordActiveCalls updates the in-progress engine calls gauge
	RecordActiveCalls(engine string, delta int)

	// RecordTextSize records characters sent to or received from an engine
	RecordTextSize(engine string, direction string, size int)

	// RecordFallback records a switch to the next engine of the fallback chain
	RecordFallback(from string, to string)

	// RecordRequest records a completed server RPC
	RecordRequest(method string, code string, duration time.Duration)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "tataru")
	Namespace string

	// Enable histogram buckets for latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:       "tataru",
		EnableHistogram: true,
		HistogramBuckets: []float64{
			0.01, // 10ms
			0.05, // 50ms
			0.1,  // 100ms
			0.25, // 250ms
			0.5,  // 500ms
			1.0,  // 1s
			2.5,  // 2.5s
			5.0,  // 5s
			10.0, // 10s
			30.0, // 30s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}
