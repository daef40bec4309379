package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Engine call metrics
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	activeCalls  *prometheus.GaugeVec
	errorsTotal  *prometheus.CounterVec
	textChars    *prometheus.HistogramVec

	// Pipeline metrics
	fallbacksTotal *prometheus.CounterVec

	// Server metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

func (p *PrometheusCollector) opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   p.config.Namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}
}

func (p *PrometheusCollector) histogramOpts(subsystem, name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: p.config.ConstLabels,
	}
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	p.callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(p.opts("engine", "calls_total", "Total number of upstream engine calls")),
		[]string{"engine", "code"},
	)

	p.activeCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(p.opts("engine", "active_calls", "Number of upstream engine calls in progress")),
		[]string{"engine"},
	)

	p.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(p.opts("engine", "errors_total", "Total number of failed upstream engine calls")),
		[]string{"engine", "code"},
	)

	// 16, 64, 256, 1K, 4K characters
	p.textChars = prometheus.NewHistogramVec(
		p.histogramOpts("engine", "text_chars", "Histogram of text sizes sent to and received from engines (characters)",
			prometheus.ExponentialBuckets(16, 4, 5)),
		[]string{"engine", "direction"},
	)

	p.fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(p.opts("pipeline", "fallbacks_total", "Total number of switches to an alternate engine")),
		[]string{"from", "to"},
	)

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(p.opts("server", "requests_total", "Total number of gRPC requests handled")),
		[]string{"method", "code"},
	)

	if p.config.EnableHistogram {
		p.callDuration = prometheus.NewHistogramVec(
			p.histogramOpts("engine", "call_duration_seconds", "Histogram of upstream engine call duration in seconds",
				p.config.HistogramBuckets),
			[]string{"engine", "code"},
		)
		p.requestDuration = prometheus.NewHistogramVec(
			p.histogramOpts("server", "request_duration_seconds", "Histogram of gRPC request duration in seconds",
				p.config.HistogramBuckets),
			[]string{"method", "code"},
		)
	}

	collectors := []prometheus.Collector{
		p.callsTotal,
		p.activeCalls,
		p.errorsTotal,
		p.textChars,
		p.fallbacksTotal,
		p.requestsTotal,
	}
	if p.config.EnableHistogram {
		collectors = append(collectors, p.callDuration, p.requestDuration)
	}

	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// RecordCall records a finished upstream engine call
func (p *PrometheusCollector) RecordCall(engine string, code string, duration time.Duration) {
	p.callsTotal.WithLabelValues(engine, code).Inc()
	if p.config.EnableHistogram {
		p.callDuration.WithLabelValues(engine, code).Observe(duration.Seconds())
	}
}

// RecordError records a failed upstream engine call
func (p *PrometheusCollector) RecordError(engine string, code string) {
	p.errorsTotal.WithLabelValues(engine, code).Inc()
}

// RecordActiveCalls updates the in-progress engine calls gauge
func (p *PrometheusCollector) RecordActiveCalls(engine string, delta int) {
	p.activeCalls.WithLabelValues(engine).Add(float64(delta))
}

// RecordTextSize records characters sent to or received from an engine
func (p *PrometheusCollector) RecordTextSize(engine string, direction string, size int) {
	p.textChars.WithLabelValues(engine, direction).Observe(float64(size))
}

// RecordFallback records a switch to the next engine of the fallback chain
func (p *PrometheusCollector) RecordFallback(from string, to string) {
	p.fallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordRequest records a completed server RPC
func (p *PrometheusCollector) RecordRequest(method string, code string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, code).Inc()
	if p.config.EnableHistogram {
		p.requestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
	}
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}

// Unregister unregisters a collector
func (p *PrometheusCollector) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}
