// Package tracing installs the OpenTelemetry tracer provider exporting to Jaeger
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Endpoint       string            `yaml:"endpoint"`       // Jaeger collector (HTTP)
	AgentEndpoint  string            `yaml:"agent_endpoint"` // Jaeger agent (UDP), used when Endpoint is empty
	SamplingRate   float64           `yaml:"sampling_rate"`
	MaxExportBatch int               `yaml:"max_export_batch"`
	MaxQueueSize   int               `yaml:"max_queue_size"`
	Attributes     map[string]string `yaml:"attributes"`
}

// DefaultConfig returns the default tracing configuration.
// Environment variables override the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        TracingEnabled(),
		ServiceName:    GetServiceName(),
		ServiceVersion: "1.0.0",
		Environment:    getEnvOrDefault("ENVIRONMENT", "development"),
		Endpoint:       GetJaegerEndpoint(),
		SamplingRate:   GetSamplingRate(),
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Setup installs a tracer provider exporting to Jaeger as the global provider.
// It returns nil when tracing is disabled.
func Setup(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	var exporter *jaeger.Exporter
	var err error
	if config.Endpoint != "" {
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.Endpoint)))
	} else {
		exporter, err = jaeger.New(jaeger.WithAgentEndpoint(jaeger.WithAgentHost(config.AgentEndpoint)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	tp, err := NewProvider(ctx, config, exporter)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// NewProvider builds a tracer provider batching spans into exporter
func NewProvider(ctx context.Context, config *Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.Attributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if config.MaxExportBatch > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(config.MaxExportBatch))
	}
	if config.MaxQueueSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxQueueSize(config.MaxQueueSize))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter, batchOpts...)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(config.SamplingRate)),
	), nil
}

// Sampler returns the parent-based sampler for a sampling rate between 0 and 1
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0.0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// ForceFlush forces the tracer provider to flush all pending spans
func ForceFlush(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// TracingEnabled reports whether TRACING_ENABLED is "true"
func TracingEnabled() bool {
	return getEnvOrDefault("TRACING_ENABLED", "false") == "true"
}

// GetServiceName returns the service name from environment or default
func GetServiceName() string {
	return getEnvOrDefault("SERVICE_NAME", "tataru")
}

// GetJaegerEndpoint returns the Jaeger endpoint from environment or default
func GetJaegerEndpoint() string {
	return getEnvOrDefault("JAEGER_ENDPOINT", "http://localhost:14268/api/traces")
}

// GetSamplingRate returns TRACE_SAMPLING_RATE, or 1 when unset or invalid
func GetSamplingRate() float64 {
	rate, err := strconv.ParseFloat(getEnvOrDefault("TRACE_SAMPLING_RATE", "1"), 64)
	if err != nil || rate < 0 || rate > 1 {
		return 1.0
	}
	return rate
}
