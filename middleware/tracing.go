package middleware

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tataru-assistant/tataru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"
)

// TracerName is the instrumentation name used for tataru spans
const TracerName = "github.com/tataru-assistant/tataru"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	RecordErrors bool
	RecordEvents bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithRecordErrors enables error recording in spans
func WithRecordErrors() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = true
	}
}

// WithRecordEvents enables event recording in spans
func WithRecordEvents() TracingOption {
	return func(c *TracingConfig) {
		c.RecordEvents = true
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

// SpanName returns the span name of a call to engine
func SpanName(engine string) string {
	return "engine/" + engine
}

// Tracing creates a middleware starting one client span per engine call
func Tracing(opts ...TracingOption) tataru.Middleware {
	config := &TracingConfig{
		TracerName: TracerName,
	}

	for _, opt := range opts {
		opt(config)
	}

	// Resolved lazily so a provider installed after construction is still used
	tracer := func() trace.Tracer {
		if config.Tracer != nil {
			return config.Tracer
		}
		return otel.Tracer(config.TracerName)
	}

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		ctx, span := tracer().Start(ctx, SpanName(req.Engine),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("tataru.engine", req.Engine),
			attribute.String("tataru.from", req.From),
			attribute.String("tataru.to", req.To),
			attribute.String("tataru.type", string(req.Type)),
			attribute.Int("tataru.text.chars", utf8.RuneCountInString(req.Text)),
		)

		if config.RecordEvents {
			span.AddEvent("engine.request.sent")
		}

		out, err := next(ctx, req)

		if config.RecordEvents {
			span.AddEvent("engine.response.received")
		}

		if err != nil {
			st := status.Convert(err)
			span.SetStatus(codes.Error, st.Message())
			span.SetAttributes(
				attribute.String("rpc.grpc.status_code", st.Code().String()),
				attribute.String("error.message", st.Message()),
			)
			if config.RecordErrors {
				span.RecordError(err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.Int("tataru.translation.chars", utf8.RuneCountInString(out)))
		}

		return out, err
	}
}

// StartSpan is a helper function to manually start a span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}

// SpanFromContext returns the current span from the context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEventToSpan adds an event to the current span
func AddEventToSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttribute sets an attribute on the current span
func SetSpanAttribute(ctx context.Context, key string, value interface{}) {
	span := trace.SpanFromContext(ctx)

	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	span.SetAttributes(attr)
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
