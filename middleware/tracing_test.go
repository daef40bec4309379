package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/tataru-assistant/tataru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTracing(t *testing.T) {
	tests := []struct {
		name    string
		engine  string
		handler tataru.Handler
		wantErr bool
	}{
		{
			name:   "successful call",
			engine: "Baidu",
			handler: func(ctx context.Context, req *tataru.Request) (string, error) {
				return "你好", nil
			},
		},
		{
			name:   "failed call",
			engine: "DeepL",
			handler: func(ctx context.Context, req *tataru.Request) (string, error) {
				return "", status.Error(codes.Internal, "test error")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := tracetest.NewSpanRecorder()
			tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
			tracingMW := Tracing(
				WithTracer(tp.Tracer(TracerName)),
				WithRecordErrors(),
				WithRecordEvents(),
			)

			req := &tataru.Request{Text: "Hello", Engine: tt.engine, From: "English", To: "Chinese", Type: tataru.TypeSentence}
			_, err := tracingMW(context.Background(), req, tt.handler)

			if (err != nil) != tt.wantErr {
				t.Errorf("Tracing() error = %v, wantErr %v", err, tt.wantErr)
			}

			_ = tp.ForceFlush(context.Background())

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("Expected 1 span, got %d", len(spans))
			}

			span := spans[0]
			if span.Name() != SpanName(tt.engine) {
				t.Errorf("Expected span name %s, got %s", SpanName(tt.engine), span.Name())
			}

			found := false
			for _, attr := range span.Attributes() {
				if attr.Key == "tataru.engine" && attr.Value.AsString() == tt.engine {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected tataru.engine attribute %s", tt.engine)
			}

			if len(span.Events()) < 2 {
				t.Errorf("Expected request and response events, got %d", len(span.Events()))
			}

			if tt.wantErr && span.Status().Code != otelcodes.Error {
				t.Errorf("Expected error status, got %v", span.Status())
			}
			if !tt.wantErr && span.Status().Code != otelcodes.Ok {
				t.Errorf("Expected ok status, got %v", span.Status())
			}
		})
	}
}

func TestTracingNestsUnderCaller(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	mw := Tracing(
		WithTracer(tp.Tracer("test")),
		WithExtraAttributes(attribute.String("tataru.caller", "pipeline")),
	)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "translate")
	_, _ = mw(ctx, &tataru.Request{Text: "Hello", Engine: "Youdao"}, func(ctx context.Context, req *tataru.Request) (string, error) {
		return "你好", nil
	})
	parent.End()

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}

	child := spans[0]
	if child.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Errorf("Expected engine span to be a child of the caller span")
	}
}

func TestSpanName(t *testing.T) {
	tests := []struct {
		engine string
		want   string
	}{
		{"Baidu", "engine/Baidu"},
		{"Google", "engine/Google"},
		{"", "engine/"},
	}

	for _, tt := range tests {
		if got := SpanName(tt.engine); got != tt.want {
			t.Errorf("SpanName(%s) = %s, want %s", tt.engine, got, tt.want)
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)

	ctx, span := StartSpan(context.Background(), "test-span")

	SetSpanAttribute(ctx, "string.attr", "value")
	SetSpanAttribute(ctx, "int.attr", 42)
	SetSpanAttribute(ctx, "bool.attr", true)

	AddEventToSpan(ctx, "test-event")

	testErr := errors.New("test error")
	RecordError(ctx, testErr)

	if SpanFromContext(ctx) != span {
		t.Error("Expected SpanFromContext to return the started span")
	}

	span.End()
	_ = tp.ForceFlush(context.Background())

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name() != "test-span" {
		t.Errorf("Expected span name 'test-span', got '%s'", s.Name())
	}

	if s.Status().Code != otelcodes.Error {
		t.Errorf("Expected error status, got %v", s.Status())
	}
}
