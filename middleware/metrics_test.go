package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMetricsMiddleware(t *testing.T) {
	t.Run("successful call", func(t *testing.T) {
		collector, err := metrics.NewPrometheusCollector()
		if err != nil {
			t.Fatalf("Failed to create metrics collector: %v", err)
		}

		mw := Metrics(collector)
		req := &tataru.Request{Text: "Hello", Engine: "Baidu"}

		handler := func(ctx context.Context, req *tataru.Request) (string, error) {
			time.Sleep(10 * time.Millisecond)
			return "你好", nil
		}

		resp, err := mw(context.Background(), req, handler)
		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if resp != "你好" {
			t.Errorf("Expected response '你好', got: %v", resp)
		}

		registry := collector.GetRegistry()

		calls, err := getMetricValue(registry, "tataru_engine_calls_total")
		if err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Errorf("Expected calls_total to be 1, got: %f", calls)
		}

		active, err := getMetricValue(registry, "tataru_engine_active_calls")
		if err != nil {
			t.Fatal(err)
		}
		if active != 0 {
			t.Errorf("Expected no active calls after return, got: %f", active)
		}

		if _, err := getMetricValue(registry, "tataru_engine_errors_total"); err == nil {
			t.Error("errors_total should not be recorded on success")
		}
	})

	t.Run("failed call", func(t *testing.T) {
		collector, _ := metrics.NewPrometheusCollector()
		mw := Metrics(collector)

		handler := func(ctx context.Context, req *tataru.Request) (string, error) {
			return "", status.Error(codes.Unavailable, "engine unavailable")
		}

		_, err := mw(context.Background(), &tataru.Request{Text: "Hello", Engine: "Youdao"}, handler)
		if err == nil {
			t.Error("Expected error, got nil")
		}

		errs, err := getMetricValue(collector.GetRegistry(), "tataru_engine_errors_total")
		if err != nil {
			t.Fatal(err)
		}
		if errs != 1 {
			t.Errorf("Expected errors_total to be 1, got: %f", errs)
		}
	})
}

func getMetricValue(registry *prometheus.Registry, name string) (float64, error) {
	metricFamilies, err := registry.Gather()
	if err != nil {
		return 0, err
	}

	for _, mf := range metricFamilies {
		if mf.GetName() == name {
			if len(mf.Metric) > 0 {
				metric := mf.Metric[0]
				switch mf.GetType() {
				case dto.MetricType_COUNTER:
					return metric.GetCounter().GetValue(), nil
				case dto.MetricType_GAUGE:
					return metric.GetGauge().GetValue(), nil
				}
			}
		}
	}

	return 0, errors.New("metric not found")
}
