package middleware

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metrics creates a middleware that records engine call metrics
func Metrics(collector metrics.MetricsCollector) tataru.Middleware {
	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		engine := req.Engine
		start := time.Now()

		collector.RecordActiveCalls(engine, 1)
		defer collector.RecordActiveCalls(engine, -1)

		collector.RecordTextSize(engine, "sent", utf8.RuneCountInString(req.Text))

		out, err := next(ctx, req)

		duration := time.Since(start)
		code := codes.OK
		if err != nil {
			code = status.Code(err)
			collector.RecordError(engine, code.String())
		} else {
			collector.RecordTextSize(engine, "received", utf8.RuneCountInString(out))
		}

		collector.RecordCall(engine, code.String(), duration)

		return out, err
	}
}
