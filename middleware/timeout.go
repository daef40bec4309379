package middleware

import (
	"context"
	"time"

	"github.com/tataru-assistant/tataru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine timeouts are clamped to this range
const (
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 120 * time.Second
	DefaultTimeout = 30 * time.Second
)

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout   time.Duration
	OnTimeout func(engine string, duration time.Duration)
	PerEngine map[string]time.Duration
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithCallTimeout sets the default timeout duration
func WithCallTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(engine string, duration time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// WithPerEngineTimeout sets engine-specific timeout durations
func WithPerEngineTimeout(engineTimeouts map[string]time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerEngine = engineTimeouts
	}
}

// ClampTimeout limits d to the supported range. Zero means DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// Timeout creates a middleware that bounds every engine call. Durations are
// used as given; TimeoutPerEngine applies the supported range.
// A call that overruns returns DeadlineExceeded right away; the engine
// goroutine sees its context cancelled and finishes on its own.
func Timeout(opts ...TimeoutOption) tataru.Middleware {
	config := &TimeoutConfig{
		Timeout:   DefaultTimeout,
		PerEngine: make(map[string]time.Duration),
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		timeout := config.Timeout
		if engineTimeout, ok := config.PerEngine[req.Engine]; ok {
			timeout = engineTimeout
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			out string
			err error
		}
		resultChan := make(chan result, 1)

		go func() {
			out, err := next(ctx, req)
			resultChan <- result{out: out, err: err}
		}()

		select {
		case res := <-resultChan:
			return res.out, res.err
		case <-ctx.Done():
			if config.OnTimeout != nil {
				config.OnTimeout(req.Engine, timeout)
			}
			return "", status.Errorf(codes.DeadlineExceeded, "request timeout after %v", timeout)
		}
	}
}

// TimeoutPerEngine creates a timeout middleware with engine-specific timeouts,
// each clamped to the supported range
func TimeoutPerEngine(defaultTimeout time.Duration, engineTimeouts map[string]time.Duration) tataru.Middleware {
	clamped := make(map[string]time.Duration, len(engineTimeouts))
	for engine, d := range engineTimeouts {
		clamped[engine] = ClampTimeout(d)
	}

	return Timeout(
		WithCallTimeout(ClampTimeout(defaultTimeout)),
		WithPerEngineTimeout(clamped),
	)
}
