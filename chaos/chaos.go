// Package chaos injects faults into engine calls to exercise retries,
// circuit breakers and the engine fallback chain
package chaos

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/tataru-assistant/tataru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChaosConfig holds configuration for chaos engineering
type ChaosConfig struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection
	ErrorEnabled     bool
	ErrorCodes       []codes.Code
	ErrorProbability float64

	// Timeout simulation
	TimeoutEnabled     bool
	TimeoutDuration    time.Duration
	TimeoutProbability float64

	// Garbling keeps only the first line of engine output
	GarbleEnabled     bool
	GarbleProbability float64

	// Conditional enabling
	EnableCondition func() bool
}

// ChaosOption is a functional option for chaos configuration
type ChaosOption func(*ChaosConfig)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection
func WithErrors(errorCodes []codes.Code, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.ErrorEnabled = len(errorCodes) > 0
		c.ErrorCodes = errorCodes
		c.ErrorProbability = probability
	}
}

// WithTimeout enables timeout simulation
func WithTimeout(duration time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.TimeoutEnabled = true
		c.TimeoutDuration = duration
		c.TimeoutProbability = probability
	}
}

// WithGarble makes engines answer only the first line, so batched results no longer split
func WithGarble(probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.GarbleEnabled = true
		c.GarbleProbability = probability
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) ChaosOption {
	return func(c *ChaosConfig) {
		c.EnableCondition = condition
	}
}

// New creates a new chaos engineering middleware
func New(opts ...ChaosOption) tataru.Middleware {
	config := &ChaosConfig{
		EnableCondition: func() bool { return true },
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		if !config.EnableCondition() {
			return next(ctx, req)
		}

		if config.LatencyEnabled && shouldInject(config.LatencyProbability) {
			if err := sleep(ctx, randomDuration(config.LatencyMin, config.LatencyMax)); err != nil {
				return "", err
			}
		}

		if config.ErrorEnabled && shouldInject(config.ErrorProbability) {
			code := config.ErrorCodes[rand.Intn(len(config.ErrorCodes))]
			return "", status.Errorf(code, "chaos: injected error for %s", req.Engine)
		}

		if config.TimeoutEnabled && shouldInject(config.TimeoutProbability) {
			newCtx, cancel := context.WithTimeout(ctx, config.TimeoutDuration)
			defer cancel()
			ctx = newCtx
		}

		out, err := next(ctx, req)
		if err == nil && config.GarbleEnabled && shouldInject(config.GarbleProbability) {
			out = garble(out)
		}
		return out, err
	}
}

// LatencyInjector creates latency injection middleware
func LatencyInjector(min, max time.Duration, probability float64) tataru.Middleware {
	return New(WithLatency(min, max, probability))
}

// ErrorInjector creates error injection middleware
func ErrorInjector(errorCodes []codes.Code, probability float64) tataru.Middleware {
	return New(WithErrors(errorCodes, probability))
}

// ForEngines applies chaos only to calls to the named engines
func ForEngines(engines []string, chaos tataru.Middleware) tataru.Middleware {
	targets := make(map[string]bool, len(engines))
	for _, e := range engines {
		targets[e] = true
	}

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		if targets[req.Engine] {
			return chaos(ctx, req, next)
		}
		return next(ctx, req)
	}
}

// Presets for common upstream failure scenarios

// FlakyEngine simulates an unreliable translation API
func FlakyEngine(probability float64) tataru.Middleware {
	return New(
		WithLatency(50*time.Millisecond, 500*time.Millisecond, probability),
		WithErrors([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, probability/2),
	)
}

// RateLimitedEngine simulates an API answering 429
func RateLimitedEngine(probability float64) tataru.Middleware {
	return ErrorInjector([]codes.Code{codes.ResourceExhausted}, probability)
}

// OutageEngine simulates an engine that cannot be reached
func OutageEngine() tataru.Middleware {
	return ErrorInjector([]codes.Code{codes.Unavailable}, 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return status.Errorf(codes.Canceled, "request canceled during chaos latency injection")
	}
}

func garble(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// shouldInject determines if chaos should be injected based on probability
func shouldInject(probability float64) bool {
	return rand.Float64() < probability
}

// randomDuration returns a random duration between min and max
func randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
