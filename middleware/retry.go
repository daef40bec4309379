package middleware

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/tataru-assistant/tataru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retry implements retry logic with exponential backoff for engine calls
type Retry struct {
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            bool
	retryableErrors   map[codes.Code]bool
	onRetry           func(engine string, attempt int, err error, nextBackoff time.Duration)
	stats             retryCounters
}

type retryCounters struct {
	totalRequests     atomic.Uint64
	totalRetries      atomic.Uint64
	successfulRetries atomic.Uint64
	failedRetries     atomic.Uint64
}

// RetryOption configures a Retry middleware
type RetryOption func(*Retry)

// WithMaxAttempts sets the maximum number of retry attempts
// Default: 3
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the initial backoff duration
// Default: 100ms
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.initialBackoff = d
		}
	}
}

// WithMaxBackoff sets the maximum backoff duration
// Default: 10s
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier
// Default: 2.0 (doubles each retry)
func WithBackoffMultiplier(m float64) RetryOption {
	return func(r *Retry) {
		if m > 1.0 {
			r.backoffMultiplier = m
		}
	}
}

// WithJitter enables jitter to prevent thundering herd
// Default: true
func WithJitter(enabled bool) RetryOption {
	return func(r *Retry) {
		r.jitter = enabled
	}
}

// WithRetryableCodes sets which status codes should trigger a retry
// Default: Unavailable, ResourceExhausted, Aborted, DeadlineExceeded
func WithRetryableCodes(cs ...codes.Code) RetryOption {
	return func(r *Retry) {
		r.retryableErrors = make(map[codes.Code]bool)
		for _, code := range cs {
			r.retryableErrors[code] = true
		}
	}
}

// WithOnRetry sets a callback function called before each retry attempt
func WithOnRetry(callback func(engine string, attempt int, err error, nextBackoff time.Duration)) RetryOption {
	return func(r *Retry) {
		r.onRetry = callback
	}
}

// NewRetry creates a new Retry middleware with default configuration
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxAttempts:       3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            true,
		retryableErrors: map[codes.Code]bool{
			codes.Unavailable:       true,
			codes.ResourceExhausted: true,
			codes.Aborted:           true,
			codes.DeadlineExceeded:  true,
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Middleware returns a middleware retrying transient engine failures
func (r *Retry) Middleware() tataru.Middleware {
	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		r.stats.totalRequests.Add(1)

		var lastErr error
		for attempt := 1; attempt <= r.maxAttempts; attempt++ {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}

			out, err := next(ctx, req)
			if err == nil {
				if attempt > 1 {
					r.stats.successfulRetries.Add(1)
				}
				return out, nil
			}

			lastErr = err

			if !r.isRetryable(err) {
				return "", err
			}

			if attempt >= r.maxAttempts {
				break
			}

			backoff := r.calculateBackoff(attempt)
			r.stats.totalRetries.Add(1)

			if r.onRetry != nil {
				r.onRetry(req.Engine, attempt, err, backoff)
			}

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}

		r.stats.failedRetries.Add(1)
		return "", lastErr
	}
}

// isRetryable checks if an error should trigger a retry
func (r *Retry) isRetryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		// Plain errors carry no retry classification
		return false
	}

	return r.retryableErrors[st.Code()]
}

// calculateBackoff calculates the backoff duration for the given attempt
// Uses exponential backoff with optional jitter
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	// Calculate exponential backoff: initialBackoff * (multiplier ^ (attempt - 1))
	backoff := float64(r.initialBackoff) * math.Pow(r.backoffMultiplier, float64(attempt-1))

	// Cap at max backoff
	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}

	// Add jitter if enabled (randomize between 0 and calculated backoff)
	if r.jitter {
		backoff = rand.Float64() * backoff
	}

	return time.Duration(backoff)
}

// RetryStats holds statistics about retry operations
type RetryStats struct {
	TotalRequests     uint64 // Calls that entered the middleware
	TotalRetries      uint64 // Extra attempts made
	SuccessfulRetries uint64 // Calls that succeeded after at least one retry
	FailedRetries     uint64 // Calls that exhausted every attempt
}

// Stats returns the current retry statistics
func (r *Retry) Stats() RetryStats {
	return RetryStats{
		TotalRequests:     r.stats.totalRequests.Load(),
		TotalRetries:      r.stats.totalRetries.Load(),
		SuccessfulRetries: r.stats.successfulRetries.Load(),
		FailedRetries:     r.stats.failedRetries.Load(),
	}
}
