package middleware

import (
	"context"
	"sync"

	"github.com/tataru-assistant/tataru"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Limit is a token bucket setting
type Limit struct {
	Rate  float64 `yaml:"rate"`  // Tokens per second
	Burst int     `yaml:"burst"` // Maximum burst size
}

// PerEngineRateLimiter manages one token bucket per engine.
// Engines without an override share the default setting, each with its own bucket.
type PerEngineRateLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.RWMutex
	defaults  Limit
	overrides map[string]Limit
}

// NewPerEngineRateLimiter creates a per-engine rate limiter
func NewPerEngineRateLimiter(defaults Limit, overrides map[string]Limit) *PerEngineRateLimiter {
	return &PerEngineRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		defaults:  defaults,
		overrides: overrides,
	}
}

// GetLimiter returns the rate limiter for the given engine
func (p *PerEngineRateLimiter) GetLimiter(engine string) *rate.Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[engine]
	p.mu.RUnlock()

	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := p.limiters[engine]; exists {
		return limiter
	}

	l := p.defaults
	if o, ok := p.overrides[engine]; ok {
		l = o
	}
	limiter = rate.NewLimiter(rate.Limit(l.Rate), l.Burst)
	p.limiters[engine] = limiter

	return limiter
}

// SetEngineLimit changes the limit of engine, applying it to an existing bucket
func (p *PerEngineRateLimiter) SetEngineLimit(engine string, l Limit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.overrides == nil {
		p.overrides = make(map[string]Limit)
	}
	p.overrides[engine] = l

	if limiter, ok := p.limiters[engine]; ok {
		limiter.SetLimit(rate.Limit(l.Rate))
		limiter.SetBurst(l.Burst)
	}
}

// Middleware returns a middleware that waits for a token before each engine call.
// Waiting keeps bursts of chat lines flowing instead of failing them; a call whose
// context ends while waiting fails with ResourceExhausted.
func (p *PerEngineRateLimiter) Middleware() tataru.Middleware {
	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		if err := p.GetLimiter(req.Engine).Wait(ctx); err != nil {
			return "", status.Errorf(codes.ResourceExhausted, "rate limit wait failed for engine %s: %v", req.Engine, err)
		}

		return next(ctx, req)
	}
}

// RateLimit creates a middleware limiting every engine to ratePerSec with burst
func RateLimit(ratePerSec float64, burst int) tataru.Middleware {
	return NewPerEngineRateLimiter(Limit{Rate: ratePerSec, Burst: burst}, nil).Middleware()
}

// RateLimitAllow creates a middleware rejecting calls over the limit instead of waiting
func RateLimitAllow(ratePerSec float64, burst int) tataru.Middleware {
	limiters := NewPerEngineRateLimiter(Limit{Rate: ratePerSec, Burst: burst}, nil)

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		if !limiters.GetLimiter(req.Engine).Allow() {
			return "", status.Errorf(codes.ResourceExhausted, "rate limit exceeded for engine: %s", req.Engine)
		}

		return next(ctx, req)
	}
}
