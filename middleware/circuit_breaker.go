package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tataru-assistant/tataru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Circuit Breaker States
const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Engine is failing, calls fail immediately
	StateHalfOpen              // Probing whether the engine has recovered
)

// State represents the current state of the circuit breaker
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when too many requests are made in half-open state
	ErrTooManyRequests = errors.New("too many requests")
)

// CircuitBreaker implements the circuit breaker pattern for one engine
type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxRequests      uint32        // Max requests allowed in half-open state
	minRequests      uint32        // Requests seen before the failure rate is trusted
	interval         time.Duration // Time window for counting failures
	timeout          time.Duration // Time to wait in open state before trying half-open
	failureThreshold float64       // Percentage of failures to trigger open state (0.0-1.0)
	successThreshold uint32        // Consecutive successes needed to close from half-open

	// State tracking
	state          State
	generation     uint64
	stateChangedAt time.Time

	// Counters
	counts           Counts
	halfOpenRequests uint32

	// Callbacks
	onStateChange func(from, to State)
	isFailure     func(err error) bool
}

// Counts holds the statistics for the circuit breaker
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxRequests sets the maximum number of requests allowed in half-open state
func WithMaxRequests(n uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxRequests = n
	}
}

// WithMinRequests sets how many requests are needed before the circuit may open
func WithMinRequests(n uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.minRequests = n
	}
}

// WithInterval sets the time window for counting failures
func WithInterval(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.interval = d
	}
}

// WithTimeout sets the time to wait in open state before half-open
func WithTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = d
	}
}

// WithFailureThreshold sets the failure percentage threshold
func WithFailureThreshold(threshold float64) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 && threshold <= 1.0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets the consecutive successes needed to close
func WithSuccessThreshold(n uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithOnStateChange sets a callback for state changes
func WithOnStateChange(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithIsFailure sets a custom function to determine if an error is a failure
func WithIsFailure(fn func(err error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker with default settings
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxRequests:      1,
		minRequests:      10,
		interval:         60 * time.Second,
		timeout:          60 * time.Second,
		failureThreshold: 0.6, // 60% failure rate
		successThreshold: 1,
		state:            StateClosed,
		stateChangedAt:   time.Now(),
		isFailure:        defaultIsFailure,
	}

	// Apply options
	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// defaultIsFailure reports whether an engine error says something about the
// engine's health. Transient upstream errors and server faults count, while
// rejections of the request itself (bad arguments, missing dictionary entries)
// do not.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true
	}

	switch st.Code() {
	case codes.Internal, codes.DataLoss, codes.Unknown:
		return true
	default:
		return tataru.IsTransient(err)
	}
}

// Breakers keeps one circuit breaker per engine
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []CircuitBreakerOption
}

// NewBreakers creates an empty breaker set. Every breaker is built with opts.
func NewBreakers(opts ...CircuitBreakerOption) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Get returns the breaker of engine, creating it on first use
func (b *Breakers) Get(engine string) *CircuitBreaker {
	b.mu.RLock()
	cb, exists := b.breakers[engine]
	b.mu.RUnlock()

	if exists {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := b.breakers[engine]; exists {
		return cb
	}

	cb = NewCircuitBreaker(b.opts...)
	b.breakers[engine] = cb

	return cb
}

// States returns the state of every engine seen so far
func (b *Breakers) States() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]State, len(b.breakers))
	for engine, cb := range b.breakers {
		states[engine] = cb.State()
	}
	return states
}

// Middleware returns a middleware guarding each engine with its own breaker
func (b *Breakers) Middleware() tataru.Middleware {
	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		cb := b.Get(req.Engine)

		generation, err := cb.beforeRequest()
		if err != nil {
			return "", status.Errorf(codes.Unavailable, "%s circuit breaker: %v", req.Engine, err)
		}

		out, err := next(ctx, req)

		cb.afterRequest(generation, err)

		return out, err
	}
}

// CircuitBreakerMiddleware returns a middleware keeping one circuit breaker per engine
func CircuitBreakerMiddleware(opts ...CircuitBreakerOption) tataru.Middleware {
	return NewBreakers(opts...).Middleware()
}

// beforeRequest checks if the request is allowed based on circuit breaker state
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}

	if state == StateHalfOpen {
		if cb.halfOpenRequests >= cb.maxRequests {
			return generation, ErrTooManyRequests
		}
		cb.halfOpenRequests++
	}

	cb.counts.Requests++
	return generation, nil
}

// afterRequest records the result of a request
func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)

	// Ignore if generation doesn't match (state changed during request)
	if generation != currentGeneration {
		return
	}

	if cb.isFailure(err) {
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0

		if state == StateHalfOpen {
			// Failed during half-open, go back to open
			cb.setState(StateOpen, now)
		} else if state == StateClosed {
			// Check if we should open the circuit
			if cb.shouldOpen() {
				cb.setState(StateOpen, now)
			}
		}
	} else {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0

		if state == StateHalfOpen {
			// Check if we should close the circuit
			if cb.counts.ConsecutiveSuccesses >= cb.successThreshold {
				cb.setState(StateClosed, now)
			}
		}
	}
}

// currentState returns the current state and generation
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		// Check if interval has expired, reset counts
		if cb.interval > 0 && now.Sub(cb.stateChangedAt) > cb.interval {
			cb.resetCounts()
		}
	case StateOpen:
		// Check if timeout has expired, transition to half-open
		if now.Sub(cb.stateChangedAt) >= cb.timeout {
			cb.setState(StateHalfOpen, now)
		}
	}

	return cb.state, cb.generation
}

// shouldOpen determines if the circuit should open based on failure threshold
func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.counts.Requests < cb.minRequests {
		return false
	}

	failureRate := float64(cb.counts.TotalFailures) / float64(cb.counts.Requests)
	return failureRate >= cb.failureThreshold
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangedAt = now
	cb.generation++

	// Reset counters on state change
	cb.resetCounts()

	if newState == StateHalfOpen {
		cb.halfOpenRequests = 0
	}

	// Call state change callback
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// resetCounts resets all counters
func (cb *CircuitBreaker) resetCounts() {
	cb.counts = Counts{}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state
}

// GetCounts returns the current circuit breaker counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.counts
}

// Stats holds detailed statistics about a circuit breaker
type Stats struct {
	State          State
	Counts         Counts
	StateChangedAt time.Time
	Generation     uint64
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:          cb.state,
		Counts:         cb.counts,
		StateChangedAt: cb.stateChangedAt,
		Generation:     cb.generation,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, time.Now())
}
