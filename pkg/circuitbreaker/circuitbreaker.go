// Package circuitbreaker guards optional dependencies (the Redis caches and
// the event fan-out) so a failing backend degrades to the primary store
// instead of adding latency to every request.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open call budget is spent.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejected reports whether err came from the breaker itself rather than
// the guarded call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

// Profile is the tripping behaviour of one kind of dependency.
type Profile struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long an open breaker rejects before letting a call through.
	Cooldown time.Duration
	// HalfOpenCalls bounds concurrent calls while half-open.
	HalfOpenCalls int
}

var (
	// CacheProfile trips fast and retries soon: a cache miss only costs a
	// primary store read.
	CacheProfile = Profile{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: 10 * time.Second, HalfOpenCalls: 1}

	// FanoutProfile tolerates more failures before cutting other
	// instances off from cache invalidations.
	FanoutProfile = Profile{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 30 * time.Second, HalfOpenCalls: 1}
)

// Option customizes a breaker.
type Option func(*CircuitBreaker)

// WithOnStateChange registers a transition callback. It runs under the
// breaker's lock and must not call back into the breaker.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// Counts is a snapshot of breaker counters.
type Counts struct {
	Requests             int
	TotalSuccesses       int
	TotalFailures        int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name          string
	profile       Profile
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	trial    int
}

// New creates a breaker named name.
func New(name string, profile Profile, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, profile: profile, now: time.Now}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.profile.HalfOpenCalls <= 0 {
		cb.profile.HalfOpenCalls = 1
	}
	return cb
}

// CacheBreaker guards a Redis-backed cache.
func CacheBreaker(name string, onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(name, CacheProfile, WithOnStateChange(onStateChange))
}

// PublisherBreaker guards the cross-instance event fan-out.
func PublisherBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New("event-fanout", FanoutProfile, WithOnStateChange(onStateChange))
}

// Execute runs fn if the breaker admits it and records the outcome. A
// caller whose own context ended does not count against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err, ctx.Err() != nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openedAt.Add(cb.profile.Cooldown)) {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	case StateHalfOpen:
		if cb.trial >= cb.profile.HalfOpenCalls {
			return ErrTooManyRequests
		}
	}
	if cb.state == StateHalfOpen {
		cb.trial++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error, callerGone bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trial > 0 {
		cb.trial--
	}
	if err != nil && callerGone {
		return
	}

	cb.counts.Requests++
	if err == nil {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.profile.SuccessThreshold {
			cb.setState(StateClosed)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.profile.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.counts.ConsecutiveSuccesses = 0
	cb.counts.ConsecutiveFailures = 0
	cb.trial = 0

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, next)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a snapshot of the counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Status is the /metrics and /health view of a breaker.
type Status struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	Requests            int        `json:"requests"`
	TotalFailures       int        `json:"total_failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

// Status returns a consistent snapshot of state and counters.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Status{
		Name:                cb.name,
		State:               cb.state.String(),
		Requests:            cb.counts.Requests,
		TotalFailures:       cb.counts.TotalFailures,
		ConsecutiveFailures: cb.counts.ConsecutiveFailures,
	}
	if cb.state == StateOpen {
		retryAt := cb.openedAt.Add(cb.profile.Cooldown).UTC()
		s.RetryAt = &retryAt
	}
	return s
}

// Err describes an open breaker, or returns nil.
func (s Status) Err() error {
	if s.State != StateOpen.String() {
		return nil
	}
	if s.RetryAt != nil {
		return fmt.Errorf("circuit %s is open until %s", s.Name, s.RetryAt.Format(time.RFC3339))
	}
	return fmt.Errorf("circuit %s is open", s.Name)
}
