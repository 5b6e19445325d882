// Package circuit stops calling a failing backend for a while after it
// keeps failing, so callers get an immediate error instead of waiting out
// another timeout.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - a limited number of probe requests pass through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is used up
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config contains circuit breaker configuration
type Config struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is how often the closed state clears its counts. Zero
	// keeps counts until the state changes.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`

	// ReadyToTrip decides, after a failure while closed, whether to open.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// IsSuccessful decides whether err counts against the backend.
	IsSuccessful func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Clock defaults to the wall clock.
	Clock clock.Clock `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.Clock

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		clock:  config.Clock,
		state:  StateClosed,
	}
	cb.expiry = cb.closedExpiry(cb.clock.Now())
	return cb
}

func defaultReadyToTrip(counts Counts) bool {
	return counts.ConsecutiveFailures >= 5
}

// defaultIsSuccessful does not count caller cancellation as a backend failure.
func defaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterRequest(generation, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.clock.Now())
	switch {
	case state == StateOpen:
		return state, ErrOpenState
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return state, ErrTooManyRequests
	}
	cb.counts.Requests++
	return state, nil
}

// afterRequest ignores results of requests admitted under a state the
// breaker has since left.
func (cb *CircuitBreaker) afterRequest(admitted State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	state := cb.currentState(now)
	if state != admitted {
		return
	}

	if cb.config.IsSuccessful(err) {
		cb.counts.onSuccess()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.MaxRequests {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts = Counts{}
			cb.expiry = cb.closedExpiry(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) closedExpiry(now time.Time) time.Time {
	if cb.config.Interval <= 0 {
		return time.Time{}
	}
	return now.Add(cb.config.Interval)
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts = Counts{}

	switch state {
	case StateClosed:
		cb.expiry = cb.closedExpiry(now)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.clock.Now())
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker and clears its counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, cb.clock.Now())
	cb.counts = Counts{}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
