// Package circuit provides a circuit breaker for calls to the node.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// State is the position of a Breaker.
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Config.Timeout has elapsed
	StateOpen
	// StateHalfOpen lets calls through to probe whether the node recovered
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of counted failures that opens the circuit.
	MaxFailures int
	// SuccessRequired is the number of half-open successes that closes it.
	SuccessRequired int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// ResetTimeout clears the failure count of a closed circuit.
	ResetTimeout time.Duration

	// IsFailure decides which errors count against the breaker. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
	// OnStateChange, if set, is called after every transition while the
	// breaker's lock is held; it must not call back into the breaker.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the breaker settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Stats is a snapshot of a Breaker.
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Breaker stops calling a node that keeps failing at the transport level.
type Breaker struct {
	config *Config

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	windowStart time.Time
}

// New returns a closed breaker. A nil config uses DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:      config,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// Execute runs fn unless the circuit is open.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the circuit is open and records its
// outcome. A rejected call returns a non-retryable transport error.
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if state, ok := cb.admit(); !ok {
		return zero, errors.New(errors.ErrorTypeTransport, "circuit_breaker",
			"circuit breaker is open").
			WithRetryable(false).
			WithContext("state", state.String())
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

// admit reports whether a call may proceed, moving an expired open circuit
// to half-open.
func (cb *Breaker) admit() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
		return cb.state, true
	case StateOpen:
		if now.Sub(cb.lastFailure) <= cb.config.Timeout {
			return cb.state, false
		}
		cb.transition(StateHalfOpen)
		return cb.state, true
	case StateHalfOpen:
		return cb.state, true
	}
	return cb.state, false
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.config.IsFailure != nil && !cb.config.IsFailure(err) {
		// the node answered; only the answer was an error
		err = nil
	}

	if err == nil {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
		cb.transition(StateOpen)
	}
}

// transition moves to state and resets the counters the new state uses.
// Callers hold cb.mu.
func (cb *Breaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
		cb.windowStart = time.Now()
	}
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// GetState returns the current state.
func (cb *Breaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns a snapshot of the breaker's counters.
func (cb *Breaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailure,
	}
}

// Reset closes the circuit and clears its counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
