// Package resilience keeps a live session dialling recognition backends that
// are likely to answer.
//
// [CircuitBreaker] tracks one backend. After MaxFailures consecutive refused
// stream opens it opens and rejects calls with [ErrCircuitOpen], so the
// reconnect loop stops hammering a backend that is down. Once ResetTimeout has
// passed it lets HalfOpenMax trial calls through and closes again when they
// all succeed. [FallbackGroup] puts a breaker in front of every configured
// backend and tries them in order; [STTFallback] is that group as an
// [stt.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. All of
	// them succeeding closes the breaker; any failure re-opens it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the protected backend in logs and state callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that open a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls admitted while half-open, and
	// the number of successes needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call counts
	// against the breaker. Default: every error except context cancellation
	// and deadline expiry, which say nothing about the backend.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, with the breaker's
	// lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now.
	Now func() time.Time
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last transition to open
	trials   int       // admitted while half-open, not yet resolved or succeeded
	passed   int       // successful trials
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields take
// their documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// Errors that IsFailure does not count are returned without touching the
// breaker; a trial call that ends that way frees its slot for the next one.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var moved func()
	defer func() {
		cb.mu.Unlock()
		if moved != nil {
			moved()
		}
	}()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		moved = cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials+cb.passed >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial bool, err error) {
	cb.mu.Lock()
	var moved func()
	defer func() {
		cb.mu.Unlock()
		if moved != nil {
			moved()
		}
	}()

	// A trial admitted before a concurrent transition no longer counts.
	if trial && cb.state != StateHalfOpen {
		return
	}
	failed := err != nil && cb.cfg.IsFailure(err)
	switch {
	case trial && err != nil && !failed:
		cb.trials--
	case trial && failed:
		moved = cb.transition(StateOpen)
	case trial:
		cb.trials--
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			moved = cb.transition(StateClosed)
		}
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			moved = cb.transition(StateOpen)
		}
	case err == nil:
		cb.failures = 0
	}
}

// transition moves the breaker to state and returns the notification to run
// once cb.mu is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	cb.trials, cb.passed = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from, "consecutive_failures", cb.failures)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open", "name", cb.cfg.Name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.cfg.Name, "from", from)
	}
	cb.failures = 0
	if cb.cfg.OnStateChange == nil || from == to {
		return nil
	}
	return func() { cb.cfg.OnStateChange(cb.cfg.Name, from, to) }
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed. Used when the configuration of the
// protected backend changes.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	moved := cb.transition(StateClosed)
	cb.mu.Unlock()
	if moved != nil {
		moved()
	}
}
