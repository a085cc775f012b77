// Package resilience keeps inference traffic away from dead model backends.
//
// A [CircuitBreaker] watches consecutive failures of one backend (an ASR
// model, a recap LLM) and fails fast while the backend is down instead of
// stalling sessions on every call. A [FallbackGroup] chains several backends
// of the same kind behind per-backend breakers, so a tripped primary is
// bypassed in favour of the next healthy one.
//
// All types are safe for concurrent use; sessions share breakers through the
// fallback decorators in this package.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and its reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker defaults, applied by [NewCircuitBreaker] for zero config fields.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call; the backend is considered healthy.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to test
	// whether the backend has recovered.
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

// CircuitBreakerConfig tunes one backend's breaker.
type CircuitBreakerConfig struct {
	// Name labels the backend in log output, e.g. "sherpa-asr".
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before probing
	// the backend again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls allowed while half-open. Default 3.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker (closed, open, half-open) guarding
// one model backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu            sync.Mutex
	state         State
	failStreak    int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// NewCircuitBreaker builds a breaker, filling zero config fields with the
// package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn unless the breaker is open. Open breakers return
// [ErrCircuitOpen] without touching the backend; half-open breakers admit at
// most HalfOpenMax probes.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		slog.Info("backend breaker probing after reset timeout", "backend", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.settle(err, probing)
	return err
}

// settle updates the state machine after one call. Caller holds cb.mu.
func (cb *CircuitBreaker) settle(err error, probing bool) {
	if err != nil {
		cb.lastFailure = time.Now()
		if probing {
			// One failed probe is enough: the backend is still down.
			cb.halfOpenFails++
			cb.state = StateOpen
			cb.failStreak = cb.maxFailures
			slog.Warn("backend breaker re-opened after failed probe", "backend", cb.name)
			return
		}
		cb.failStreak++
		if cb.failStreak >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("backend breaker opened",
				"backend", cb.name, "consecutive_failures", cb.failStreak)
		}
		return
	}

	if probing {
		if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("backend breaker closed after successful probes", "backend", cb.name)
		}
		return
	}
	cb.failStreak = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("backend breaker reset", "backend", cb.name)
}
