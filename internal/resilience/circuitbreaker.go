// Package resilience keeps provider outages out of the session hot path.
//
// [CircuitBreaker] tracks consecutive failures of one backend and stops
// calling it for a cooldown once it is clearly down. [FallbackGroup] stacks
// several backends of the same kind behind per-backend breakers, so a dead
// primary is skipped in favor of the next configured fallback. The typed
// wrappers ([LLMFallback], [TTSFallback], [STTFallback]) expose a group as
// the plain provider interface the pipeline consumes.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls, before the cooldown elapses.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to find out
	// whether the backend recovered.
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

// CircuitBreakerConfig tunes one breaker. Zero values fall back to the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and transition events, usually the
	// provider name.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the cooldown before a tripped breaker probes the
	// backend again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls admitted while half-open; that many
	// successes close the breaker again. Default 3.
	HalfOpenMax int

	// OnStateChange, when set, observes every state transition. The host
	// hooks the breaker transition counter in here.
	OnStateChange func(name string, from, to State)

	// Logger for transition messages. Defaults to slog.Default.
	Logger *slog.Logger
}

// CircuitBreaker shields the pipeline from a backend that keeps failing.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	log          *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewCircuitBreaker builds a closed breaker from cfg, filling defaults.
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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. While open it returns
// [ErrCircuitOpen] without touching the backend; while half-open only the
// probe budget gets through.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probing, err)
	return err
}

// admit decides whether the next call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.log.Info("circuit half-open, probing backend", "breaker", cb.name)
		cb.transition(StateHalfOpen)
		cb.probes = 0
		cb.probeFails = 0

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; wait for the in-flight probes to settle.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle folds one call outcome into the breaker state.
func (cb *CircuitBreaker) settle(probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastFailure = time.Now()
		if probing {
			// One failed probe is enough evidence the backend is still down.
			cb.probeFails++
			cb.failures = cb.maxFailures
			cb.log.Warn("circuit reopened, probe failed", "breaker", cb.name)
			cb.transition(StateOpen)
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.log.Warn("circuit opened",
				"breaker", cb.name, "consecutive_failures", cb.failures)
			cb.transition(StateOpen)
		}
		return
	}

	if probing {
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			cb.log.Info("circuit closed, backend recovered", "breaker", cb.name)
			cb.transition(StateClosed)
		}
		return
	}
	cb.failures = 0
}

// transition moves to the new state and fires the observer. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State reports the current mode. An open breaker whose cooldown has elapsed
// reports half-open; the actual transition happens on the next Execute.
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

	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.log.Info("circuit manually reset", "breaker", cb.name)
	cb.transition(StateClosed)
}
