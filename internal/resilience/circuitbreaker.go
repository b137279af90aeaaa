// Package resilience provides a circuit breaker and ordered failover across
// interchangeable backends.
//
// The semantic matcher uses it to fall back from the background embedding
// workers to synchronous embedding, and the escalation oracle to fail over
// between LLM backends. Cancellation of the caller's context never counts as
// a backend failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until ResetTimeout has passed since it opened.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probes. A failed probe
	// re-opens; HalfOpenMax successful probes close.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and state-change callbacks.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget while half-open. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition. It runs
	// under the breaker's lock and must not call back into it.
	OnStateChange func(name string, from, to State)

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// CircuitBreaker guards one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // when the breaker last opened
	probes   int       // admitted while half-open
	passed   int       // successful probes while half-open
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute runs fn when the breaker admits the call and records its outcome.
// Context cancellation from fn is neither a success nor a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledDown() {
		cb.probes, cb.passed = 0, 0
		cb.transition(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return false, false
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return true, false
		}
		cb.probes++
		return true, true
	}
	return false, true
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A probe admitted before a concurrent transition no longer counts.
	if probe && cb.state != StateHalfOpen {
		return
	}
	switch {
	case isCancellation(err):
		if probe {
			cb.probes--
		}
	case err != nil && probe:
		cb.open()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.cfg.Clock.Now()
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker "+to.String(),
		"name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.failures)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.transition(StateClosed)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CountTransitions returns an OnStateChange hook that counts transitions
// in m.
func CountTransitions(m *observe.Metrics) func(name string, from, to State) {
	return func(name string, _, to State) {
		m.RecordBreakerTransition(context.Background(), name, to.String())
	}
}
