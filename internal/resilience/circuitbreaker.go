// Package resilience keeps the speech pipeline alive when a provider
// misbehaves: bounded retries with jittered backoff, a per-provider circuit
// breaker, and failover chains over the ASR, translation and synthesis
// backends.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen reports a call rejected because the provider's breaker has
// tripped and its cooldown has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [CircuitBreaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerProbing admits a small probe budget after the cooldown; the
	// probes decide whether the breaker closes again or re-opens.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one provider's breaker. Zero fields take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the guarded provider in logs, e.g. "aws" or "openai".
	Name string

	// TripAfter is the run of consecutive failures that opens the breaker.
	// Default: 5.
	TripAfter int

	// Cooldown is how long an open breaker rejects calls before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many probe calls must succeed, back to back, for
	// the breaker to close again. Default: 3.
	ProbeBudget int
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return cfg
}

// CircuitBreaker guards one speech provider. A run of failures opens it, the
// cooldown expires into a probing phase, and a full budget of successful
// probes closes it again. Any probe failure re-opens immediately.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      BreakerState
	failRun    int
	trippedAt  time.Time
	probesUsed int
	probesOK   int
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source. Test-only.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger overrides the default process logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		state:  BreakerClosed,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Do runs fn unless the breaker rejects it. Open breakers fail fast with
// [ErrCircuitOpen]; probing breakers admit calls only within the probe
// budget.
func (cb *CircuitBreaker) Do(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.trippedAt) < cb.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = BreakerProbing
		cb.probesUsed = 0
		cb.probesOK = 0
		cb.logger.Info("provider breaker probing after cooldown", "provider", cb.cfg.Name)

	case BreakerProbing:
		if cb.probesUsed >= cb.cfg.ProbeBudget {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == BreakerProbing {
		cb.probesUsed++
		return true, nil
	}
	return false, nil
}

// settle folds one call outcome into the state machine.
func (cb *CircuitBreaker) settle(probe bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if !probe {
			cb.failRun = 0
			return
		}
		cb.probesOK++
		if cb.probesOK >= cb.cfg.ProbeBudget {
			cb.state = BreakerClosed
			cb.failRun = 0
			cb.logger.Info("provider breaker closed", "provider", cb.cfg.Name)
		}
		return
	}

	if probe {
		// One bad probe is enough: the provider is still sick.
		cb.state = BreakerOpen
		cb.trippedAt = cb.now()
		cb.logger.Warn("provider breaker re-opened by failed probe", "provider", cb.cfg.Name)
		return
	}

	cb.failRun++
	if cb.failRun >= cb.cfg.TripAfter {
		cb.state = BreakerOpen
		cb.trippedAt = cb.now()
		cb.logger.Warn("provider breaker opened",
			"provider", cb.cfg.Name, "consecutive_failures", cb.failRun)
	}
}

// State returns the current mode. An open breaker past its cooldown reads as
// [BreakerProbing]; the stored transition happens on the next Do.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.trippedAt) >= cb.cfg.Cooldown {
		return BreakerProbing
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters. Operator use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = BreakerClosed
	cb.failRun = 0
	cb.probesUsed = 0
	cb.probesOK = 0
	cb.logger.Info("provider breaker reset", "provider", cb.cfg.Name)
}
