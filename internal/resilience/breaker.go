// Package resilience wraps provider calls in the failure-isolation stack:
// a three-state circuit breaker, a classified retry policy with jittered
// exponential backoff, and a [Guard] that composes both with per-call
// metrics and the one-shot device fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable is returned without making the call when the breaker is
// open, or when the half-open probe budget is already in flight.
var ErrUnavailable = errors.New("resilience: provider unavailable")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrUnavailable] until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// A bounded number of concurrent probe calls are allowed through; the
	// first success closes the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 3.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open probes. Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the maximum number of concurrently in-flight
	// probe calls in the half-open state. Default: 1.
	HalfOpenMaxCalls int

	// Logger is used for state-transition logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int
	log              *slog.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastFailure      time.Time
	halfOpenInFlight int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		log:              cfg.Logger,
		state:            StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state, and past the
// half-open probe budget, it returns [ErrUnavailable] without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	inHalfOpen, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if inHalfOpen {
		b.halfOpenInFlight--
	}
	if callErr != nil {
		b.recordFailure(inHalfOpen)
	} else {
		b.recordSuccess(inHalfOpen)
	}
	return callErr
}

// admit decides whether a call may proceed, handling the open→half-open
// transition. It reports whether the call counts as a half-open probe.
func (b *Breaker) admit() (inHalfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastFailure) < b.recoveryTimeout {
			return false, ErrUnavailable
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		b.log.Info("circuit breaker half-open", slog.String("name", b.name))
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.halfOpenMax {
			return false, ErrUnavailable
		}
		b.halfOpenInFlight++
		return true, nil
	}
	return false, nil
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.state = StateOpen
		b.log.Warn("circuit breaker re-opened from half-open",
			slog.String("name", b.name))
		return
	}
	if b.state != StateClosed {
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.state = StateOpen
		b.log.Warn("circuit breaker opened",
			slog.String("name", b.name),
			slog.Int("consecutive_failures", b.consecutiveFails))
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
// A single half-open success closes the breaker.
func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		b.state = StateClosed
		b.consecutiveFails = 0
		b.halfOpenInFlight = 0
		b.log.Info("circuit breaker closed after successful probe",
			slog.String("name", b.name))
		return
	}
	b.consecutiveFails = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is
// [StateHalfOpen]; the actual transition happens on the next Execute call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
	b.log.Info("circuit breaker manually reset", slog.String("name", b.name))
}
