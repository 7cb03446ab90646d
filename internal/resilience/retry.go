package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrorClass sorts provider errors by how the retry layer should react.
type ErrorClass int

const (
	// ClassPermanent errors are surfaced immediately; retrying cannot help.
	ClassPermanent ErrorClass = iota

	// ClassRetryable errors (connection lost, timeout) are retried with
	// backoff.
	ClassRetryable

	// ClassResource errors (device out of memory) trigger the one-shot
	// device fallback in [Guard] before being retried.
	ClassResource
)

func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassRetryable:
		return "retryable"
	case ClassResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Classifier maps an error to its [ErrorClass]. A nil Classifier treats
// every error as permanent.
type Classifier func(error) ErrorClass

// ClassifiedError lets providers tag an error with its class directly; the
// default classifier in [Guard] unwraps it.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	return &ClassifiedError{Class: ClassRetryable, Err: err}
}

// Resource wraps err as a resource-exhaustion error.
func Resource(err error) error {
	return &ClassifiedError{Class: ClassResource, Err: err}
}

// DefaultClassifier reads the class from a [ClassifiedError] and treats
// context cancellation and everything untagged as permanent.
func DefaultClassifier(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassPermanent
}

// RetryConfig tunes the retry policy. Zero values fall back to defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64

	// Classifier decides which errors are worth retrying. Default:
	// [DefaultClassifier].
	Classifier Classifier

	// Logger is used for per-retry logs. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Backoff returns the jittered delay before retry number attempt (0-based):
// min(initial · multiplier^attempt, max) spread by ±25%.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	jittered := d * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// Retry runs fn up to cfg.MaxAttempts times, backing off between retryable
// failures. Permanent errors are returned immediately; ctx cancellation cuts
// the backoff short.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.applyDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Backoff(attempt - 1)):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Classifier(lastErr) == ClassPermanent {
			return lastErr
		}
		cfg.Logger.Warn("retryable provider failure",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Any("error", lastErr))
	}
	return lastErr
}
