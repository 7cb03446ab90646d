package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         testLogger(),
	}
}

func TestRetryPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		calls++
		return errBoom // untagged errors are permanent
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRetryableUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func() error {
		calls++
		if calls < 3 {
			return Retryable(errBoom)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		calls++
		return Retryable(errBoom)
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryContextCancelCutsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Hour,
		Logger:         testLogger(),
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Retry(ctx, cfg, func() error { return Retryable(errBoom) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not cut the backoff short")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
	cfg.applyDefaults()

	for attempt, wantBase := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	} {
		got := cfg.Backoff(attempt)
		lo := time.Duration(float64(wantBase) * 0.75)
		hi := time.Duration(float64(wantBase) * 1.25)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}

	// Far past the cap the base is MaxBackoff.
	got := cfg.Backoff(20)
	if got > time.Duration(float64(cfg.MaxBackoff)*1.25) {
		t.Errorf("Backoff(20) = %v, exceeds jittered cap", got)
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"untagged", errBoom, ClassPermanent},
		{"retryable", Retryable(errBoom), ClassRetryable},
		{"resource", Resource(errBoom), ClassResource},
		{"wrapped retryable", errors.Join(errors.New("outer"), Retryable(errBoom)), ClassRetryable},
		{"canceled", context.Canceled, ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("class = %v, want %v", got, tt.want)
			}
		})
	}
}
