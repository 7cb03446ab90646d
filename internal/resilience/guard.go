package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CallMetrics is a value-copy snapshot of a guard's call accounting.
type CallMetrics struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TotalLatency       time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	LastError          string
	LastSuccessTime    time.Time
	LastErrorTime      time.Time
}

// AvgLatency returns the mean call latency, or 0 before any call.
func (m CallMetrics) AvgLatency() time.Duration {
	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalRequests)
}

// SuccessRate returns the fraction of successful calls, or 0 before any
// call.
func (m CallMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// GuardOption is a functional option for configuring a [Guard].
type GuardOption func(*Guard)

// WithGuardLogger sets the structured logger. Defaults to slog.Default.
func WithGuardLogger(log *slog.Logger) GuardOption {
	return func(g *Guard) { g.log = log }
}

// WithDeviceFallback registers the one-shot reconfiguration invoked on the
// first resource-exhaustion error, typically a reconnect with the model
// moved from GPU to CPU. It runs at most once per Guard instance; later
// resource errors surface normally.
func WithDeviceFallback(fn func(ctx context.Context) error) GuardOption {
	return func(g *Guard) { g.deviceFallback = fn }
}

// Guard composes the full call-protection stack around one provider
// operation set: circuit breaker outermost, classified retry inside it, call
// metrics around everything, and the one-shot device fallback on resource
// errors.
type Guard struct {
	name    string
	breaker *Breaker
	retry   RetryConfig
	log     *slog.Logger

	deviceFallback func(ctx context.Context) error
	fallbackUsed   bool
	fallbackMu     sync.Mutex

	metricsMu sync.Mutex
	metrics   CallMetrics
}

// NewGuard creates a guard named after the provider it protects.
func NewGuard(name string, breaker BreakerConfig, retry RetryConfig, opts ...GuardOption) *Guard {
	g := &Guard{
		name:  name,
		retry: retry,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if breaker.Name == "" {
		breaker.Name = name
	}
	if breaker.Logger == nil {
		breaker.Logger = g.log
	}
	if g.retry.Logger == nil {
		g.retry.Logger = g.log
	}
	g.breaker = NewBreaker(breaker)
	return g
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Metrics returns a snapshot of the call accounting.
func (g *Guard) Metrics() CallMetrics {
	g.metricsMu.Lock()
	defer g.metricsMu.Unlock()
	return g.metrics
}

// Do runs fn through the breaker and retry policy and records the outcome.
// When the breaker refuses the call, [ErrUnavailable] is returned and the
// call is not counted against the provider's failure metrics.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.breaker.Execute(func() error {
		return Retry(ctx, g.retry, func() error {
			callErr := fn(ctx)
			if callErr != nil {
				g.maybeDeviceFallback(ctx, callErr)
			}
			return callErr
		})
	})
	if err == ErrUnavailable {
		return err
	}
	g.record(time.Since(start), err)
	return err
}

// maybeDeviceFallback runs the registered device fallback the first time a
// resource-class error appears.
func (g *Guard) maybeDeviceFallback(ctx context.Context, callErr error) {
	if g.deviceFallback == nil {
		return
	}
	classify := g.retry.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	if classify(callErr) != ClassResource {
		return
	}
	g.fallbackMu.Lock()
	if g.fallbackUsed {
		g.fallbackMu.Unlock()
		return
	}
	g.fallbackUsed = true
	g.fallbackMu.Unlock()

	g.log.Warn("resource exhaustion, attempting device fallback",
		slog.String("provider", g.name),
		slog.Any("error", callErr))
	if err := g.deviceFallback(ctx); err != nil {
		g.log.Error("device fallback failed",
			slog.String("provider", g.name),
			slog.Any("error", err))
	}
}

func (g *Guard) record(latency time.Duration, err error) {
	g.metricsMu.Lock()
	defer g.metricsMu.Unlock()
	m := &g.metrics
	m.TotalRequests++
	m.TotalLatency += latency
	if m.MinLatency == 0 || latency < m.MinLatency {
		m.MinLatency = latency
	}
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
	if err != nil {
		m.FailedRequests++
		m.LastError = err.Error()
		m.LastErrorTime = time.Now()
	} else {
		m.SuccessfulRequests++
		m.LastSuccessTime = time.Now()
	}
}
