// Package provider defines the lifecycle contract shared by every
// external-model backend (STT, LLM, TTS) used in Kestrel.
//
// A provider is a long-lived, shared, read-mostly object created at startup
// from the configured registry. Domain operations live on the per-kind
// interfaces in the stt, llm, and tts subpackages; this package holds only
// the lifecycle every backend implements.
package provider

import (
	"context"
	"time"
)

// Status summarises a provider's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is the result of a health check.
type Health struct {
	Status  Status
	Latency time.Duration
	Message string
}

// Lifecycle is implemented by every provider. Domain operations are defined
// by the per-kind interfaces that embed it.
type Lifecycle interface {
	// Connect establishes or validates the backend connection. It is called
	// once at startup before any domain operation.
	Connect(ctx context.Context) error

	// Disconnect releases the backend connection. Calling it more than once
	// is safe.
	Disconnect(ctx context.Context) error

	// Warmup primes the backend (model load, first inference) and returns
	// how long it took. Providers with nothing to warm return 0.
	Warmup(ctx context.Context) (time.Duration, error)

	// HealthCheck probes the backend and reports its current state. It must
	// be cheap enough to call periodically.
	HealthCheck(ctx context.Context) Health
}
