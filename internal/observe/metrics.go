// Package observe provides application-wide observability primitives for
// Kestrel: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kestrel metrics.
const meterName = "github.com/kestrelvoice/kestrel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMFirstTokenDuration tracks time to the first LLM token.
	LLMFirstTokenDuration metric.Float64Histogram

	// LLMDuration tracks total LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSFirstByteDuration tracks time to the first synthesized audio byte.
	TTSFirstByteDuration metric.Float64Histogram

	// TurnDuration tracks end-of-utterance to first response audio latency.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// FramesForked counts audio frames delivered to fork destinations. Use
	// with attribute: attribute.String("destination", ...)
	FramesForked metric.Int64Counter

	// FramesDropped counts audio frames discarded because a fork destination
	// could not keep up. Use with attribute:
	//   attribute.String("destination", ...)
	FramesDropped metric.Int64Counter

	// Reconnections counts downstream connection re-establishments. Use with
	// attribute: attribute.String("destination", ...)
	Reconnections metric.Int64Counter

	// Utterances counts completed caller utterances delivered to the
	// conversation loop.
	Utterances metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// FallbackMode tracks how many destinations are currently degraded (the
	// circuit is open or half-open and media is passing through without AI).
	FallbackMode metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("kestrel.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenDuration, err = m.Float64Histogram("kestrel.llm.first_token.duration",
		metric.WithDescription("Time to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("kestrel.llm.duration",
		metric.WithDescription("Total LLM inference latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstByteDuration, err = m.Float64Histogram("kestrel.tts.first_byte.duration",
		metric.WithDescription("Time to first synthesized audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("kestrel.turn.duration",
		metric.WithDescription("End-of-utterance to first response audio latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("kestrel.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesForked, err = m.Int64Counter("kestrel.fork.frames_forked",
		metric.WithDescription("Total audio frames delivered to fork destinations."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("kestrel.fork.frames_dropped",
		metric.WithDescription("Total audio frames dropped by lagging fork destinations."),
	); err != nil {
		return nil, err
	}
	if met.Reconnections, err = m.Int64Counter("kestrel.downstream.reconnections",
		metric.WithDescription("Total downstream connection re-establishments."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("kestrel.utterances",
		metric.WithDescription("Total completed caller utterances."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("kestrel.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kestrel.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.FallbackMode, err = m.Int64UpDownCounter("kestrel.fallback_mode",
		metric.WithDescription("Number of destinations currently in degraded pass-through mode."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kestrel.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordForkDelivery records forked and dropped frame counts for one poll
// cycle of a destination consumer.
func (m *Metrics) RecordForkDelivery(ctx context.Context, destination string, forked, dropped int64) {
	attrs := metric.WithAttributes(attribute.String("destination", destination))
	if forked > 0 {
		m.FramesForked.Add(ctx, forked, attrs)
	}
	if dropped > 0 {
		m.FramesDropped.Add(ctx, dropped, attrs)
	}
}

// RecordReconnection records a downstream connection re-establishment.
func (m *Metrics) RecordReconnection(ctx context.Context, destination string) {
	m.Reconnections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("destination", destination)),
	)
}

// RecordUtterance records a completed caller utterance.
func (m *Metrics) RecordUtterance(ctx context.Context) {
	m.Utterances.Add(ctx, 1)
}
