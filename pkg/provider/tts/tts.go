// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a synthesis service (e.g., ElevenLabs) and converts
// sentence-sized text into raw PCM. Providers that implement
// [StreamingProvider] emit audio chunks as they are synthesised, which is
// what keeps time-to-first-audio low in the sentence pipeline.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/provider"
)

// Voice selects the synthesis voice and delivery style.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Speed scales speaking rate; 1.0 is the voice's natural pace. Zero
	// uses the provider default.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	provider.Lifecycle

	// Synthesize converts text into one buffer of raw little-endian 16-bit
	// PCM at the provider's configured sample rate.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

// StreamingProvider is implemented by backends that can emit audio before
// the full synthesis finishes.
type StreamingProvider interface {
	Provider

	// SynthesizeStream converts text into a read-only channel of PCM
	// chunks. The channel is closed when synthesis completes or ctx is
	// cancelled; callers must drain it to avoid blocking the provider's
	// internal goroutines.
	SynthesizeStream(ctx context.Context, text string, voice Voice) (<-chan []byte, error)
}
