// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram) and exposes
// a uniform utterance-level interface: the caller hands over one complete
// utterance of PCM and receives the transcript. Utterance boundaries are
// decided upstream by the VAD buffer, so providers do not need to maintain
// long-lived streaming state per call.
//
// Implementations must be safe for concurrent use; multiple sessions may
// transcribe simultaneously.
package stt

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/provider"
)

// Config describes the audio format and recognition hints for a
// transcription request.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Common values: 8000
	// (telephony), 16000 (STT-optimised mono).
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "de-DE"). An empty string lets the provider auto-detect, if
	// supported.
	Language string

	// Model names the provider-specific model to use. Empty selects the
	// provider default.
	Model string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	provider.Lifecycle

	// Transcribe converts one utterance of raw little-endian 16-bit PCM
	// into text. An empty transcript with a nil error means the provider
	// heard nothing intelligible; that is not a failure.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (string, error)
}
