// Package vad defines the Engine interface for Voice Activity Detection.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own smoothing
// state so multiple concurrent audio streams can be processed
// independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency stage that gates
// utterance buffering.
//
// Implementations must be safe for concurrent use across sessions. A single
// SessionHandle should not be shared across goroutines unless its
// implementation documents thread safety.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to ProcessFrame.
	SampleRate int

	// FrameDurationMs is the duration of each frame in milliseconds.
	// ProcessFrame returns an error when the supplied frame does not match.
	FrameDurationMs int

	// Threshold is the score above which a raw frame counts as speech.
	// Range [0.0, 1.0]. Typical: 0.5.
	Threshold float64

	// RingFrames is the number of recent frame decisions kept for
	// smoothing. Typical: 5.
	RingFrames int

	// SpeechRatio is the fraction of the ring that must be speech for the
	// smoothed decision to flip to speech. Typical: 0.4.
	SpeechRatio float64
}

// Event is the detection result for a single frame.
type Event struct {
	// Score is the raw per-frame speech score in [0.0, 1.0].
	Score float64

	// Speech is the smoothed decision over the recent ring of frames.
	Speech bool
}

// SessionHandle represents an active VAD session for one audio stream. It
// is an interface so tests can supply scripted implementations.
type SessionHandle interface {
	// ProcessFrame analyses one frame of raw little-endian 16-bit PCM and
	// returns the detection result. It must not block; it is called on the
	// audio pipeline loop.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated smoothing state without closing the
	// session. Use it when the stream restarts so stale decisions do not
	// bleed into the next segment.
	Reset()

	// Close releases the session. Calling it more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration, ready to
	// accept frames. It returns an error for invalid configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
