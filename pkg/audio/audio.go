// Package audio defines the PCM frame model and the fixed sample-format
// conversions shared by the media server and the AI services.
//
// All audio in Kestrel is 16-bit signed little-endian PCM, mono. The media
// path runs at 8 kHz (telephony); AI providers typically want 16 kHz. The
// only conversions this package performs are the two fixed ones the bridge
// needs — 16→8 kHz decimation and 8→16 kHz sample duplication — plus G.711
// µ-law/A-law companding for sessions negotiated onto those encodings.
package audio

import (
	"fmt"
	"time"
)

// Encoding names match the on-wire values used during session negotiation.
const (
	EncodingPCM   = "pcm_s16le"
	EncodingMulaw = "mulaw"
	EncodingAlaw  = "alaw"
)

// Format describes a fixed PCM audio format for the lifetime of a session.
type Format struct {
	// SampleRate in Hz (8000, 16000, 24000, or 48000).
	SampleRate int

	// Channels is always 1 for telephony audio.
	Channels int

	// SampleWidth is the number of bytes per sample (2 for s16le).
	SampleWidth int

	// FrameDurationMs is the duration of one frame in milliseconds.
	FrameDurationMs int
}

// DefaultFormat is the telephony-side media format: 8 kHz mono s16le in
// 20 ms frames.
func DefaultFormat() Format {
	return Format{SampleRate: 8000, Channels: 1, SampleWidth: 2, FrameDurationMs: 20}
}

// BytesPerFrame returns the payload size of one frame in this format.
func (f Format) BytesPerFrame() int {
	return f.SampleRate * f.Channels * f.SampleWidth * f.FrameDurationMs / 1000
}

// BytesPerSecond returns the byte rate of a continuous stream in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.SampleWidth
}

// Duration returns the play time of n bytes of audio in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Validate reports whether the format is one the bridge can carry.
func (f Format) Validate() error {
	switch f.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("audio: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("audio: unsupported channel count %d", f.Channels)
	}
	if f.SampleWidth != 2 {
		return fmt.Errorf("audio: unsupported sample width %d", f.SampleWidth)
	}
	switch f.FrameDurationMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("audio: unsupported frame duration %dms", f.FrameDurationMs)
	}
	return nil
}

// Frame is a single frame of audio on the fork path. Frames are copied once
// when they enter the ring buffer and are immutable afterwards.
type Frame struct {
	// SessionID identifies the originating session.
	SessionID string

	// Seq increases monotonically per session, assigned at enqueue time.
	Seq uint64

	// Data is the raw PCM payload. Its length is always a whole number of
	// samples for the session's format.
	Data []byte

	// Enqueued is the monotonic enqueue timestamp, used for lag measurement.
	Enqueued time.Time
}

// Age returns how long ago the frame was enqueued.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Enqueued)
}
