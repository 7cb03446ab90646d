// Package energy implements a frame-energy VAD engine.
//
// The per-frame score is the normalised RMS amplitude of the frame; the
// smoothed decision requires a configurable fraction of the recent decision
// ring to be speech. It is deliberately simple: telephony audio is
// narrowband and near-field, where energy gating works well and costs
// nothing. It implements the vad.Engine interface.
package energy

import (
	"errors"
	"fmt"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

// Engine implements vad.Engine.
type Engine struct{}

// New creates an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameDurationMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame duration %d", cfg.FrameDurationMs)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("energy: threshold %f out of [0, 1]", cfg.Threshold)
	}
	if cfg.RingFrames <= 0 {
		cfg.RingFrames = 5
	}
	if cfg.SpeechRatio <= 0 {
		cfg.SpeechRatio = 0.4
	}
	frameBytes := cfg.SampleRate * 2 * cfg.FrameDurationMs / 1000
	return &session{
		cfg:        cfg,
		frameBytes: frameBytes,
		ring:       make([]bool, cfg.RingFrames),
	}, nil
}

var errClosed = errors.New("energy: session is closed")

// session implements vad.SessionHandle. Not safe for concurrent use; one
// session belongs to one stream's processing loop.
type session struct {
	cfg        vad.Config
	frameBytes int

	ring   []bool
	pos    int
	filled int
	closed bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := audio.RMS(frame)
	raw := score >= s.cfg.Threshold

	s.ring[s.pos] = raw
	s.pos = (s.pos + 1) % len(s.ring)
	if s.filled < len(s.ring) {
		s.filled++
	}

	speechFrames := 0
	for i := range s.filled {
		if s.ring[i] {
			speechFrames++
		}
	}
	smoothed := float64(speechFrames)/float64(s.filled) >= s.cfg.SpeechRatio

	return vad.Event{Score: score, Speech: smoothed}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	for i := range s.ring {
		s.ring[i] = false
	}
	s.pos = 0
	s.filled = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}
