// Package mock provides a test double for the vad package interfaces.
package mock

import (
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine. The zero value is usable:
// NewSession returns a Session sharing the engine's scripted fields.
type Engine struct {
	mu sync.Mutex

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// Sessions records every session created by this engine.
	Sessions []*Session
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{Cfg: cfg}
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// Session is a mock implementation of vad.SessionHandle. Script Events to
// control what ProcessFrame returns per call; after the script runs out the
// Event field is returned.
type Session struct {
	mu sync.Mutex

	// Cfg is the configuration the session was created with.
	Cfg vad.Config

	// Event is returned by ProcessFrame when Events is exhausted.
	Event vad.Event

	// Events, when non-empty, is consumed one entry per ProcessFrame call.
	Events []vad.Event

	// ProcessErr, if non-nil, is returned by ProcessFrame.
	ProcessErr error

	// Frames records every frame passed to ProcessFrame.
	Frames [][]byte

	// Resets counts calls to Reset.
	Resets int

	// Closed reports whether Close was called.
	Closed bool
}

// ProcessFrame records the frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.Frames = append(s.Frames, buf)
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if len(s.Events) > 0 {
		evt := s.Events[0]
		s.Events = s.Events[1:]
		return evt, nil
	}
	return s.Event, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// FrameCount returns how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}
