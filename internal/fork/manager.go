package fork

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// ManagerConfig tunes the fork manager and its consumers.
type ManagerConfig struct {
	Format   audio.Format
	BufferMs int // per-session ring capacity in milliseconds (default 1000)
	Consumer ConsumerConfig
}

func (c *ManagerConfig) applyDefaults() {
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat()
	}
	if c.BufferMs <= 0 {
		c.BufferMs = 1000
	}
}

// session is the per-call fork state. paused and fallback are flags the
// media callback reads without locks.
type session struct {
	id       string
	callID   string
	ring     *Ring
	consumer *Consumer
	paused   atomic.Bool
	fallback atomic.Bool
	forked   atomic.Uint64
	refused  atomic.Uint64
	overflow atomic.Uint64
}

// Manager owns every active fork session. ForkAudio is the one method the
// real-time media callback is allowed to call; everything else runs off the
// media thread.
type Manager struct {
	cfg       ManagerConfig
	primary   Destination
	secondary Destination
	log       *slog.Logger

	sessions sync.Map // session id -> *session

	fallbackActive atomic.Int64
}

// NewManager creates a fork manager sending to primary (conversational) and,
// when non-nil, secondary (transcription).
func NewManager(primary, secondary Destination, log *slog.Logger, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		log:       log,
	}
}

// ForkAudio pushes one frame of caller audio into the session's ring. It is
// wait-free apart from the frame copy and safe from any thread. It returns
// false when the session is unknown or paused, and true once the frame is
// buffered, even if an older frame was evicted to make room.
func (m *Manager) ForkAudio(sessionID string, pcm []byte) bool {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return false
	}
	s := v.(*session)
	if s.paused.Load() {
		s.refused.Add(1)
		return false
	}
	clean := s.ring.Push(sessionID, pcm)
	s.forked.Add(1)
	if !clean {
		if n := s.overflow.Add(1); n <= 3 || n%50 == 0 {
			m.log.Warn("fork buffer overflow, oldest frame dropped",
				slog.String("session_id", sessionID),
				slog.Uint64("overflow_count", n))
		}
	}
	return true
}

// StartSession creates the ring and consumer for a call and starts draining.
func (m *Manager) StartSession(ctx context.Context, sessionID, callID string) error {
	ring := NewRingForDuration(m.cfg.BufferMs, m.cfg.Format)
	s := &session{
		id:     sessionID,
		callID: callID,
		ring:   ring,
	}
	if _, loaded := m.sessions.LoadOrStore(sessionID, s); loaded {
		return fmt.Errorf("fork: session %q already started", sessionID)
	}
	s.consumer = NewConsumer(sessionID, ring, m.primary, m.secondary, m.log, m.cfg.Consumer)
	s.consumer.Start(ctx)
	m.log.Info("fork session started",
		slog.String("session_id", sessionID),
		slog.String("call_id", callID),
		slog.Int("ring_frames", ring.Cap()))
	return nil
}

// StopSession cancels the consumer, logs final metrics, and removes the
// session. It is idempotent.
func (m *Manager) StopSession(sessionID string) {
	v, loaded := m.sessions.LoadAndDelete(sessionID)
	if !loaded {
		return
	}
	s := v.(*session)
	s.consumer.Stop()
	if s.fallback.Load() {
		m.fallbackActive.Add(-1)
	}
	metrics := s.ring.Metrics()
	m.log.Info("fork session stopped",
		slog.String("session_id", sessionID),
		slog.Uint64("frames_forked", s.forked.Load()),
		slog.Uint64("frames_delivered", s.consumer.Delivered()),
		slog.Uint64("frames_failed", s.consumer.Failed()),
		slog.Uint64("frames_dropped", metrics.FramesDropped),
		slog.Int("peak_bytes", metrics.PeakBytes))
}

// PauseSession suppresses forking without tearing down state.
func (m *Manager) PauseSession(sessionID string) {
	if s, ok := m.lookup(sessionID); ok {
		s.paused.Store(true)
	}
}

// ResumeSession re-enables forking. The ring is cleared first so stale audio
// buffered during the pause is not replayed.
func (m *Manager) ResumeSession(sessionID string) {
	if s, ok := m.lookup(sessionID); ok {
		cleared := s.ring.Clear()
		s.paused.Store(false)
		if cleared > 0 {
			m.log.Debug("cleared stale frames on resume",
				slog.String("session_id", sessionID),
				slog.Int("frames", cleared))
		}
	}
}

// ActivateFallback flags the session as running on the legacy path and bumps
// the process-level gauge. Purely observational.
func (m *Manager) ActivateFallback(sessionID string) {
	if s, ok := m.lookup(sessionID); ok {
		if !s.fallback.Swap(true) {
			m.fallbackActive.Add(1)
		}
	}
}

// DeactivateFallback clears the fallback flag.
func (m *Manager) DeactivateFallback(sessionID string) {
	if s, ok := m.lookup(sessionID); ok {
		if s.fallback.Swap(false) {
			m.fallbackActive.Add(-1)
		}
	}
}

// FallbackActive returns how many sessions are currently in fallback.
func (m *Manager) FallbackActive() int64 {
	return m.fallbackActive.Load()
}

// SendAudioEnd signals end of caller audio to the transcription destination.
// The conversational side learns this through its own speech events.
func (m *Manager) SendAudioEnd(ctx context.Context, sessionID string) {
	if m.secondary == nil {
		return
	}
	_ = m.secondary.SendAudioEnd(ctx, sessionID)
}

// SendOutboundAudio forwards agent-side audio to the transcription
// destination, best-effort.
func (m *Manager) SendOutboundAudio(ctx context.Context, sessionID string, pcm []byte) {
	if m.secondary == nil {
		return
	}
	if d, ok := m.secondary.(OutboundDestination); ok {
		_ = d.SendOutboundAudio(ctx, sessionID, pcm)
		return
	}
	_ = m.secondary.SendAudio(ctx, sessionID, pcm)
}

// SendOutboundAudioEnd signals end of agent-side audio to the transcription
// destination.
func (m *Manager) SendOutboundAudioEnd(ctx context.Context, sessionID string) {
	if m.secondary == nil {
		return
	}
	if d, ok := m.secondary.(OutboundDestination); ok {
		_ = d.SendOutboundAudioEnd(ctx, sessionID)
		return
	}
	_ = m.secondary.SendAudioEnd(ctx, sessionID)
}

// OutboundDestination is implemented by destinations that distinguish
// agent-side audio from caller-side audio.
type OutboundDestination interface {
	SendOutboundAudio(ctx context.Context, sessionID string, pcm []byte) error
	SendOutboundAudioEnd(ctx context.Context, sessionID string) error
}

// SessionMetrics returns the ring metrics for one session.
func (m *Manager) SessionMetrics(sessionID string) (Metrics, bool) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return Metrics{}, false
	}
	return s.ring.Metrics(), true
}

// ActiveSessions returns the number of live fork sessions.
func (m *Manager) ActiveSessions() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StopAll stops every session, used at shutdown.
func (m *Manager) StopAll() {
	m.sessions.Range(func(key, _ any) bool {
		m.StopSession(key.(string))
		return true
	})
}

func (m *Manager) lookup(sessionID string) (*session, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}
