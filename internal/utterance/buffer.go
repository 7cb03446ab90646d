// Package utterance assembles raw audio frames into complete utterances.
//
// Two modes cover the two session shapes the conversational service
// negotiates. When the service runs its own voice activity detection, a
// Buffer drives a VAD session per frame and closes the utterance after a
// configured span of silence. When the media side does the endpointing, an
// ExternalBuffer simply accumulates frames until an explicit end-of-speech
// signal, bounded so a missing signal cannot grow memory without limit.
package utterance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

const (
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMinSpeech        = 250 * time.Millisecond
	defaultMaxBuffer        = 30 * time.Second

	// truncationLogEvery throttles repeated truncation warnings after the
	// first few.
	truncationLogFirst = 3
	truncationLogEvery = 50
)

// Config holds the endpointing parameters shared by both buffer modes.
type Config struct {
	// Format describes the PCM frames fed to the buffer.
	Format audio.Format

	// SilenceThreshold is how much continuous non-speech closes an
	// utterance. Default 500ms.
	SilenceThreshold time.Duration

	// MinSpeech is the minimum detected speech an utterance needs; shorter
	// bursts are discarded as noise. Default 250ms.
	MinSpeech time.Duration

	// PrefixPadding is how much audio from before speech onset is kept at
	// the front of the utterance, so soft attacks are not clipped.
	PrefixPadding time.Duration

	// MaxBuffer bounds an ExternalBuffer; the most recent MaxBuffer of
	// audio is retained when the end-of-speech signal is late. Default 30s.
	MaxBuffer time.Duration
}

func (c *Config) applyDefaults() {
	if c.Format.SampleRate == 0 {
		c.Format = audio.DefaultFormat()
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = defaultMinSpeech
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = defaultMaxBuffer
	}
}

// Result is one completed utterance.
type Result struct {
	// PCM is the utterance audio, including any prefix padding.
	PCM []byte

	// Speech is the cumulative duration of frames the detector classified
	// as speech.
	Speech time.Duration

	// Duration is the total audio duration of PCM.
	Duration time.Duration
}

// Buffer endpoints utterances with a VAD session. Not safe for concurrent
// use; one Buffer belongs to one session's frame loop.
type Buffer struct {
	cfg     Config
	session vad.SessionHandle
	logger  *slog.Logger

	frameDur time.Duration

	// prefix is a ring of recent idle frames worth PrefixPadding.
	prefix       [][]byte
	prefixFrames int

	speaking bool
	current  []byte
	speech   time.Duration
	silence  time.Duration
}

// NewBuffer creates a VAD-driven utterance buffer. session must be
// configured for the same format as cfg.Format.
func NewBuffer(cfg Config, session vad.SessionHandle, logger *slog.Logger) *Buffer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	frameDur := time.Duration(cfg.Format.FrameDurationMs) * time.Millisecond
	prefixFrames := 0
	if cfg.PrefixPadding > 0 && frameDur > 0 {
		prefixFrames = int(cfg.PrefixPadding / frameDur)
	}
	return &Buffer{
		cfg:          cfg,
		session:      session,
		logger:       logger,
		frameDur:     frameDur,
		prefixFrames: prefixFrames,
	}
}

// ProcessFrame feeds one frame through detection. It returns a non-nil
// Result when a complete utterance closed on this frame, nil otherwise.
// Utterances with less than MinSpeech of detected speech are discarded and
// return nil.
func (b *Buffer) ProcessFrame(frame []byte) (*Result, error) {
	evt, err := b.session.ProcessFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("utterance: vad: %w", err)
	}

	if !b.speaking {
		if !evt.Speech {
			b.pushPrefix(frame)
			return nil, nil
		}
		// Speech onset: seed the utterance with the padded prefix.
		b.speaking = true
		b.current = b.current[:0]
		for _, f := range b.prefix {
			b.current = append(b.current, f...)
		}
		b.prefix = b.prefix[:0]
		b.speech = 0
		b.silence = 0
	}

	b.current = append(b.current, frame...)
	if evt.Speech {
		b.speech += b.frameDur
		b.silence = 0
		return nil, nil
	}

	b.silence += b.frameDur
	if b.silence < b.cfg.SilenceThreshold {
		return nil, nil
	}

	res := b.close()
	if res == nil {
		b.logger.Debug("utterance discarded below minimum speech",
			"min_speech", b.cfg.MinSpeech)
	}
	return res, nil
}

// Speaking reports whether an utterance is currently open. A transition
// from false to true after [Buffer.ProcessFrame] marks speech onset.
func (b *Buffer) Speaking() bool {
	return b.speaking
}

// Reset drops any partial utterance and clears detection state.
func (b *Buffer) Reset() {
	b.speaking = false
	b.current = b.current[:0]
	b.prefix = b.prefix[:0]
	b.speech = 0
	b.silence = 0
	b.session.Reset()
}

// close finalises the in-progress utterance, returning nil when it had too
// little speech to keep.
func (b *Buffer) close() *Result {
	pcm := make([]byte, len(b.current))
	copy(pcm, b.current)
	speech := b.speech

	b.speaking = false
	b.current = b.current[:0]
	b.speech = 0
	b.silence = 0
	b.session.Reset()

	if speech < b.cfg.MinSpeech {
		return nil
	}
	return &Result{
		PCM:      pcm,
		Speech:   speech,
		Duration: b.cfg.Format.Duration(len(pcm)),
	}
}

func (b *Buffer) pushPrefix(frame []byte) {
	if b.prefixFrames == 0 {
		return
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	b.prefix = append(b.prefix, f)
	if len(b.prefix) > b.prefixFrames {
		b.prefix = b.prefix[1:]
	}
}

// ExternalBuffer accumulates frames between externally signalled speech
// boundaries. Safe for concurrent use.
type ExternalBuffer struct {
	cfg    Config
	logger *slog.Logger

	maxBytes int

	mu          sync.Mutex
	pcm         []byte
	truncations int
}

// NewExternalBuffer creates a buffer for sessions where the media side does
// the endpointing.
func NewExternalBuffer(cfg Config, logger *slog.Logger) *ExternalBuffer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalBuffer{
		cfg:      cfg,
		logger:   logger,
		maxBytes: int(cfg.MaxBuffer.Seconds() * float64(cfg.Format.BytesPerSecond())),
	}
}

// Append adds one frame. When the buffer exceeds its bound the oldest audio
// is dropped so the most recent MaxBuffer is retained; truncation is logged
// for the first few occurrences and then sampled.
func (e *ExternalBuffer) Append(frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pcm = append(e.pcm, frame...)
	if len(e.pcm) <= e.maxBytes {
		return
	}

	dropped := len(e.pcm) - e.maxBytes
	e.pcm = append(e.pcm[:0], e.pcm[dropped:]...)
	e.truncations++
	if e.truncations <= truncationLogFirst || e.truncations%truncationLogEvery == 0 {
		e.logger.Warn("utterance buffer truncated",
			"dropped_bytes", dropped,
			"retained", e.cfg.MaxBuffer,
			"truncations", e.truncations)
	}
}

// Flush returns everything buffered since the last flush and resets the
// buffer in the same step. It returns nil when nothing was buffered.
func (e *ExternalBuffer) Flush() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pcm) == 0 {
		return nil
	}
	pcm := make([]byte, len(e.pcm))
	copy(pcm, e.pcm)
	e.pcm = e.pcm[:0]
	return &Result{
		PCM:      pcm,
		Duration: e.cfg.Format.Duration(len(pcm)),
	}
}

// Len reports the currently buffered byte count.
func (e *ExternalBuffer) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcm)
}

// Truncations reports how many times the bound was hit since creation.
func (e *ExternalBuffer) Truncations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.truncations
}
