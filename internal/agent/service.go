// Package agent implements the conversational AI service.
//
// The service terminates audio streaming protocol sessions, endpoints
// caller speech (with its own energy VAD or trusting the media side's
// speech events), and drives speech-to-text, language model, and
// text-to-speech providers to stream a spoken reply back as outbound audio
// frames. Each caller utterance becomes one conversational turn; the reply
// is bracketed by response.start and response.end events so the media side
// can manage its playback queue, and a caller speaking over the reply
// cancels the turn with response.interrupted.
package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/pipeline"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

// defaultMaxHistory bounds the conversation history sent to the model, in
// messages. Older turns fall off the front.
const defaultMaxHistory = 20

// Config assembles the providers and conversation settings for a [Service].
type Config struct {
	// Capabilities is advertised to connecting clients. Zero value gets a
	// telephony default (8 kHz s16le, 20 ms frames, configurable VAD).
	Capabilities asp.Capabilities

	// STT transcribes completed utterances.
	STT stt.Provider

	// STTConfig carries recognition hints; SampleRate is overridden per
	// session from the negotiated audio format.
	STTConfig stt.Config

	// LLM generates the reply text.
	LLM llm.Provider

	// TTS synthesizes reply sentences.
	TTS tts.Provider

	// Voice selects the synthesis voice.
	Voice tts.Voice

	// VAD creates per-session detectors for sessions that negotiate
	// server-side endpointing. Nil forces external endpointing.
	VAD vad.Engine

	// SystemPrompt is the agent persona injected before the history.
	SystemPrompt string

	// ErrorPhrase is spoken when generation fails for a turn.
	ErrorPhrase string

	// EndCallPhrase requests a hangup when the reply contains it.
	// Matching is case-insensitive; empty disables the check.
	EndCallPhrase string

	// Temperature and MaxTokens are passed through to the model.
	Temperature float64
	MaxTokens   int

	// LatencyBudget is the per-turn target from end of caller speech to
	// first reply audio. Default [pipeline.DefaultBudgetTarget].
	LatencyBudget time.Duration

	// MaxHistory bounds the history sent to the model, in messages.
	MaxHistory int

	// Breaker and Retry tune the guards wrapped around provider calls.
	// Zero values use the resilience package defaults.
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig

	// STTName, LLMName, and TTSName label provider metrics. Defaults:
	// "stt", "llm", "tts".
	STTName string
	LLMName string
	TTSName string
}

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPipelineOptions forwards options to the sentence pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(s *Service) { s.pipeOpts = append(s.pipeOpts, opts...) }
}

// Prompts is the hot-reloadable conversation phrasing: persona, spoken error
// fallback, and the phrase that requests a hangup.
type Prompts struct {
	System        string
	ErrorPhrase   string
	EndCallPhrase string
}

// Service is the conversational endpoint. It implements the server side of
// the audio streaming protocol; mount [Service.Handler] on an HTTP mux.
type Service struct {
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	pipeOpts []pipeline.Option

	// prompts and budget can change mid-flight via config reload; turns
	// read them at start.
	prompts atomic.Pointer[Prompts]
	budget  atomic.Int64

	server *asp.Server
	pipe   *pipeline.Pipeline

	sttGuard *resilience.Guard
	llmGuard *resilience.Guard
	ttsGuard *resilience.Guard

	sessions sync.Map // session id -> *session
}

// New creates the service. Config.STT, Config.LLM, and Config.TTS are
// required; everything else has defaults.
func New(cfg Config, opts ...Option) *Service {
	if len(cfg.Capabilities.SupportedSampleRates) == 0 {
		cfg.Capabilities = defaultCapabilities()
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = pipeline.DefaultBudgetTarget
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.STTName == "" {
		cfg.STTName = "stt"
	}
	if cfg.LLMName == "" {
		cfg.LLMName = "llm"
	}
	if cfg.TTSName == "" {
		cfg.TTSName = "tts"
	}

	s := &Service{cfg: cfg, log: slog.Default()}
	s.prompts.Store(&Prompts{
		System:        cfg.SystemPrompt,
		ErrorPhrase:   cfg.ErrorPhrase,
		EndCallPhrase: cfg.EndCallPhrase,
	})
	s.budget.Store(int64(cfg.LatencyBudget))
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.sttGuard = resilience.NewGuard(cfg.STTName, cfg.Breaker, cfg.Retry,
		resilience.WithGuardLogger(s.log))
	// Generation is never retried: a failure mid-stream may already have
	// spoken audio, and replaying it would repeat the reply. The breaker
	// still sheds load while the backend is down.
	s.llmGuard = resilience.NewGuard(cfg.LLMName, cfg.Breaker,
		resilience.RetryConfig{MaxAttempts: 1}, resilience.WithGuardLogger(s.log))
	s.ttsGuard = resilience.NewGuard(cfg.TTSName, cfg.Breaker, cfg.Retry,
		resilience.WithGuardLogger(s.log))

	s.pipe = pipeline.New(cfg.LLM, cfg.TTS, cfg.Voice,
		append([]pipeline.Option{pipeline.WithLogger(s.log)}, s.pipeOpts...)...)

	s.server = asp.NewServer(cfg.Capabilities, asp.ServerHooks{
		OnSessionStart: s.onSessionStart,
		OnAudio:        s.onAudio,
		OnControl:      s.onControl,
		OnSessionEnd:   s.onSessionEnd,
	}, asp.WithServerLogger(s.log), asp.WithServerID("kestrel-agent"))

	return s
}

// Handler returns the WebSocket endpoint.
func (s *Service) Handler() http.Handler {
	return s.server
}

// SetPrompts swaps the conversation phrasing. Applies from the next turn.
func (s *Service) SetPrompts(p Prompts) {
	s.prompts.Store(&p)
}

// SetLatencyBudget swaps the per-turn latency target. Applies from the next
// turn.
func (s *Service) SetLatencyBudget(d time.Duration) {
	if d > 0 {
		s.budget.Store(int64(d))
	}
}

func (s *Service) currentPrompts() Prompts {
	return *s.prompts.Load()
}

func (s *Service) latencyBudget() time.Duration {
	return time.Duration(s.budget.Load())
}

// ActiveSessions reports the number of live sessions.
func (s *Service) ActiveSessions() int {
	n := 0
	s.sessions.Range(func(any, any) bool { n++; return true })
	return n
}

func defaultCapabilities() asp.Capabilities {
	return asp.Capabilities{
		Version:                 asp.ProtocolVersion,
		SupportedSampleRates:    []int{8000, 16000},
		SupportedEncodings:      []string{"pcm_s16le"},
		SupportedFrameDurations: []int{10, 20, 30},
		VADConfigurable:         true,
		Features:                []string{"streaming_llm", "sentence_tts", "barge_in"},
	}
}

func (s *Service) onSessionStart(conn *asp.ServerConn, sess *asp.ServerSession) {
	sn, err := s.newSession(conn, sess)
	if err != nil {
		s.log.Error("session setup failed",
			"session_id", sess.ID, "call_id", sess.CallID, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Send(ctx, asp.ProtocolError(sess.ID, asp.ErrorDetail{
			Code:        asp.CodeNegotiationFail,
			Category:    asp.CategoryVAD,
			Message:     "session setup failed",
			Recoverable: false,
		}))
		return
	}
	s.sessions.Store(sess.ID, sn)
	s.metrics.ActiveSessions.Add(sn.ctx, 1)
	s.log.Info("conversation started",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"sample_rate", sess.Audio.SampleRate,
		"vad", sess.VAD.Enabled)
}

func (s *Service) onAudio(_ *asp.ServerConn, sess *asp.ServerSession, frame asp.AudioFrame) {
	v, ok := s.sessions.Load(sess.ID)
	if !ok {
		return
	}
	v.(*session).handleFrame(frame)
}

func (s *Service) onControl(_ *asp.ServerConn, msg asp.Message) {
	v, ok := s.sessions.Load(msg.SessionID)
	if !ok {
		return
	}
	sn := v.(*session)
	switch msg.Type {
	case asp.TypeSpeechStart:
		sn.handleExternalSpeechStart()
	case asp.TypeSpeechEnd:
		sn.handleExternalSpeechEnd()
	default:
		s.log.Debug("ignoring control message",
			"session_id", msg.SessionID, "type", msg.Type)
	}
}

func (s *Service) onSessionEnd(_ *asp.ServerConn, sess *asp.ServerSession, reason string) {
	v, ok := s.sessions.LoadAndDelete(sess.ID)
	if !ok {
		return
	}
	sn := v.(*session)
	sn.close()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.log.Info("conversation ended",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"reason", reason,
		"turns", sn.turns.Load())
}
