// Package scribe implements the transcription service.
//
// The service receives both directions of a forked call over the audio
// streaming protocol: caller frames arrive as inbound audio, the agent's
// synthesized replies as outbound audio. Each direction accumulates in its
// own buffer and is transcribed when the media side signals a boundary
// (audio.speech_end for the caller, response.end for the agent) or when the
// session closes. Finished transcripts go back to the client as
// text.utterance events and into an [Indexer] for downstream search.
package scribe

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/internal/utterance"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

// Speaker labels for transcripts and text.utterance events.
const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// transcribeTimeout bounds one STT call for a flushed segment.
const transcribeTimeout = 30 * time.Second

// Transcript is one finished utterance of one speaker.
type Transcript struct {
	SessionID  string
	CallID     string
	Speaker    string
	Text       string
	Duration   time.Duration
	CapturedAt time.Time
}

// Indexer receives finished transcripts. The search backend lives behind
// this interface; [NewLogIndexer] ships as the default sink.
type Indexer interface {
	Index(ctx context.Context, tr Transcript) error
}

// LogIndexer writes transcripts to the structured log and nothing else.
type LogIndexer struct {
	log *slog.Logger
}

// NewLogIndexer creates the logging sink. A nil logger uses slog.Default.
func NewLogIndexer(log *slog.Logger) *LogIndexer {
	if log == nil {
		log = slog.Default()
	}
	return &LogIndexer{log: log}
}

// Index implements [Indexer].
func (l *LogIndexer) Index(_ context.Context, tr Transcript) error {
	l.log.Info("transcript",
		"session_id", tr.SessionID,
		"call_id", tr.CallID,
		"speaker", tr.Speaker,
		"duration", tr.Duration,
		"text", tr.Text)
	return nil
}

// Config assembles the providers and sinks for a [Service].
type Config struct {
	// Capabilities is advertised to connecting clients. Zero value gets a
	// telephony default.
	Capabilities asp.Capabilities

	// STT transcribes flushed segments.
	STT stt.Provider

	// STTConfig carries recognition hints; SampleRate is overridden per
	// session from the negotiated audio format.
	STTConfig stt.Config

	// Indexer receives finished transcripts. Nil gets a [LogIndexer].
	Indexer Indexer

	// MaxBuffer bounds each per-direction accumulator. Default 30s of
	// audio; the oldest audio is dropped when a boundary signal is late.
	MaxBuffer time.Duration

	// Breaker and Retry tune the guard around STT calls.
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig

	// STTName labels provider metrics. Default "stt".
	STTName string
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

// Service is the transcription endpoint. It implements the server side of
// the audio streaming protocol; mount [Service.Handler] on an HTTP mux.
type Service struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	server *asp.Server
	guard  *resilience.Guard

	sessions sync.Map // session id -> *session
}

// New creates the service. Config.STT is required.
func New(cfg Config, opts ...Option) *Service {
	if len(cfg.Capabilities.SupportedSampleRates) == 0 {
		cfg.Capabilities = defaultCapabilities()
	}
	if cfg.STTName == "" {
		cfg.STTName = "stt"
	}

	s := &Service{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.cfg.Indexer == nil {
		s.cfg.Indexer = NewLogIndexer(s.log)
	}

	s.guard = resilience.NewGuard(cfg.STTName, cfg.Breaker, cfg.Retry,
		resilience.WithGuardLogger(s.log))

	s.server = asp.NewServer(s.cfg.Capabilities, asp.ServerHooks{
		OnSessionStart: s.onSessionStart,
		OnAudio:        s.onAudio,
		OnControl:      s.onControl,
		OnSessionEnd:   s.onSessionEnd,
	}, asp.WithServerLogger(s.log), asp.WithServerID("kestrel-scribe"))

	return s
}

// Handler returns the WebSocket endpoint.
func (s *Service) Handler() http.Handler {
	return s.server
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
		Features:                []string{"dual_direction", "text_utterance"},
	}
}

// session accumulates one call's audio, one buffer per speaker. Transcription
// runs on detached goroutines so a final flush survives session teardown.
type session struct {
	id     string
	callID string
	format audio.Format

	caller *utterance.ExternalBuffer
	agent  *utterance.ExternalBuffer

	frames     atomic.Int64
	utterances atomic.Int64
}

func (s *Service) onSessionStart(_ *asp.ServerConn, sess *asp.ServerSession) {
	format := audio.Format{
		SampleRate:      sess.Audio.SampleRate,
		Channels:        sess.Audio.Channels,
		SampleWidth:     2,
		FrameDurationMs: sess.Audio.FrameDurationMs,
	}
	ucfg := utterance.Config{Format: format, MaxBuffer: s.cfg.MaxBuffer}
	sn := &session{
		id:     sess.ID,
		callID: sess.CallID,
		format: format,
		caller: utterance.NewExternalBuffer(ucfg, s.log),
		agent:  utterance.NewExternalBuffer(ucfg, s.log),
	}
	s.sessions.Store(sess.ID, sn)
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.log.Info("transcription started",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"sample_rate", format.SampleRate)
}

func (s *Service) onAudio(_ *asp.ServerConn, sess *asp.ServerSession, frame asp.AudioFrame) {
	v, ok := s.sessions.Load(sess.ID)
	if !ok {
		return
	}
	sn := v.(*session)
	sn.frames.Add(1)
	switch frame.Direction {
	case asp.DirectionOutbound:
		sn.agent.Append(frame.PCM)
	default:
		sn.caller.Append(frame.PCM)
	}
}

func (s *Service) onControl(conn *asp.ServerConn, msg asp.Message) {
	v, ok := s.sessions.Load(msg.SessionID)
	if !ok {
		return
	}
	sn := v.(*session)
	switch msg.Type {
	case asp.TypeSpeechEnd:
		s.flush(conn, sn, SpeakerCaller)
	case asp.TypeResponseEnd:
		s.flush(conn, sn, SpeakerAgent)
	default:
		s.log.Debug("ignoring control message",
			"session_id", msg.SessionID, "type", msg.Type)
	}
}

func (s *Service) onSessionEnd(conn *asp.ServerConn, sess *asp.ServerSession, reason string) {
	v, ok := s.sessions.LoadAndDelete(sess.ID)
	if !ok {
		return
	}
	sn := v.(*session)
	// Late audio without a closing boundary still gets transcribed.
	s.flush(conn, sn, SpeakerCaller)
	s.flush(conn, sn, SpeakerAgent)
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.log.Info("transcription ended",
		"session_id", sess.ID,
		"call_id", sess.CallID,
		"reason", reason,
		"frames", sn.frames.Load(),
		"utterances", sn.utterances.Load())
}

// flush hands the named speaker's buffered audio to a transcription
// goroutine. Runs on the read loop; the flush itself is an atomic swap.
func (s *Service) flush(conn *asp.ServerConn, sn *session, speaker string) {
	buf := sn.caller
	if speaker == SpeakerAgent {
		buf = sn.agent
	}
	res := buf.Flush()
	if res == nil {
		return
	}
	go s.transcribe(conn, sn, speaker, res)
}

// transcribe runs the guarded STT call and publishes the transcript. A
// failed or empty transcription drops the segment; transcription is an
// observer and never disturbs the call.
func (s *Service) transcribe(conn *asp.ServerConn, sn *session, speaker string, res *utterance.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	cfg := s.cfg.STTConfig
	cfg.SampleRate = sn.format.SampleRate

	start := time.Now()
	var text string
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var terr error
		text, terr = s.cfg.STT.Transcribe(ctx, res.PCM, cfg)
		return terr
	})
	elapsed := time.Since(start)
	s.metrics.STTDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.cfg.STTName)))

	if err != nil {
		s.metrics.RecordProviderError(ctx, s.cfg.STTName, "stt")
		s.log.Warn("transcription failed, dropping segment",
			"session_id", sn.id, "speaker", speaker,
			"duration", res.Duration, "error", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		s.metrics.RecordProviderRequest(ctx, s.cfg.STTName, "stt", "empty")
		return
	}
	s.metrics.RecordProviderRequest(ctx, s.cfg.STTName, "stt", "ok")
	sn.utterances.Add(1)

	tr := Transcript{
		SessionID:  sn.id,
		CallID:     sn.callID,
		Speaker:    speaker,
		Text:       text,
		Duration:   res.Duration,
		CapturedAt: start,
	}
	if err := s.cfg.Indexer.Index(ctx, tr); err != nil {
		s.log.Warn("transcript indexing failed",
			"session_id", sn.id, "speaker", speaker, "error", err)
	}

	msg := asp.NewForSession(asp.TypeTextUtterance, sn.id)
	msg.CallID = sn.callID
	msg.Text = text
	msg.Speaker = speaker
	if err := conn.Send(ctx, msg); err != nil {
		s.log.Debug("text.utterance send failed",
			"session_id", sn.id, "error", err)
	}
}
