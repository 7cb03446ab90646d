package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/pipeline"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/internal/utterance"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

// sendTimeout bounds outbound control and audio writes issued outside the
// turn context.
const sendTimeout = 2 * time.Second

// sessionState is the per-session conversation phase.
type sessionState int32

const (
	stateListening sessionState = iota
	stateProcessing
	stateResponding
)

func (s sessionState) String() string {
	switch s {
	case stateListening:
		return "listening"
	case stateProcessing:
		return "processing"
	case stateResponding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// session is the conversational state of one negotiated protocol session.
// Frames and control events arrive on the connection's read loop; turns run
// on their own goroutine and hold turnCancel for barge-in.
type session struct {
	svc    *Service
	conn   *asp.ServerConn
	id     string
	callID string
	format audio.Format

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// Internal endpointing. wasSpeaking is only touched on the read loop.
	buf         *utterance.Buffer
	vadSess     vad.SessionHandle
	wasSpeaking bool

	// External endpointing, when the media side sends speech events.
	ext *utterance.ExternalBuffer

	historyMu sync.Mutex
	history   []llm.Message

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	turns atomic.Int64
}

func (s *Service) newSession(conn *asp.ServerConn, sess *asp.ServerSession) (*session, error) {
	format := audio.Format{
		SampleRate:      sess.Audio.SampleRate,
		Channels:        sess.Audio.Channels,
		SampleWidth:     2,
		FrameDurationMs: sess.Audio.FrameDurationMs,
	}
	ctx, cancel := context.WithCancel(context.Background())
	sn := &session{
		svc:    s,
		conn:   conn,
		id:     sess.ID,
		callID: sess.CallID,
		format: format,
		ctx:    ctx,
		cancel: cancel,
	}

	ucfg := utterance.Config{
		Format:           format,
		SilenceThreshold: time.Duration(sess.VAD.SilenceThresholdMs) * time.Millisecond,
		MinSpeech:        time.Duration(sess.VAD.MinSpeechMs) * time.Millisecond,
		PrefixPadding:    time.Duration(sess.VAD.PrefixPaddingMs) * time.Millisecond,
	}

	if sess.VAD.Enabled && s.cfg.VAD != nil {
		vadSess, err := s.cfg.VAD.NewSession(vad.Config{
			SampleRate:      format.SampleRate,
			FrameDurationMs: format.FrameDurationMs,
			Threshold:       sess.VAD.Threshold,
			RingFrames:      sess.VAD.RingBufferFrames,
			SpeechRatio:     sess.VAD.SpeechRatio,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("agent: vad session: %w", err)
		}
		sn.vadSess = vadSess
		sn.buf = utterance.NewBuffer(ucfg, vadSess, s.log)
	} else {
		sn.ext = utterance.NewExternalBuffer(ucfg, s.log)
	}
	return sn, nil
}

func (s *session) State() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

// handleFrame runs on the connection read loop. Buffer appends copy the
// frame synchronously; nothing here may block.
func (s *session) handleFrame(frame asp.AudioFrame) {
	if s.ext != nil {
		s.ext.Append(frame.PCM)
		return
	}

	res, err := s.buf.ProcessFrame(frame.PCM)
	if err != nil {
		s.svc.log.Warn("frame processing failed",
			"session_id", s.id, "error", err)
		return
	}

	speaking := s.buf.Speaking()
	if speaking && !s.wasSpeaking {
		s.onSpeechOnset()
	}
	s.wasSpeaking = speaking

	if res != nil {
		s.wasSpeaking = false
		s.onUtterance(res)
	}
}

// onSpeechOnset notifies the media side and cuts off any in-flight reply.
func (s *session) onSpeechOnset() {
	s.sendControl(asp.NewForSession(asp.TypeSpeechStart, s.id))
	if s.State() == stateResponding {
		s.interrupt()
	}
}

// onUtterance closes the listening phase and hands the utterance to a turn
// goroutine.
func (s *session) onUtterance(res *utterance.Result) {
	// A turn still processing the previous utterance yields to the new one.
	s.cancelTurn()
	s.sendControl(asp.NewForSession(asp.TypeSpeechEnd, s.id))
	s.svc.metrics.RecordUtterance(s.ctx)
	s.setState(stateProcessing)
	s.svc.log.Debug("utterance captured",
		"session_id", s.id,
		"duration", res.Duration,
		"speech", res.Speech)
	go s.runTurn(res)
}

// handleExternalSpeechStart handles a speech onset signalled by the media
// side when it owns endpointing.
func (s *session) handleExternalSpeechStart() {
	if s.ext == nil {
		return
	}
	if s.State() == stateResponding {
		s.interrupt()
	}
}

// handleExternalSpeechEnd flushes the externally endpointed utterance and
// starts a turn.
func (s *session) handleExternalSpeechEnd() {
	if s.ext == nil {
		return
	}
	res := s.ext.Flush()
	if res == nil {
		return
	}
	if s.State() == stateResponding {
		s.interrupt()
	} else {
		s.cancelTurn()
	}
	s.svc.metrics.RecordUtterance(s.ctx)
	s.setState(stateProcessing)
	go s.runTurn(res)
}

// interrupt cancels the in-flight turn and tells the media side to flush
// its playback queue.
func (s *session) interrupt() {
	if !s.cancelTurn() {
		return
	}
	s.sendControl(asp.NewForSession(asp.TypeResponseInterrupted, s.id))
	s.setState(stateListening)
	s.svc.log.Info("response interrupted by caller", "session_id", s.id)
}

// cancelTurn cancels the in-flight turn, if any, and reports whether one
// was cancelled.
func (s *session) cancelTurn() bool {
	s.turnMu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.turnMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// runTurn executes one conversational turn: transcribe, generate, and
// stream the spoken reply.
func (s *session) runTurn(utt *utterance.Result) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.turnMu.Lock()
	s.turnCancel = cancel
	s.turnMu.Unlock()
	defer func() {
		s.turnMu.Lock()
		if s.turnCancel != nil {
			s.turnCancel = nil
		}
		s.turnMu.Unlock()
	}()

	turn := s.turns.Add(1)
	log := s.svc.log.With("session_id", s.id, "turn", turn)
	prompts := s.svc.currentPrompts()
	budget := pipeline.NewBudget(s.svc.latencyBudget(), log)

	transcript, ok := s.transcribe(ctx, budget, utt, log)
	if !ok {
		s.setState(stateListening)
		return
	}

	s.appendHistory(llm.Message{Role: "user", Content: transcript})
	req := llm.Request{
		Messages:     s.historySnapshot(),
		SystemPrompt: prompts.System,
		Temperature:  s.svc.cfg.Temperature,
		MaxTokens:    s.svc.cfg.MaxTokens,
	}

	s.setState(stateResponding)
	s.sendControl(asp.NewForSession(asp.TypeResponseStart, s.id))

	var result *pipeline.Result
	err := s.svc.llmGuard.Do(ctx, func(ctx context.Context) error {
		var runErr error
		result, runErr = s.svc.pipe.Run(ctx, req, func(pcm []byte) error {
			return s.conn.SendAudio(ctx, s.id, asp.DirectionOutbound, pcm)
		})
		return runErr
	})

	if ctx.Err() != nil {
		// Barge-in or session teardown; interrupt already notified the
		// client when there was one.
		log.Debug("turn cancelled")
		return
	}

	reply := ""
	switch {
	case err != nil:
		log.Error("reply generation failed", "error", err)
		s.svc.metrics.RecordProviderError(ctx, s.svc.cfg.LLMName, "llm")
		reply = s.speakErrorPhrase(ctx, prompts.ErrorPhrase, log)
	default:
		reply = result.Text
		budget.RecordStage(pipeline.StageLLMTotal, result.Stats.TotalLatency)
		if result.Stats.FirstAudioLatency > 0 {
			budget.RecordStage(pipeline.StageTTSFirstByte, result.Stats.FirstAudioLatency)
			s.svc.metrics.TTSFirstByteDuration.Record(ctx,
				result.Stats.FirstAudioLatency.Seconds(),
				metric.WithAttributes(observe.Attr("provider", s.svc.cfg.TTSName)))
		}
		s.svc.metrics.LLMDuration.Record(ctx, result.Stats.TotalLatency.Seconds(),
			metric.WithAttributes(observe.Attr("provider", s.svc.cfg.LLMName)))
	}

	s.sendControl(asp.NewForSession(asp.TypeResponseEnd, s.id))
	if reply != "" {
		s.appendHistory(llm.Message{Role: "assistant", Content: reply})
	}
	s.setState(stateListening)

	elapsed := budget.Finish()
	s.svc.metrics.TurnDuration.Record(ctx, elapsed.Seconds())

	if s.wantsHangup(prompts.EndCallPhrase, reply) {
		log.Info("reply requested hangup")
		msg := asp.NewForSession(asp.TypeCallAction, s.id)
		msg.Action = asp.ActionHangup
		s.sendControl(msg)
	}
}

// transcribe runs the guarded STT call. A failed or empty transcription
// skips the turn; the caller hears nothing and can simply speak again.
func (s *session) transcribe(ctx context.Context, budget *pipeline.Budget, utt *utterance.Result, log *slog.Logger) (string, bool) {
	start := time.Now()
	var transcript string
	err := s.svc.sttGuard.Do(ctx, func(ctx context.Context) error {
		var terr error
		transcript, terr = s.svc.cfg.STT.Transcribe(ctx, utt.PCM, s.sttConfig())
		return terr
	})
	elapsed := time.Since(start)
	budget.RecordStage(pipeline.StageSTT, elapsed)
	s.svc.metrics.STTDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.svc.cfg.STTName)))

	switch {
	case err != nil:
		status := "error"
		if errors.Is(err, resilience.ErrUnavailable) {
			status = "shed"
		}
		s.svc.metrics.RecordProviderRequest(ctx, s.svc.cfg.STTName, "stt", status)
		log.Warn("transcription failed, skipping turn", "error", err)
		return "", false
	case strings.TrimSpace(transcript) == "":
		s.svc.metrics.RecordProviderRequest(ctx, s.svc.cfg.STTName, "stt", "empty")
		log.Debug("empty transcript, skipping turn")
		return "", false
	}
	s.svc.metrics.RecordProviderRequest(ctx, s.svc.cfg.STTName, "stt", "ok")
	log.Info("utterance transcribed",
		"chars", len(transcript), "stt_latency", elapsed)
	return transcript, true
}

// speakErrorPhrase synthesizes the configured apology after a failed
// generation. When synthesis fails too, the turn ends silently; the
// response.end bracket is still sent by the caller.
func (s *session) speakErrorPhrase(ctx context.Context, phrase string, log *slog.Logger) string {
	if phrase == "" {
		return ""
	}
	var pcm []byte
	err := s.svc.ttsGuard.Do(ctx, func(ctx context.Context) error {
		var serr error
		pcm, serr = s.svc.cfg.TTS.Synthesize(ctx, phrase, s.svc.cfg.Voice)
		return serr
	})
	if err != nil {
		log.Error("error phrase synthesis failed, ending turn silently", "error", err)
		s.svc.metrics.RecordProviderError(ctx, s.svc.cfg.TTSName, "tts")
		return ""
	}
	if err := s.conn.SendAudio(ctx, s.id, asp.DirectionOutbound, pcm); err != nil {
		log.Warn("error phrase delivery failed", "error", err)
		return ""
	}
	return phrase
}

func (s *session) sttConfig() stt.Config {
	cfg := s.svc.cfg.STTConfig
	cfg.SampleRate = s.format.SampleRate
	return cfg
}

func (s *session) wantsHangup(phrase, reply string) bool {
	if phrase == "" || reply == "" {
		return false
	}
	return strings.Contains(strings.ToLower(reply), strings.ToLower(phrase))
}

func (s *session) appendHistory(msg llm.Message) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, msg)
	if over := len(s.history) - s.svc.cfg.MaxHistory; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *session) historySnapshot() []llm.Message {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// sendControl writes one event with a bounded context. Failures are logged
// and dropped; the transport's own teardown handles a dead connection.
func (s *session) sendControl(msg asp.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, msg); err != nil {
		s.svc.log.Debug("control send failed",
			"session_id", s.id, "type", msg.Type, "error", err)
	}
}

// close tears the session down: the turn context dies with the session
// context, and the VAD handle is released.
func (s *session) close() {
	s.cancel()
	if s.vadSess != nil {
		_ = s.vadSess.Close()
	}
}
