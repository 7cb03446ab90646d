package agent

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	llmmock "github.com/kestrelvoice/kestrel/pkg/provider/llm/mock"
	sttmock "github.com/kestrelvoice/kestrel/pkg/provider/stt/mock"
	ttsmock "github.com/kestrelvoice/kestrel/pkg/provider/tts/mock"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad/energy"
)

const testFrameBytes = 320 // 20 ms at 8 kHz s16le

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// loudFrame is comfortably above the 0.1 detection threshold.
func loudFrame() []byte {
	frame := make([]byte, testFrameBytes)
	for i := 0; i < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(8000)))
	}
	return frame
}

func silentFrame() []byte {
	return make([]byte, testFrameBytes)
}

func testAudio() asp.AudioConfig {
	return asp.AudioConfig{
		SampleRate:      8000,
		Encoding:        "pcm_s16le",
		Channels:        1,
		FrameDurationMs: 20,
	}
}

// testVAD keeps thresholds short so endpointing closes within a handful of
// frames. All values sit inside the negotiation clamp ranges.
func testVAD() asp.VADConfig {
	return asp.VADConfig{
		Enabled:            true,
		SilenceThresholdMs: 100,
		MinSpeechMs:        100,
		Threshold:          0.1,
		RingBufferFrames:   3,
		SpeechRatio:        0.2,
	}
}

type mocks struct {
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func defaultMocks() *mocks {
	return &mocks{
		stt: &sttmock.Provider{Transcript: "hello there"},
		llm: &llmmock.Provider{Reply: "Hi! How can I help?", Fragments: []string{"Hi! How can I help?"}},
		tts: &ttsmock.Provider{PCM: make([]byte, testFrameBytes)},
	}
}

type harness struct {
	svc     *Service
	client  *asp.Client
	sid     string
	control chan asp.Message
	audio   chan asp.AudioFrame
}

func startHarness(t *testing.T, m *mocks, mutate func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		STT:           m.stt,
		LLM:           m.llm,
		TTS:           m.tts,
		VAD:           energy.New(),
		SystemPrompt:  "You are a phone agent.",
		ErrorPhrase:   "Sorry, something went wrong.",
		LatencyBudget: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := New(cfg, WithLogger(discardLogger()))

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	h := &harness{
		svc:     svc,
		control: make(chan asp.Message, 64),
		audio:   make(chan asp.AudioFrame, 256),
	}
	h.client = asp.NewClient("ws"+strings.TrimPrefix(srv.URL, "http"),
		asp.WithLogger(discardLogger()),
		asp.WithControlHandler(func(msg asp.Message) {
			select {
			case h.control <- msg:
			default:
			}
		}),
		asp.WithAudioHandler(func(frame asp.AudioFrame) {
			pcm := make([]byte, len(frame.PCM))
			copy(pcm, frame.PCM)
			frame.PCM = pcm
			select {
			case h.audio <- frame:
			default:
			}
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { h.client.Close() })

	h.sid = "11111111-2222-3333-4444-555555555555"
	if _, err := h.client.StartSession(ctx, h.sid, "call-1", testAudio(), testVAD()); err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	return h
}

// speak pushes a short utterance followed by enough silence to close it.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 10 {
		if err := h.client.SendAudio(ctx, h.sid, asp.DirectionInbound, loudFrame()); err != nil {
			t.Fatalf("SendAudio() error: %v", err)
		}
	}
	for range 12 {
		if err := h.client.SendAudio(ctx, h.sid, asp.DirectionInbound, silentFrame()); err != nil {
			t.Fatalf("SendAudio() error: %v", err)
		}
	}
}

// waitControl blocks until a message of the wanted type arrives, failing the
// test when the timeout passes first. Other message types are consumed.
func (h *harness) waitControl(t *testing.T, want asp.Type) asp.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.control:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// expectNoControl asserts that no message of the given type arrives within
// the window.
func (h *harness) expectNoControl(t *testing.T, unwanted asp.Type, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case msg := <-h.control:
			if msg.Type == unwanted {
				t.Fatalf("unexpected %q message", unwanted)
			}
		case <-deadline:
			return
		}
	}
}

func TestConversationTurn(t *testing.T) {
	m := defaultMocks()
	h := startHarness(t, m, nil)

	h.speak(t)

	h.waitControl(t, asp.TypeSpeechStart)
	h.waitControl(t, asp.TypeSpeechEnd)
	h.waitControl(t, asp.TypeResponseStart)

	select {
	case frame := <-h.audio:
		if frame.Direction != asp.DirectionOutbound {
			t.Errorf("audio direction = %v, want outbound", frame.Direction)
		}
		if len(frame.PCM) == 0 {
			t.Error("received empty audio frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply audio received")
	}

	h.waitControl(t, asp.TypeResponseEnd)

	if got := m.stt.CallCount(); got != 1 {
		t.Errorf("stt calls = %d, want 1", got)
	}
	if got := m.llm.RequestCount(); got != 1 {
		t.Errorf("llm requests = %d, want 1", got)
	}
}

func TestTurnCarriesHistoryAndPrompt(t *testing.T) {
	m := defaultMocks()
	m.stt.Transcripts = []string{"first question", "second question"}
	h := startHarness(t, m, nil)

	h.speak(t)
	h.waitControl(t, asp.TypeResponseEnd)
	h.speak(t)
	h.waitControl(t, asp.TypeResponseEnd)

	reqs := m.llm.RecordedRequests()
	if len(reqs) != 2 {
		t.Fatalf("llm requests = %d, want 2", len(reqs))
	}
	req := reqs[1]
	if req.SystemPrompt != "You are a phone agent." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	// user, assistant, user
	if len(req.Messages) != 3 {
		t.Fatalf("history length = %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Content != "first question" || req.Messages[0].Role != "user" {
		t.Errorf("history[0] = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "assistant" {
		t.Errorf("history[1].Role = %q, want assistant", req.Messages[1].Role)
	}
	if req.Messages[2].Content != "second question" {
		t.Errorf("history[2].Content = %q", req.Messages[2].Content)
	}
}

func TestEmptyTranscriptSkipsTurn(t *testing.T) {
	m := defaultMocks()
	m.stt.Transcript = "   "
	h := startHarness(t, m, nil)

	h.speak(t)
	h.waitControl(t, asp.TypeSpeechEnd)
	h.expectNoControl(t, asp.TypeResponseStart, 300*time.Millisecond)

	if got := m.llm.RequestCount(); got != 0 {
		t.Errorf("llm requests = %d, want 0", got)
	}
}

func TestSTTFailureSkipsTurn(t *testing.T) {
	m := defaultMocks()
	m.stt.TranscribeErr = context.DeadlineExceeded
	h := startHarness(t, m, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 1
	})

	h.speak(t)
	h.waitControl(t, asp.TypeSpeechEnd)
	h.expectNoControl(t, asp.TypeResponseStart, 300*time.Millisecond)

	if got := m.llm.RequestCount(); got != 0 {
		t.Errorf("llm requests = %d, want 0", got)
	}
}

func TestLLMFailureSpeaksErrorPhrase(t *testing.T) {
	m := defaultMocks()
	m.llm.GenerateErr = context.DeadlineExceeded
	h := startHarness(t, m, nil)

	h.speak(t)
	h.waitControl(t, asp.TypeResponseStart)

	select {
	case <-h.audio:
	case <-time.After(5 * time.Second):
		t.Fatal("error phrase audio never arrived")
	}
	h.waitControl(t, asp.TypeResponseEnd)

	found := false
	for _, call := range m.tts.RecordedCalls() {
		if call.Text == "Sorry, something went wrong." {
			found = true
		}
	}
	if !found {
		t.Error("error phrase was never synthesized")
	}
}

func TestTTSFailureEndsTurnSilently(t *testing.T) {
	m := defaultMocks()
	m.tts.SynthesizeErr = context.DeadlineExceeded
	h := startHarness(t, m, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 1
	})

	h.speak(t)
	h.waitControl(t, asp.TypeResponseStart)
	h.waitControl(t, asp.TypeResponseEnd)

	select {
	case <-h.audio:
		t.Error("received audio from a failed synthesis")
	default:
	}
}

func TestEndCallPhraseRequestsHangup(t *testing.T) {
	m := defaultMocks()
	m.llm.Reply = "Goodbye, have a nice day. HANGUP"
	m.llm.Fragments = []string{"Goodbye, have a nice day. HANGUP"}
	h := startHarness(t, m, func(cfg *Config) {
		cfg.EndCallPhrase = "hangup"
	})

	h.speak(t)
	h.waitControl(t, asp.TypeResponseEnd)

	msg := h.waitControl(t, asp.TypeCallAction)
	if msg.Action != "hangup" {
		t.Errorf("Action = %q, want hangup", msg.Action)
	}
}

func TestBargeInInterruptsResponse(t *testing.T) {
	m := defaultMocks()
	// Stretch generation out so the caller can speak over it.
	m.llm.Fragments = []string{
		"This is a long reply. ", "It keeps going. ", "And going. ",
		"And going. ", "And going. ", "And going. ",
	}
	m.llm.FragmentDelay = 100 * time.Millisecond
	h := startHarness(t, m, nil)

	h.speak(t)
	h.waitControl(t, asp.TypeResponseStart)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 3 {
		if err := h.client.SendAudio(ctx, h.sid, asp.DirectionInbound, loudFrame()); err != nil {
			t.Fatalf("SendAudio() error: %v", err)
		}
	}

	h.waitControl(t, asp.TypeResponseInterrupted)
}

func TestExternalEndpointing(t *testing.T) {
	m := defaultMocks()
	h := startHarness(t, m, func(cfg *Config) {
		cfg.VAD = nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 5 {
		if err := h.client.SendAudio(ctx, h.sid, asp.DirectionInbound, loudFrame()); err != nil {
			t.Fatalf("SendAudio() error: %v", err)
		}
	}
	if err := h.client.SendControl(ctx, asp.NewForSession(asp.TypeSpeechEnd, h.sid)); err != nil {
		t.Fatalf("SendControl() error: %v", err)
	}

	h.waitControl(t, asp.TypeResponseStart)
	h.waitControl(t, asp.TypeResponseEnd)

	calls := m.stt.RecordedCalls()
	if len(calls) != 1 {
		t.Fatalf("stt calls = %d, want 1", len(calls))
	}
	if got, want := len(calls[0].PCM), 5*testFrameBytes; got != want {
		t.Errorf("transcribed %d bytes, want %d", got, want)
	}
}

func TestSessionEndCleansUp(t *testing.T) {
	m := defaultMocks()
	h := startHarness(t, m, nil)

	if got := h.svc.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.EndSession(ctx, h.sid, "hangup"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.svc.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not removed after session.end")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHistoryTrimming(t *testing.T) {
	svc := &Service{cfg: Config{MaxHistory: 4}, log: discardLogger()}
	s := &session{svc: svc}

	for i := range 6 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.appendHistory(llm.Message{Role: role, Content: strconv.Itoa(i)})
	}

	got := s.historySnapshot()
	if len(got) != 4 {
		t.Fatalf("history length = %d, want 4", len(got))
	}
	if want := (llm.Message{Role: "user", Content: "2"}); got[0] != want {
		t.Errorf("history[0] = %+v, want %+v", got[0], want)
	}
}
