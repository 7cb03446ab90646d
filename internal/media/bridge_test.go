package media

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/internal/fork"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// chanSink delivers playback frames to a channel for inspection.
type chanSink struct {
	frames chan []byte
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan []byte, 256)}
}

func (s *chanSink) WriteFrame(_ string, pcm []byte) error {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.frames <- buf:
	default:
	}
	return nil
}

// recordingControl records Redirect invocations.
type recordingControl struct {
	mu    sync.Mutex
	calls []redirectCall
	done  chan struct{}
}

type redirectCall struct {
	Channel, Context, Exten string
	Priority                int
}

func newRecordingControl() *recordingControl {
	return &recordingControl{done: make(chan struct{}, 4)}
}

func (r *recordingControl) Redirect(_ context.Context, channel, dialCtx, exten string, priority int) error {
	r.mu.Lock()
	r.calls = append(r.calls, redirectCall{channel, dialCtx, exten, priority})
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func testCaps() asp.Capabilities {
	return asp.Capabilities{
		SupportedSampleRates:    []int{8000, 16000},
		SupportedEncodings:      []string{"pcm_s16le", "mulaw"},
		SupportedFrameDurations: []int{10, 20, 30},
		VADConfigurable:         true,
	}
}

func testAudioConfig() asp.AudioConfig {
	return asp.AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
}

func testVADConfig() asp.VADConfig {
	return asp.VADConfig{Enabled: true, SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4}
}

func testBridgeConfig(agentURL string) Config {
	return Config{
		AgentURL:        agentURL,
		Format:          audio.DefaultFormat(),
		Audio:           testAudioConfig(),
		VAD:             testVADConfig(),
		Fork:            fork.ManagerConfig{BufferMs: 200, Consumer: fork.ConsumerConfig{PollInterval: 2 * time.Millisecond}},
		HangupContext:   "ai-hangup",
		HangupExten:     "s",
		TransferContext: "ai-transfer",
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// agentHarness is a real ASP server standing in for the conversational
// service, exposing the live connection so tests can push events and audio
// back toward the bridge.
type agentHarness struct {
	audio  chan []byte
	ended  chan string
	connCh chan *asp.ServerConn
	sessCh chan *asp.ServerSession
	server *asp.Server
	http   *httptest.Server
}

func startAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	h := &agentHarness{
		audio:  make(chan []byte, 256),
		ended:  make(chan string, 4),
		connCh: make(chan *asp.ServerConn, 4),
		sessCh: make(chan *asp.ServerSession, 4),
	}
	hooks := asp.ServerHooks{
		OnSessionStart: func(conn *asp.ServerConn, sess *asp.ServerSession) {
			h.connCh <- conn
			h.sessCh <- sess
		},
		OnAudio: func(_ *asp.ServerConn, _ *asp.ServerSession, frame asp.AudioFrame) {
			pcm := make([]byte, len(frame.PCM))
			copy(pcm, frame.PCM)
			select {
			case h.audio <- pcm:
			default:
			}
		},
		OnSessionEnd: func(_ *asp.ServerConn, _ *asp.ServerSession, reason string) {
			h.ended <- reason
		},
	}
	h.server = asp.NewServer(testCaps(), hooks, asp.WithServerLogger(slog.New(slog.DiscardHandler)))
	h.http = httptest.NewServer(h.server)
	t.Cleanup(h.http.Close)
	return h
}

func startTestBridge(t *testing.T, sink FrameSink, ctrl ChannelControl, agentURL string) *Bridge {
	t.Helper()
	b := NewBridge(sink, ctrl, testBridgeConfig(agentURL),
		WithLogger(slog.New(slog.DiscardHandler)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func TestBridgeForksCapturedAudio(t *testing.T) {
	h := startAgentHarness(t)
	sink := newChanSink()
	b := startTestBridge(t, sink, nil, wsURL(h.http))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.StartCall(ctx, "PJSIP/100-0001"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	pcm := bytes.Repeat([]byte{0x10, 0x01}, 160)
	for range 5 {
		if !b.CaptureFrame("PJSIP/100-0001", pcm) {
			t.Fatal("CaptureFrame returned false for an active call")
		}
	}

	for received := 0; received < 5; {
		select {
		case got := <-h.audio:
			if !bytes.Equal(got, pcm) {
				t.Fatal("forked audio corrupted in transit")
			}
			received++
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 5 frames reached the agent", received)
		}
	}
}

func TestBridgeCaptureUnknownChannel(t *testing.T) {
	h := startAgentHarness(t)
	b := startTestBridge(t, newChanSink(), nil, wsURL(h.http))
	if b.CaptureFrame("PJSIP/ghost-0009", make([]byte, 320)) {
		t.Error("CaptureFrame accepted audio for an unknown channel")
	}
}

func TestBridgePlaysAgentAudio(t *testing.T) {
	h := startAgentHarness(t)
	sink := newChanSink()
	b := startTestBridge(t, sink, nil, wsURL(h.http))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessionID, err := b.StartCall(ctx, "PJSIP/100-0002")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	conn := <-h.connCh

	response := bytes.Repeat([]byte{0x7f, 0x00}, 160)
	if err := conn.SendAudio(ctx, sessionID, asp.DirectionOutbound, response); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case got := <-sink.frames:
		if !bytes.Equal(got, response) {
			t.Error("playback frame does not match agent audio")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent audio never reached the sink")
	}
}

func TestBridgeEndCall(t *testing.T) {
	h := startAgentHarness(t)
	b := startTestBridge(t, newChanSink(), nil, wsURL(h.http))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.StartCall(ctx, "PJSIP/100-0003"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := b.ActiveCalls(); got != 1 {
		t.Fatalf("ActiveCalls = %d, want 1", got)
	}

	b.EndCall(ctx, "PJSIP/100-0003", asp.ReasonHangup)
	if got := b.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls = %d after EndCall, want 0", got)
	}

	select {
	case reason := <-h.ended:
		if reason != asp.ReasonHangup {
			t.Errorf("end reason = %q, want %q", reason, asp.ReasonHangup)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session end never reached the agent")
	}

	// Idempotent.
	b.EndCall(ctx, "PJSIP/100-0003", asp.ReasonHangup)
}

func TestBargeInClearsPlayback(t *testing.T) {
	b := NewBridge(newChanSink(), nil, testBridgeConfig("ws://unused"),
		WithLogger(slog.New(slog.DiscardHandler)))
	c := &call{sessionID: "sess-1", channelID: "chan-1", queue: NewPlaybackQueue()}
	c.setState(StateResponding)
	c.queue.Enqueue(make([]byte, 3200))
	b.bySession.Store("sess-1", c)

	b.handleAgentControl(asp.NewForSession(asp.TypeSpeechStart, "sess-1"))

	if got := c.queue.Bytes(); got != 0 {
		t.Errorf("queue holds %d bytes after barge-in, want 0", got)
	}
	if got := c.State(); got != StateListening {
		t.Errorf("state = %v after barge-in, want listening", got)
	}
}

func TestResponseInterruptedClearsPlayback(t *testing.T) {
	b := NewBridge(newChanSink(), nil, testBridgeConfig("ws://unused"),
		WithLogger(slog.New(slog.DiscardHandler)))
	c := &call{sessionID: "sess-2", channelID: "chan-2", queue: NewPlaybackQueue()}
	c.setState(StateResponding)
	c.queue.Enqueue(make([]byte, 640))
	b.bySession.Store("sess-2", c)

	b.handleAgentControl(asp.NewForSession(asp.TypeResponseInterrupted, "sess-2"))

	if got := c.queue.Bytes(); got != 0 {
		t.Errorf("queue holds %d bytes after interrupt, want 0", got)
	}
}

func TestComfortNoiseWhileProcessing(t *testing.T) {
	sink := newChanSink()
	b := NewBridge(sink, nil, testBridgeConfig("ws://unused"),
		WithLogger(slog.New(slog.DiscardHandler)))
	c := &call{sessionID: "sess-3", channelID: "chan-3", queue: NewPlaybackQueue()}
	c.setState(StateProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pump(ctx, c)

	select {
	case frame := <-sink.frames:
		if len(frame) != b.cfg.Format.BytesPerFrame() {
			t.Errorf("comfort frame length = %d, want %d", len(frame), b.cfg.Format.BytesPerFrame())
		}
		// Comfort noise is quiet but not silent.
		if rms := audio.RMS(frame); rms == 0 || rms > 100 {
			t.Errorf("comfort noise RMS = %f, want quiet non-zero", rms)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no comfort noise emitted while processing")
	}

	// Real audio ends the comfort window and flips the state.
	speech := bytes.Repeat([]byte{0x00, 0x40}, 160)
	c.queue.Enqueue(speech)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-sink.frames:
			if bytes.Equal(frame, speech) {
				if got := c.State(); got != StateResponding {
					t.Errorf("state = %v after first real frame, want responding", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("queued audio never reached the sink")
		}
	}
}

func TestCallActionHangupRedirects(t *testing.T) {
	ctrl := newRecordingControl()
	b := NewBridge(newChanSink(), ctrl, testBridgeConfig("ws://unused"),
		WithLogger(slog.New(slog.DiscardHandler)))
	c := &call{sessionID: "sess-4", channelID: "PJSIP/100-0004", queue: NewPlaybackQueue()}
	b.bySession.Store("sess-4", c)

	msg := asp.NewForSession(asp.TypeCallAction, "sess-4")
	msg.Action = asp.ActionHangup
	b.handleAgentControl(msg)

	select {
	case <-ctrl.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hangup action never reached channel control")
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	got := ctrl.calls[0]
	want := redirectCall{"PJSIP/100-0004", "ai-hangup", "s", 1}
	if got != want {
		t.Errorf("redirect = %+v, want %+v", got, want)
	}
}

func TestCallActionTransferRedirects(t *testing.T) {
	ctrl := newRecordingControl()
	b := NewBridge(newChanSink(), ctrl, testBridgeConfig("ws://unused"),
		WithLogger(slog.New(slog.DiscardHandler)))
	c := &call{sessionID: "sess-5", channelID: "PJSIP/100-0005", queue: NewPlaybackQueue()}
	b.bySession.Store("sess-5", c)

	msg := asp.NewForSession(asp.TypeCallAction, "sess-5")
	msg.Action = asp.ActionTransfer
	msg.Target = "2000"
	b.handleAgentControl(msg)

	select {
	case <-ctrl.done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer action never reached channel control")
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	got := ctrl.calls[0]
	want := redirectCall{"PJSIP/100-0005", "ai-transfer", "2000", 1}
	if got != want {
		t.Errorf("redirect = %+v, want %+v", got, want)
	}
}
