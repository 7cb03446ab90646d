package asp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientServerSession(t *testing.T) {
	audioCh := make(chan []byte, 4)
	endCh := make(chan string, 1)
	var startMu sync.Mutex
	var started *ServerSession

	hooks := ServerHooks{
		OnSessionStart: func(conn *ServerConn, sess *ServerSession) {
			startMu.Lock()
			started = sess
			startMu.Unlock()
		},
		OnAudio: func(conn *ServerConn, sess *ServerSession, frame AudioFrame) {
			pcm := make([]byte, len(frame.PCM))
			copy(pcm, frame.PCM)
			audioCh <- pcm
		},
		OnSessionEnd: func(conn *ServerConn, sess *ServerSession, reason string) {
			endCh <- reason
		},
	}
	server := NewServer(serverCaps(), hooks, WithServerID("test-server"))
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(wsURL(srv))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if client.Legacy() {
		t.Fatal("client entered legacy mode against a capable server")
	}
	caps, ok := client.Capabilities()
	if !ok || caps.Version != ProtocolVersion {
		t.Fatalf("capabilities = (%+v, %v)", caps, ok)
	}

	// Unsupported sample rate must come back adjusted, not rejected.
	sess, err := client.StartSession(ctx, "sess-1", "call-1",
		AudioConfig{SampleRate: 44100, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20},
		VADConfig{Enabled: true, SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.Audio.SampleRate != 16000 {
		t.Errorf("negotiated sample rate = %d, want 16000", sess.Audio.SampleRate)
	}
	if len(sess.Adjustments) == 0 {
		t.Error("expected at least one adjustment")
	}
	startMu.Lock()
	if started == nil || started.ID != "sess-1" {
		t.Errorf("server hook saw session %+v", started)
	}
	startMu.Unlock()

	pcm := bytes.Repeat([]byte{0x11, 0x22}, 160)
	if err := client.SendAudio(ctx, "sess-1", DirectionInbound, pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case got := <-audioCh:
		if !bytes.Equal(got, pcm) {
			t.Error("audio payload corrupted in transit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never reached the server hook")
	}

	applied, err := client.UpdateVAD(ctx, "sess-1", VADConfig{
		Enabled: true, SilenceThresholdMs: 9999, MinSpeechMs: 250,
		Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4,
	})
	if err != nil {
		t.Fatalf("UpdateVAD: %v", err)
	}
	if applied.SilenceThresholdMs != MaxSilenceThresholdMs {
		t.Errorf("applied silence = %d, want clamped %d", applied.SilenceThresholdMs, MaxSilenceThresholdMs)
	}

	if err := client.EndSession(ctx, "sess-1", ReasonHangup); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	select {
	case reason := <-endCh:
		if reason != ReasonHangup {
			t.Errorf("end reason = %q, want %q", reason, ReasonHangup)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session end never reached the server hook")
	}
}

func TestClientLegacyFallback(t *testing.T) {
	// A server that accepts the socket but never advertises capabilities.
	silent := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			msg, err := Parse(data)
			if err != nil || msg.Type != TypeSessionStart {
				continue
			}
			reply := NewForSession(TypeSessionStarted, msg.SessionID)
			reply.Status = StatusAccepted
			out, _ := reply.Encode()
			if err := ws.Write(r.Context(), websocket.MessageText, out); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(silent)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(wsURL(srv), WithCapabilitiesTimeout(150*time.Millisecond))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if !client.Legacy() {
		t.Fatal("client should be in legacy mode")
	}
	if _, ok := client.Capabilities(); ok {
		t.Error("legacy client should report no capabilities")
	}

	want := AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	sess, err := client.StartSession(ctx, "sess-legacy", "call-1", want, VADConfig{Enabled: true})
	if err != nil {
		t.Fatalf("StartSession in legacy mode: %v", err)
	}
	if !sess.Legacy {
		t.Error("session should be marked legacy")
	}
	if sess.Audio != want {
		t.Errorf("legacy session config changed: %+v", sess.Audio)
	}
}

func TestStartSessionFailsFastOnTransportDrop(t *testing.T) {
	// A server that negotiates capabilities, then kills the socket the
	// moment session.start arrives instead of replying.
	dropping := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		caps := serverCaps()
		capMsg := New(TypeCapabilities)
		capMsg.Capabilities = &caps
		out, _ := capMsg.Encode()
		if err := ws.Write(r.Context(), websocket.MessageText, out); err != nil {
			return
		}
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			msg, err := Parse(data)
			if err == nil && msg.Type == TypeSessionStart {
				ws.Close(websocket.StatusInternalError, "going down")
				return
			}
		}
	})
	srv := httptest.NewServer(dropping)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The hour-long reconnect interval keeps the reconnect loop dormant for
	// the duration of the test.
	client := NewClient(wsURL(srv), WithReconnect(time.Hour, 1))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	// The default start timeout is 10s and the test context allows 5s; a
	// waiter that only times out would never produce ErrConnClosed here.
	_, err := client.StartSession(ctx, "sess-drop", "call-1",
		AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20},
		VADConfig{Enabled: true, SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4})
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("StartSession err = %v, want ErrConnClosed", err)
	}
}

func TestServerRejectsUnknownSessionEvents(t *testing.T) {
	server := NewServer(serverCaps(), ServerHooks{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan Message, 1)
	client := NewClient(wsURL(srv), WithControlHandler(func(msg Message) {
		if msg.Type == TypeProtocolError {
			errCh <- msg
		}
	}))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	evt := NewForSession(TypeSpeechStart, "never-started")
	if err := client.SendControl(ctx, evt); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case msg := <-errCh:
		if msg.Error == nil || msg.Error.Code != CodeUnknownSession {
			t.Errorf("error = %+v, want code %d", msg.Error, CodeUnknownSession)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no protocol.error received for unknown session")
	}
}

func TestServerDuplicateSessionStart(t *testing.T) {
	server := NewServer(serverCaps(), ServerHooks{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan Message, 1)
	client := NewClient(wsURL(srv), WithControlHandler(func(msg Message) {
		if msg.Type == TypeProtocolError {
			errCh <- msg
		}
	}))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	audio := AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	vad := VADConfig{Enabled: true, SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4}
	if _, err := client.StartSession(ctx, "dup", "call-1", audio, vad); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}

	// A duplicate start gets a protocol.error, not a session.started, so
	// send it raw instead of going through StartSession's reply wait.
	msg := NewForSession(TypeSessionStart, "dup")
	msg.Audio = &audio
	msg.VAD = &vad
	if err := client.SendControl(ctx, msg); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	select {
	case got := <-errCh:
		if got.Error == nil || got.Error.Code != CodeDuplicateSession {
			t.Errorf("error = %+v, want code %d", got.Error, CodeDuplicateSession)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no protocol.error for duplicate session.start")
	}
}
