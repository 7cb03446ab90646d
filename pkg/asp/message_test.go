package asp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := NewForSession(TypeSessionStart, "sess-1")
	msg.CallID = "call-1"
	msg.Audio = &AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	msg.VAD = &VADConfig{Enabled: true, SilenceThresholdMs: 500, MinSpeechMs: 250, Threshold: 0.5, RingBufferFrames: 5, SpeechRatio: 0.4}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Type != TypeSessionStart || got.SessionID != "sess-1" || got.CallID != "call-1" {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Audio == nil || got.Audio.SampleRate != 8000 {
		t.Errorf("audio config did not survive round trip: %+v", got.Audio)
	}
	if got.VAD == nil || got.VAD.SpeechRatio != 0.4 {
		t.Errorf("vad config did not survive round trip: %+v", got.VAD)
	}
	if !got.Timestamp.Equal(msg.Timestamp.Time) {
		t.Errorf("timestamp changed: got %v, want %v", got.Timestamp, msg.Timestamp)
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp{time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)}
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `"2025-03-14T09:26:53.589Z"`
	if string(data) != want {
		t.Errorf("timestamp = %s, want %s", data, want)
	}

	var back Timestamp
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Errorf("round trip changed value: got %v, want %v", back, ts)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"session.bogus","timestamp":"2025-03-14T09:26:53.589Z"}`))
	detail, ok := err.(*ErrorDetail)
	if !ok {
		t.Fatalf("expected *ErrorDetail, got %T: %v", err, err)
	}
	if detail.Code != CodeUnknownType {
		t.Errorf("code = %d, want %d", detail.Code, CodeUnknownType)
	}
	if detail.Category != CategoryProtocol {
		t.Errorf("category = %q, want %q", detail.Category, CategoryProtocol)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"type":`))
	detail, ok := err.(*ErrorDetail)
	if !ok {
		t.Fatalf("expected *ErrorDetail, got %T: %v", err, err)
	}
	if detail.Code != CodeInvalidJSON {
		t.Errorf("code = %d, want %d", detail.Code, CodeInvalidJSON)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		wantCode int
	}{
		{
			name:     "session scoped without session_id",
			msg:      New(TypeSpeechStart),
			wantCode: CodeMissingField,
		},
		{
			name: "session.update with audio",
			msg: func() Message {
				m := NewForSession(TypeSessionUpdate, "s")
				m.Audio = &AudioConfig{SampleRate: 16000}
				m.VAD = &VADConfig{Enabled: true}
				return m
			}(),
			wantCode: CodeAudioImmutable,
		},
		{
			name:     "session.update without vad",
			msg:      NewForSession(TypeSessionUpdate, "s"),
			wantCode: CodeMissingField,
		},
		{
			name:     "protocol.error without detail",
			msg:      New(TypeProtocolError),
			wantCode: CodeMissingField,
		},
		{
			name: "call.action with bad action",
			msg: func() Message {
				m := NewForSession(TypeCallAction, "s")
				m.Action = "reboot"
				return m
			}(),
			wantCode: CodeMissingField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			detail, ok := err.(*ErrorDetail)
			if !ok {
				t.Fatalf("expected *ErrorDetail, got %T: %v", err, err)
			}
			if detail.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", detail.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	hangup := NewForSession(TypeCallAction, "s")
	hangup.Action = ActionHangup
	transfer := NewForSession(TypeCallAction, "s")
	transfer.Action = ActionTransfer
	transfer.Target = "sip:100"
	utterance := NewForSession(TypeTextUtterance, "s")
	utterance.Text = "hello"
	utterance.Speaker = "caller"

	for _, msg := range []Message{hangup, transfer, utterance} {
		if err := msg.Validate(); err != nil {
			t.Errorf("%s should validate: %v", msg.Type, err)
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := New(Type("nope")).Encode()
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "unknown message type") {
		t.Errorf("unexpected error: %v", err)
	}
}
