package energy

import (
	"encoding/binary"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:      8000,
		FrameDurationMs: 20,
		Threshold:       0.1,
		RingFrames:      5,
		SpeechRatio:     0.4,
	}
}

func loudFrame() []byte {
	frame := make([]byte, 320)
	for i := 0; i+2 <= len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(16000)))
	}
	return frame
}

func silentFrame() []byte {
	return make([]byte, 320)
}

func TestNewSessionValidation(t *testing.T) {
	e := New()
	bad := []vad.Config{
		{SampleRate: 0, FrameDurationMs: 20, Threshold: 0.5},
		{SampleRate: 8000, FrameDurationMs: 0, Threshold: 0.5},
		{SampleRate: 8000, FrameDurationMs: 20, Threshold: 1.5},
	}
	for i, cfg := range bad {
		if _, err := e.NewSession(cfg); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
	if _, err := e.NewSession(testConfig()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestProcessFrameWrongSize(t *testing.T) {
	e := New()
	s, _ := e.NewSession(testConfig())
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestSmoothingRequiresSpeechRatio(t *testing.T) {
	e := New()
	s, _ := e.NewSession(testConfig())

	// First loud frame: ring holds 1/1 speech, ratio 1.0 ≥ 0.4.
	evt, err := s.ProcessFrame(loudFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if !evt.Speech {
		t.Error("single loud frame should read as speech")
	}
	if evt.Score <= 0.1 {
		t.Errorf("score = %f, want > threshold", evt.Score)
	}

	// Four silent frames dilute the ring to 1/5 < 0.4.
	for range 4 {
		evt, _ = s.ProcessFrame(silentFrame())
	}
	if evt.Speech {
		t.Error("diluted ring should read as silence")
	}

	// Two loud frames bring the ratio back to 2/5 ≥ 0.4.
	s.ProcessFrame(loudFrame())
	evt, _ = s.ProcessFrame(loudFrame())
	if !evt.Speech {
		t.Error("2 of 5 recent frames loud should read as speech")
	}
}

func TestResetClearsRing(t *testing.T) {
	e := New()
	s, _ := e.NewSession(testConfig())
	for range 5 {
		s.ProcessFrame(loudFrame())
	}
	s.Reset()
	evt, err := s.ProcessFrame(silentFrame())
	if err != nil {
		t.Fatalf("ProcessFrame after reset: %v", err)
	}
	if evt.Speech {
		t.Error("stale speech decisions survived Reset")
	}
}

func TestClosedSessionRejectsFrames(t *testing.T) {
	e := New()
	s, _ := e.NewSession(testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(silentFrame()); err == nil {
		t.Error("expected error after Close")
	}
}
