package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDownsample16kTo8k(t *testing.T) {
	in := pcmFromSamples([]int16{1, 2, 3, 4, 5, 6})
	got := Downsample16kTo8k(in)
	want := pcmFromSamples([]int16{1, 3, 5})
	if !bytes.Equal(got, want) {
		t.Errorf("Downsample16kTo8k = %v, want %v", got, want)
	}
}

func TestUpsample8kTo16k(t *testing.T) {
	in := pcmFromSamples([]int16{7, -3})
	got := Upsample8kTo16k(in)
	want := pcmFromSamples([]int16{7, 7, -3, -3})
	if !bytes.Equal(got, want) {
		t.Errorf("Upsample8kTo16k = %v, want %v", got, want)
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	in := make([]byte, 640) // 20 ms at 16 kHz
	down := Downsample16kTo8k(in)
	if len(down) != 320 {
		t.Fatalf("downsampled length = %d, want 320", len(down))
	}
	up := Upsample8kTo16k(down)
	if len(up) != 640 {
		t.Fatalf("upsampled length = %d, want 640", len(up))
	}
}

func TestEncodeDecodePassthrough(t *testing.T) {
	in := pcmFromSamples([]int16{100, -200, 300})
	out, err := Encode(EncodingPCM, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Error("pcm_s16le Encode should be a pass-through")
	}
	dec, err := Decode(EncodingPCM, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(dec, in) {
		t.Error("pcm_s16le Decode should be a pass-through")
	}
}

func TestEncodeMulawHalvesSize(t *testing.T) {
	in := make([]byte, 320)
	out, err := Encode(EncodingMulaw, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != 160 {
		t.Errorf("mulaw length = %d, want 160", len(out))
	}
	dec, err := Decode(EncodingMulaw, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dec) != 320 {
		t.Errorf("decoded length = %d, want 320", len(dec))
	}
}

func TestEncodeUnknownEncoding(t *testing.T) {
	if _, err := Encode("opus", nil); err == nil {
		t.Error("expected error for unknown encoding")
	}
	if _, err := Decode("opus", nil); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := RMS(make([]byte, 320)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	loud := pcmFromSamples([]int16{16384, -16384, 16384, -16384})
	if got := RMS(loud); got < 0.45 || got > 0.55 {
		t.Errorf("RMS(half-scale square) = %f, want ≈0.5", got)
	}
}

func TestComfortNoiseIsQuiet(t *testing.T) {
	frame := ComfortNoise(320)
	if len(frame) != 320 {
		t.Fatalf("frame length = %d, want 320", len(frame))
	}
	for i := 0; i+2 <= len(frame); i += 2 {
		s := int16(binary.LittleEndian.Uint16(frame[i:]))
		if s > comfortNoiseAmplitude || s < -comfortNoiseAmplitude {
			t.Fatalf("sample %d out of range: %d", i/2, s)
		}
	}
}

func TestFormatMath(t *testing.T) {
	f := DefaultFormat()
	if got := f.BytesPerFrame(); got != 320 {
		t.Errorf("BytesPerFrame = %d, want 320", got)
	}
	if got := f.BytesPerSecond(); got != 16000 {
		t.Errorf("BytesPerSecond = %d, want 16000", got)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("default format should validate: %v", err)
	}
	bad := Format{SampleRate: 44100, Channels: 1, SampleWidth: 2, FrameDurationMs: 20}
	if err := bad.Validate(); err == nil {
		t.Error("44.1 kHz should not validate")
	}
}
