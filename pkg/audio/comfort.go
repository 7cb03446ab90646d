package audio

import (
	"encoding/binary"
	"math/rand/v2"
)

// comfortNoiseAmplitude is the peak sample value of generated comfort noise,
// −60 dBFS relative to full scale: 32767 · 10^(−60/20) ≈ 33.
const comfortNoiseAmplitude = 33

// ComfortNoise fills a frame of n bytes with −60 dBFS white noise. The
// playback source emits these frames while a response is pending so the
// caller does not hear dead air and assume the call dropped.
func ComfortNoise(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+2 <= n; i += 2 {
		s := int16(rand.IntN(2*comfortNoiseAmplitude+1) - comfortNoiseAmplitude)
		binary.LittleEndian.PutUint16(out[i:], uint16(s))
	}
	return out
}

// Silence returns a frame of n zero bytes.
func Silence(n int) []byte {
	return make([]byte, n)
}
