package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// Downsample16kTo8k decimates 16 kHz s16le PCM to 8 kHz by keeping every
// second sample. No low-pass filtering is applied; for narrowband speech the
// aliasing is inaudible and the cost of a filter is not worth paying on the
// media path.
func Downsample16kTo8k(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+4 <= len(pcm); i += 4 {
		out = append(out, pcm[i], pcm[i+1])
	}
	return out
}

// Upsample8kTo16k expands 8 kHz s16le PCM to 16 kHz by duplicating each
// sample.
func Upsample8kTo16k(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)*2)
	for i := 0; i+2 <= len(pcm); i += 2 {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}

// Encode compands s16le PCM into the named wire encoding. EncodingPCM is a
// pass-through.
func Encode(encoding string, pcm []byte) ([]byte, error) {
	switch encoding {
	case EncodingPCM:
		return pcm, nil
	case EncodingMulaw:
		return g711.EncodeUlaw(pcm), nil
	case EncodingAlaw:
		return g711.EncodeAlaw(pcm), nil
	default:
		return nil, fmt.Errorf("audio: unknown encoding %q", encoding)
	}
}

// Decode expands the named wire encoding into s16le PCM.
func Decode(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingPCM:
		return data, nil
	case EncodingMulaw:
		return g711.DecodeUlaw(data), nil
	case EncodingAlaw:
		return g711.DecodeAlaw(data), nil
	default:
		return nil, fmt.Errorf("audio: unknown encoding %q", encoding)
	}
}

// RMS returns the root-mean-square amplitude of s16le PCM, normalised to
// [0, 1]. Used by the energy VAD.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+2 <= len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += s * s
	}
	const maxS16 = 32768.0
	return math.Sqrt(sum/float64(n)) / maxS16
}
