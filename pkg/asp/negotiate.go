package asp

import "fmt"

// VAD parameter bounds applied during negotiation. Numeric requests outside
// a bound are clamped, never rejected.
const (
	MinSilenceThresholdMs = 100
	MaxSilenceThresholdMs = 2000
	MinMinSpeechMs        = 100
	MaxMinSpeechMs        = 1000
	MinRingBufferFrames   = 3
	MaxRingBufferFrames   = 10
	MinSpeechRatio        = 0.2
	MaxSpeechRatio        = 0.8
	MinPrefixPaddingMs    = 0
	MaxPrefixPaddingMs    = 500
)

// preferredFrameDurationMs is picked when a requested frame duration is
// unsupported and the server advertises it.
const preferredFrameDurationMs = 20

// NegotiationResult is the server-side outcome of matching a session.start
// request against the server's capabilities.
type NegotiationResult struct {
	Status      Status
	Audio       AudioConfig
	VAD         VADConfig
	Adjustments []Adjustment
	Errors      []ErrorDetail
}

// Negotiated converts an accepted result into the wire payload for
// session.started.
func (r NegotiationResult) Negotiated() *Negotiated {
	return &Negotiated{Audio: r.Audio, VAD: r.VAD, Adjustments: r.Adjustments}
}

// Negotiate matches a requested audio and VAD configuration against the
// server's capabilities. The server is the source of truth: unsupported
// audio values are replaced with the closest supported ones and out-of-range
// VAD values are clamped, each change recorded as an [Adjustment]. Only a
// mandatory field with no usable fallback rejects the session.
func Negotiate(caps Capabilities, audio AudioConfig, vad VADConfig) NegotiationResult {
	var res NegotiationResult
	res.Audio = audio
	res.VAD = vad

	adjust := func(field string, requested, applied any, reason string) {
		res.Adjustments = append(res.Adjustments, Adjustment{
			Field: field, Requested: requested, Applied: applied, Reason: reason,
		})
	}
	reject := func(field, msg string) {
		res.Errors = append(res.Errors, ErrorDetail{
			Code:     CodeNegotiationFail,
			Category: CategoryAudio,
			Message:  msg,
			Details:  map[string]any{"field": field},
		})
	}

	// Sample rate: numerically closest supported value.
	if len(caps.SupportedSampleRates) == 0 {
		reject("sample_rate", "server advertises no sample rates")
	} else if !containsInt(caps.SupportedSampleRates, audio.SampleRate) {
		closest := closestInt(caps.SupportedSampleRates, audio.SampleRate)
		res.Audio.SampleRate = closest
		adjust("sample_rate", audio.SampleRate, closest, "unsupported sample rate, using closest")
	}

	// Encoding: first advertised when unsupported.
	if len(caps.SupportedEncodings) == 0 {
		reject("encoding", "server advertises no encodings")
	} else if !containsString(caps.SupportedEncodings, audio.Encoding) {
		applied := caps.SupportedEncodings[0]
		res.Audio.Encoding = applied
		adjust("encoding", audio.Encoding, applied, "unsupported encoding, using first advertised")
	}

	// Frame duration: prefer 20 ms, else first advertised.
	if len(caps.SupportedFrameDurations) == 0 {
		reject("frame_duration_ms", "server advertises no frame durations")
	} else if !containsInt(caps.SupportedFrameDurations, audio.FrameDurationMs) {
		applied := caps.SupportedFrameDurations[0]
		if containsInt(caps.SupportedFrameDurations, preferredFrameDurationMs) {
			applied = preferredFrameDurationMs
		}
		res.Audio.FrameDurationMs = applied
		adjust("frame_duration_ms", audio.FrameDurationMs, applied, "unsupported frame duration")
	}

	// Channels: always mono.
	if audio.Channels != 1 {
		res.Audio.Channels = 1
		adjust("channels", audio.Channels, 1, "only mono is supported")
	}

	if vad.Enabled && caps.VADConfigurable {
		res.VAD = clampVAD(vad, adjust)
	} else if vad.Enabled && !caps.VADConfigurable {
		// VAD stays enabled with server defaults; requested tuning is ignored
		// wholesale rather than per field.
		adjust("vad", "requested tuning", "server defaults", "vad not configurable on this server")
	}

	if len(res.Errors) > 0 {
		res.Status = StatusRejected
		return res
	}
	if len(res.Adjustments) > 0 {
		res.Status = StatusAcceptedWithChanges
	} else {
		res.Status = StatusAccepted
	}
	return res
}

func clampVAD(vad VADConfig, adjust func(field string, requested, applied any, reason string)) VADConfig {
	out := vad
	if c := clampInt(vad.SilenceThresholdMs, MinSilenceThresholdMs, MaxSilenceThresholdMs); c != vad.SilenceThresholdMs {
		out.SilenceThresholdMs = c
		adjust("vad.silence_threshold_ms", vad.SilenceThresholdMs, c, rangeReason(MinSilenceThresholdMs, MaxSilenceThresholdMs))
	}
	if c := clampInt(vad.MinSpeechMs, MinMinSpeechMs, MaxMinSpeechMs); c != vad.MinSpeechMs {
		out.MinSpeechMs = c
		adjust("vad.min_speech_ms", vad.MinSpeechMs, c, rangeReason(MinMinSpeechMs, MaxMinSpeechMs))
	}
	if c := clampFloat(vad.Threshold, 0, 1); c != vad.Threshold {
		out.Threshold = c
		adjust("vad.threshold", vad.Threshold, c, "clamped to [0, 1]")
	}
	if c := clampInt(vad.RingBufferFrames, MinRingBufferFrames, MaxRingBufferFrames); c != vad.RingBufferFrames {
		out.RingBufferFrames = c
		adjust("vad.ring_buffer_frames", vad.RingBufferFrames, c, rangeReason(MinRingBufferFrames, MaxRingBufferFrames))
	}
	if c := clampFloat(vad.SpeechRatio, MinSpeechRatio, MaxSpeechRatio); c != vad.SpeechRatio {
		out.SpeechRatio = c
		adjust("vad.speech_ratio", vad.SpeechRatio, c, fmt.Sprintf("clamped to [%.1f, %.1f]", MinSpeechRatio, MaxSpeechRatio))
	}
	if c := clampInt(vad.PrefixPaddingMs, MinPrefixPaddingMs, MaxPrefixPaddingMs); c != vad.PrefixPaddingMs {
		out.PrefixPaddingMs = c
		adjust("vad.prefix_padding_ms", vad.PrefixPaddingMs, c, rangeReason(MinPrefixPaddingMs, MaxPrefixPaddingMs))
	}
	return out
}

// NegotiateUpdate clamps a mid-session VAD change. Audio immutability is
// enforced upstream by [Message.Validate].
func NegotiateUpdate(caps Capabilities, vad VADConfig) NegotiationResult {
	var res NegotiationResult
	res.VAD = vad
	adjust := func(field string, requested, applied any, reason string) {
		res.Adjustments = append(res.Adjustments, Adjustment{
			Field: field, Requested: requested, Applied: applied, Reason: reason,
		})
	}
	if caps.VADConfigurable {
		res.VAD = clampVAD(vad, adjust)
	}
	if len(res.Adjustments) > 0 {
		res.Status = StatusAcceptedWithChanges
	} else {
		res.Status = StatusAccepted
	}
	return res
}

func rangeReason(lo, hi int) string {
	return fmt.Sprintf("clamped to [%d, %d]", lo, hi)
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func closestInt(set []int, v int) int {
	best := set[0]
	for _, s := range set[1:] {
		if abs(s-v) < abs(best-v) {
			best = s
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
