// Package config provides the configuration schema, loader, environment
// overrides, and provider registry for the Kestrel voice bridge services.
package config

import "time"

// LogLevel controls log verbosity for the Kestrel services.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure shared by the media, agent, and
// scribe services. It is typically loaded from a YAML file using [Load] or
// [LoadFromReader], with [ApplyEnv] overrides applied on top.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Fork       ForkConfig       `yaml:"fork"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Downstream DownstreamConfig `yaml:"downstream"`
	AMI        AMIConfig        `yaml:"ami"`

	// LatencyBudgetMs is the per-turn end-to-end target from end of caller
	// speech to first synthesised audio. Default 1500.
	LatencyBudgetMs int `yaml:"latency_budget_ms"`
}

// ServerConfig holds network and logging settings common to all services.
type ServerConfig struct {
	// WSHost is the interface the WebSocket listener binds (e.g., "0.0.0.0").
	WSHost string `yaml:"ws_host"`

	// WSPort is the WebSocket listener port.
	WSPort int `yaml:"ws_port"`

	// PingIntervalS is the WebSocket keepalive ping interval in seconds.
	PingIntervalS int `yaml:"ws_ping_interval_s"`

	// PingTimeoutS is how long to wait for a pong before the connection is
	// considered dead, in seconds.
	PingTimeoutS int `yaml:"ws_ping_timeout_s"`

	// MaxMsgBytes caps the size of a single WebSocket message.
	MaxMsgBytes int64 `yaml:"ws_max_msg_bytes"`

	// MetricsPort serves /metrics, /healthz, and /readyz. Zero disables the
	// listener.
	MetricsPort int `yaml:"metrics_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig fixes the media-path audio format.
type AudioConfig struct {
	// SampleRate in Hz. Default 8000 on the telephony side.
	SampleRate int `yaml:"audio_sample_rate"`

	// FrameMs is the frame duration in milliseconds. Default 20.
	FrameMs int `yaml:"audio_frame_ms"`

	// Channels is the channel count; always 1 for telephony audio.
	Channels int `yaml:"audio_channels"`

	// SampleWidth is the number of bytes per sample (2 for s16le).
	SampleWidth int `yaml:"audio_sample_width"`
}

// VADConfig tunes server-side voice activity detection.
type VADConfig struct {
	// SilenceMs is how much continuous silence closes an utterance.
	SilenceMs int `yaml:"vad_silence_ms"`

	// MinSpeechMs is the minimum speech duration an utterance needs.
	MinSpeechMs int `yaml:"vad_min_speech_ms"`

	// EnergyThreshold is the normalised RMS score above which a frame
	// counts as speech, in [0.0, 1.0].
	EnergyThreshold float64 `yaml:"vad_energy_threshold"`

	// RingBuffer is the number of recent frame decisions kept for smoothing.
	RingBuffer int `yaml:"vad_ring_buffer"`

	// SpeechRatio is the fraction of the ring that must be speech for the
	// smoothed decision to flip.
	SpeechRatio float64 `yaml:"vad_speech_ratio"`

	// PrefixPaddingMs is how much pre-onset audio is kept per utterance.
	PrefixPaddingMs int `yaml:"vad_prefix_padding_ms"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT STTEntry `yaml:"stt"`
	LLM LLMEntry `yaml:"llm"`
	TTS TTSEntry `yaml:"tts"`
	VAD VADEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "deepgram", "openai", "elevenlabs", "energy").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "nova-3", "gpt-4o-mini", "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// STTEntry configures the speech-to-text stage.
type STTEntry struct {
	ProviderEntry `yaml:",inline"`

	// Language is the BCP-47 recognition language (e.g., "en", "de-DE").
	Language string `yaml:"language"`
}

// LLMEntry configures the language-model stage.
type LLMEntry struct {
	ProviderEntry `yaml:",inline"`

	// SystemPrompt is the agent persona injected before the history.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64 `yaml:"temperature"`

	// TimeoutS bounds a single generation, in seconds.
	TimeoutS int `yaml:"timeout_s"`

	// ErrorPhrase is spoken when generation fails for a turn.
	ErrorPhrase string `yaml:"error_phrase"`

	// EndCallPhrase hangs up the call when the model's reply contains it.
	EndCallPhrase string `yaml:"end_call_phrase"`
}

// TTSEntry configures the text-to-speech stage.
type TTSEntry struct {
	ProviderEntry `yaml:",inline"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// Speed scales speaking rate; 1.0 is natural pace.
	Speed float64 `yaml:"speed"`
}

// VADEntry selects the VAD engine.
type VADEntry struct {
	ProviderEntry `yaml:",inline"`
}

// ForkConfig tunes the media fork path.
type ForkConfig struct {
	// BufferMs is the ring capacity per session in milliseconds of audio.
	BufferMs int `yaml:"fork_buffer_ms"`

	// PollMs is the consumer sleep when the ring is empty.
	PollMs int `yaml:"fork_poll_ms"`

	// LagWarnMs is the frame age above which a lag warning is logged.
	LagWarnMs int `yaml:"fork_lag_warn_ms"`

	// ReconnectInitialS, ReconnectMaxS, and ReconnectMultiplier shape the
	// backoff applied while the primary downstream is unavailable.
	ReconnectInitialS   float64 `yaml:"fork_reconnect_initial_s"`
	ReconnectMaxS       float64 `yaml:"fork_reconnect_max_s"`
	ReconnectMultiplier float64 `yaml:"fork_reconnect_multiplier_s"`
}

// CircuitConfig tunes the provider circuit breakers.
type CircuitConfig struct {
	// FailureThreshold is the count of consecutive failures that opens the
	// breaker.
	FailureThreshold int `yaml:"circuit_failure_threshold"`

	// RecoveryTimeoutS is how long the breaker stays open before probing.
	RecoveryTimeoutS int `yaml:"circuit_recovery_timeout_s"`

	// HalfOpenMaxCalls caps concurrent probes while half-open.
	HalfOpenMaxCalls int `yaml:"circuit_half_open_max_calls"`
}

// DownstreamConfig points the media service at its AI endpoints.
type DownstreamConfig struct {
	// AgentURL is the conversational service WebSocket endpoint
	// (e.g., "ws://agent:8575/ws"). The primary fork destination.
	AgentURL string `yaml:"agent_url"`

	// ScribeURL is the transcription service WebSocket endpoint. Optional;
	// the secondary fork destination.
	ScribeURL string `yaml:"scribe_url"`
}

// AMIConfig connects the media service to the Asterisk Manager Interface for
// call redirection.
type AMIConfig struct {
	// Addr is the AMI TCP address (e.g., "asterisk:5038").
	Addr string `yaml:"addr"`

	// Username and Secret authenticate the Login action.
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	// Context, Exten, and Priority name the dialplan target used when a
	// session requests a transfer.
	Context  string `yaml:"context"`
	Exten    string `yaml:"exten"`
	Priority int    `yaml:"priority"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSHost:        "0.0.0.0",
			WSPort:        8575,
			PingIntervalS: 20,
			PingTimeoutS:  10,
			MaxMsgBytes:   1 << 20,
			MetricsPort:   9090,
			LogLevel:      LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:  8000,
			FrameMs:     20,
			Channels:    1,
			SampleWidth: 2,
		},
		VAD: VADConfig{
			SilenceMs:       500,
			MinSpeechMs:     250,
			EnergyThreshold: 0.5,
			RingBuffer:      5,
			SpeechRatio:     0.4,
		},
		Fork: ForkConfig{
			BufferMs:            1000,
			PollMs:              10,
			LagWarnMs:           100,
			ReconnectInitialS:   0.1,
			ReconnectMaxS:       5,
			ReconnectMultiplier: 2,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			RecoveryTimeoutS: 30,
			HalfOpenMaxCalls: 1,
		},
		LatencyBudgetMs: 1500,
	}
}

// LatencyBudget returns the configured budget as a duration.
func (c *Config) LatencyBudget() time.Duration {
	return time.Duration(c.LatencyBudgetMs) * time.Millisecond
}
