package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
	"vad": {"energy", "external"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. Defaults fill any field the
// file leaves unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the closed set of recognised environment variables onto
// cfg. Unset and malformed values leave the existing field untouched;
// malformed values additionally log a warning.
func ApplyEnv(cfg *Config) {
	envString("WS_HOST", &cfg.Server.WSHost)
	envInt("WS_PORT", &cfg.Server.WSPort)
	envInt("WS_PING_INTERVAL_S", &cfg.Server.PingIntervalS)
	envInt("WS_PING_TIMEOUT_S", &cfg.Server.PingTimeoutS)
	envInt64("WS_MAX_MSG_BYTES", &cfg.Server.MaxMsgBytes)
	envInt("METRICS_PORT", &cfg.Server.MetricsPort)

	envInt("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	envInt("AUDIO_FRAME_MS", &cfg.Audio.FrameMs)
	envInt("AUDIO_CHANNELS", &cfg.Audio.Channels)
	envInt("AUDIO_SAMPLE_WIDTH", &cfg.Audio.SampleWidth)

	envInt("VAD_SILENCE_MS", &cfg.VAD.SilenceMs)
	envInt("VAD_MIN_SPEECH_MS", &cfg.VAD.MinSpeechMs)
	envFloat("VAD_ENERGY_THRESHOLD", &cfg.VAD.EnergyThreshold)
	envInt("VAD_RING_BUFFER", &cfg.VAD.RingBuffer)
	envFloat("VAD_SPEECH_RATIO", &cfg.VAD.SpeechRatio)

	envString("STT_PROVIDER", &cfg.Providers.STT.Name)
	envString("STT_MODEL", &cfg.Providers.STT.Model)
	envString("STT_LANGUAGE", &cfg.Providers.STT.Language)
	envString("STT_API_KEY", &cfg.Providers.STT.APIKey)

	envString("LLM_PROVIDER", &cfg.Providers.LLM.Name)
	envString("LLM_MODEL", &cfg.Providers.LLM.Model)
	envInt("LLM_MAX_TOKENS", &cfg.Providers.LLM.MaxTokens)
	envFloat("LLM_TEMPERATURE", &cfg.Providers.LLM.Temperature)
	envInt("LLM_TIMEOUT_S", &cfg.Providers.LLM.TimeoutS)
	envString("LLM_API_KEY", &cfg.Providers.LLM.APIKey)

	envString("TTS_PROVIDER", &cfg.Providers.TTS.Name)
	envString("TTS_VOICE", &cfg.Providers.TTS.Voice)
	envFloat("TTS_SPEED", &cfg.Providers.TTS.Speed)
	envString("TTS_API_KEY", &cfg.Providers.TTS.APIKey)

	envInt("FORK_BUFFER_MS", &cfg.Fork.BufferMs)
	envInt("FORK_POLL_MS", &cfg.Fork.PollMs)
	envInt("FORK_LAG_WARN_MS", &cfg.Fork.LagWarnMs)
	envFloat("FORK_RECONNECT_INITIAL_S", &cfg.Fork.ReconnectInitialS)
	envFloat("FORK_RECONNECT_MAX_S", &cfg.Fork.ReconnectMaxS)
	envFloat("FORK_RECONNECT_MULTIPLIER_S", &cfg.Fork.ReconnectMultiplier)

	envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	envInt("CIRCUIT_RECOVERY_TIMEOUT_S", &cfg.Circuit.RecoveryTimeoutS)
	envInt("CIRCUIT_HALF_OPEN_MAX_CALLS", &cfg.Circuit.HalfOpenMaxCalls)

	envInt("LATENCY_BUDGET_MS", &cfg.LatencyBudgetMs)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSPort < 0 || cfg.Server.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("server.ws_port %d is out of range [0, 65535]", cfg.Server.WSPort))
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d is out of range [0, 65535]", cfg.Server.MetricsPort))
	}

	switch cfg.Audio.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.audio_sample_rate %d is unsupported; valid values: 8000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}
	switch cfg.Audio.FrameMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("audio.audio_frame_ms %d is unsupported; valid values: 10, 20, 30", cfg.Audio.FrameMs))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.audio_channels %d is unsupported; telephony audio is mono", cfg.Audio.Channels))
	}
	if cfg.Audio.SampleWidth != 2 {
		errs = append(errs, fmt.Errorf("audio.audio_sample_width %d is unsupported; only s16le is carried", cfg.Audio.SampleWidth))
	}

	if cfg.VAD.SilenceMs < 100 || cfg.VAD.SilenceMs > 2000 {
		errs = append(errs, fmt.Errorf("vad.vad_silence_ms %d is out of range [100, 2000]", cfg.VAD.SilenceMs))
	}
	if cfg.VAD.MinSpeechMs < 100 || cfg.VAD.MinSpeechMs > 1000 {
		errs = append(errs, fmt.Errorf("vad.vad_min_speech_ms %d is out of range [100, 1000]", cfg.VAD.MinSpeechMs))
	}
	if cfg.VAD.EnergyThreshold < 0 || cfg.VAD.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.vad_energy_threshold %.2f is out of range [0.0, 1.0]", cfg.VAD.EnergyThreshold))
	}
	if cfg.VAD.RingBuffer < 3 || cfg.VAD.RingBuffer > 10 {
		errs = append(errs, fmt.Errorf("vad.vad_ring_buffer %d is out of range [3, 10]", cfg.VAD.RingBuffer))
	}
	if cfg.VAD.SpeechRatio < 0.2 || cfg.VAD.SpeechRatio > 0.8 {
		errs = append(errs, fmt.Errorf("vad.vad_speech_ratio %.2f is out of range [0.2, 0.8]", cfg.VAD.SpeechRatio))
	}
	if cfg.VAD.PrefixPaddingMs < 0 || cfg.VAD.PrefixPaddingMs > 500 {
		errs = append(errs, fmt.Errorf("vad.vad_prefix_padding_ms %d is out of range [0, 500]", cfg.VAD.PrefixPaddingMs))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Fork.BufferMs <= 0 {
		errs = append(errs, fmt.Errorf("fork.fork_buffer_ms must be positive, got %d", cfg.Fork.BufferMs))
	}
	if cfg.Fork.PollMs <= 0 {
		errs = append(errs, fmt.Errorf("fork.fork_poll_ms must be positive, got %d", cfg.Fork.PollMs))
	}
	if cfg.Circuit.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("circuit.circuit_failure_threshold must be positive, got %d", cfg.Circuit.FailureThreshold))
	}
	if cfg.Circuit.HalfOpenMaxCalls <= 0 {
		errs = append(errs, fmt.Errorf("circuit.circuit_half_open_max_calls must be positive, got %d", cfg.Circuit.HalfOpenMaxCalls))
	}
	if cfg.LatencyBudgetMs <= 0 {
		errs = append(errs, fmt.Errorf("latency_budget_ms must be positive, got %d", cfg.LatencyBudgetMs))
	}

	if cfg.AMI.Addr != "" {
		if cfg.AMI.Username == "" || cfg.AMI.Secret == "" {
			errs = append(errs, errors.New("ami.username and ami.secret are required when ami.addr is set"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// ---- env helpers ----

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func envInt64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "key", key, "value", v)
		return
	}
	*dst = f
}
