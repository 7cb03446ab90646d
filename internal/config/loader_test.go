package config

import (
	"strings"
	"testing"
)

const sampleYAML = `
server:
  ws_host: "127.0.0.1"
  ws_port: 9000
  log_level: debug
  metrics_port: 9100
vad:
  vad_silence_ms: 700
  vad_energy_threshold: 0.6
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-3
    language: en
  llm:
    name: ollama
    model: llama3.2
    system_prompt: "You are a phone agent."
    error_phrase: "Sorry, something went wrong."
  tts:
    name: elevenlabs
    api_key: el-key
    voice: voice123
downstream:
  agent_url: "ws://agent:8575/ws"
  scribe_url: "ws://scribe:8576/ws"
latency_budget_ms: 1200
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.WSPort != 9000 {
		t.Errorf("ws_port = %d, want 9000", cfg.Server.WSPort)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.VAD.SilenceMs != 700 {
		t.Errorf("vad_silence_ms = %d, want 700", cfg.VAD.SilenceMs)
	}
	// Unset fields keep their defaults.
	if cfg.VAD.MinSpeechMs != 250 {
		t.Errorf("vad_min_speech_ms = %d, want default 250", cfg.VAD.MinSpeechMs)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("audio_sample_rate = %d, want default 8000", cfg.Audio.SampleRate)
	}
	if cfg.Providers.STT.Name != "deepgram" || cfg.Providers.STT.Language != "en" {
		t.Errorf("stt entry = %+v", cfg.Providers.STT)
	}
	if cfg.Providers.LLM.SystemPrompt == "" {
		t.Error("llm system_prompt not decoded")
	}
	if cfg.Downstream.AgentURL != "ws://agent:8575/ws" {
		t.Errorf("agent_url = %q", cfg.Downstream.AgentURL)
	}
	if cfg.LatencyBudgetMs != 1200 {
		t.Errorf("latency_budget_ms = %d, want 1200", cfg.LatencyBudgetMs)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_address: \":8080\"\n"))
	if err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestLoadFromReaderEmptyUsesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.WSPort != 8575 {
		t.Errorf("ws_port = %d, want default 8575", cfg.Server.WSPort)
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Audio.SampleRate = 11025
	cfg.VAD.SilenceMs = 50
	cfg.VAD.SpeechRatio = 0.9
	cfg.LatencyBudgetMs = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "audio_sample_rate", "vad_silence_ms", "vad_speech_ratio", "latency_budget_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateAMIRequiresCredentials(t *testing.T) {
	cfg := Default()
	cfg.AMI.Addr = "asterisk:5038"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for AMI address without credentials")
	}
	cfg.AMI.Username = "kestrel"
	cfg.AMI.Secret = "hunter2"
	if err := Validate(cfg); err != nil {
		t.Errorf("credentialed AMI config rejected: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WS_HOST", "10.0.0.5")
	t.Setenv("FORK_BUFFER_MS", "2000")
	t.Setenv("VAD_ENERGY_THRESHOLD", "0.35")
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "5")
	t.Setenv("LATENCY_BUDGET_MS", "1800")
	t.Setenv("LLM_PROVIDER", "anthropic")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Server.WSHost != "10.0.0.5" {
		t.Errorf("WS_HOST override lost: %q", cfg.Server.WSHost)
	}
	if cfg.Fork.BufferMs != 2000 {
		t.Errorf("FORK_BUFFER_MS override lost: %d", cfg.Fork.BufferMs)
	}
	if cfg.VAD.EnergyThreshold != 0.35 {
		t.Errorf("VAD_ENERGY_THRESHOLD override lost: %f", cfg.VAD.EnergyThreshold)
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("CIRCUIT_FAILURE_THRESHOLD override lost: %d", cfg.Circuit.FailureThreshold)
	}
	if cfg.LatencyBudgetMs != 1800 {
		t.Errorf("LATENCY_BUDGET_MS override lost: %d", cfg.LatencyBudgetMs)
	}
	if cfg.Providers.LLM.Name != "anthropic" {
		t.Errorf("LLM_PROVIDER override lost: %q", cfg.Providers.LLM.Name)
	}
}

func TestApplyEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("WS_PORT", "not-a-port")
	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Server.WSPort != 8575 {
		t.Errorf("malformed WS_PORT should leave default, got %d", cfg.Server.WSPort)
	}
}
