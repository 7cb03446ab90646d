// Package app holds the plumbing shared by the three Kestrel binaries:
// logger construction, the built-in provider registry, provider lifecycle
// management, and the metrics/health listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/health"
	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm/anyllm"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt/deepgram"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts/elevenlabs"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad"
	"github.com/kestrelvoice/kestrel/pkg/provider/vad/energy"
)

// NewLogger builds the process logger. The returned LevelVar lets a config
// reload change verbosity without restarting.
func NewLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(SlogLevel(level))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return logger, lvl
}

// SlogLevel maps the config verbosity names onto slog levels.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Providers bundles the instantiated backends a service runs on. Fields stay
// nil when the config does not name that kind.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// VAD is nil when the config selects "external" endpointing.
	VAD vad.Engine
}

// NewRegistry returns a registry with every built-in provider wired.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()

	// Hosted LLM backends share the pattern: optional APIKey + BaseURL.
	// Ollama is a local server and keys off BaseURL alone, but the same
	// factory covers it.
	for _, name := range []string{
		"openai", "anthropic", "ollama", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		providerName := name
		reg.RegisterLLM(providerName, func(entry config.LLMEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts)
		})
	}

	reg.RegisterSTT("deepgram", func(entry config.STTEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.TTSEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.VADEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
	// "external" means the media side owns endpointing; there is no engine.
	reg.RegisterVAD("external", func(config.VADEntry) (vad.Engine, error) {
		return nil, nil
	})

	return reg
}

// BuildProviders instantiates every provider named in cfg.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}
	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	if name := cfg.Providers.VAD.Name; name != "" {
		engine, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad engine %q: %w", name, err)
		}
		ps.VAD = engine
		slog.Info("vad engine selected", "name", name)
	}

	return ps, nil
}

// each visits the non-nil providers.
func (ps *Providers) each(fn func(kind string, p provider.Lifecycle) error) error {
	var errs []error
	if ps.STT != nil {
		errs = append(errs, fn("stt", ps.STT))
	}
	if ps.LLM != nil {
		errs = append(errs, fn("llm", ps.LLM))
	}
	if ps.TTS != nil {
		errs = append(errs, fn("tts", ps.TTS))
	}
	return errors.Join(errs...)
}

// Connect establishes and warms every provider. Warmup failures are logged
// but not fatal; a cold provider just costs latency on the first turn.
func (ps *Providers) Connect(ctx context.Context) error {
	return ps.each(func(kind string, p provider.Lifecycle) error {
		if err := p.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s provider: %w", kind, err)
		}
		took, err := p.Warmup(ctx)
		if err != nil {
			slog.Warn("provider warmup failed", "kind", kind, "err", err)
			return nil
		}
		if took > 0 {
			slog.Info("provider warmed up", "kind", kind, "took", took)
		}
		return nil
	})
}

// Disconnect releases every provider.
func (ps *Providers) Disconnect(ctx context.Context) error {
	return ps.each(func(kind string, p provider.Lifecycle) error {
		return p.Disconnect(ctx)
	})
}

// HealthCheckers builds readiness checks for every non-nil provider.
func (ps *Providers) HealthCheckers() []health.Checker {
	var checks []health.Checker
	_ = ps.each(func(kind string, p provider.Lifecycle) error {
		checks = append(checks, health.ProviderChecker(kind, p))
		return nil
	})
	return checks
}

// ServeMetrics runs the metrics/health listener until ctx is cancelled. Port
// zero disables the listener and returns immediately.
func ServeMetrics(ctx context.Context, port int, checkers ...health.Checker) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics listener started", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// optString extracts a string from a provider Options map. Returns "" when
// the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
