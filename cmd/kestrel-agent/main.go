// Command kestrel-agent runs the conversational AI service: an audio
// streaming protocol server that turns caller utterances into spoken
// replies through the STT, LLM, and TTS providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelvoice/kestrel/internal/agent"
	"github.com/kestrelvoice/kestrel/internal/app"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/pipeline"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel-agent: %v\n", err)
		return 1
	}

	logger, logLevel := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kestrel-agent starting",
		"config", *configPath,
		"ws_port", cfg.Server.WSPort,
		"log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "kestrel-agent"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := app.BuildProviders(cfg, app.NewRegistry())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		slog.Error("the agent needs stt, llm, and tts providers configured")
		return 1
	}
	if err := providers.Connect(ctx); err != nil {
		slog.Error("provider connect failed", "err", err)
		return 1
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Disconnect(disconnectCtx); err != nil {
			slog.Warn("provider disconnect error", "err", err)
		}
	}()

	agentOpts := []agent.Option{agent.WithLogger(logger)}
	if cfg.Providers.LLM.TimeoutS > 0 {
		agentOpts = append(agentOpts, agent.WithPipelineOptions(
			pipeline.WithSentenceTimeout(time.Duration(cfg.Providers.LLM.TimeoutS)*time.Second)))
	}
	svc := agent.New(buildAgentConfig(cfg, providers), agentOpts...)

	// Hot-reloadable settings apply without a restart; everything else
	// needs one and is only logged.
	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config, changes config.ChangeSet) {
		if changes.LogLevelChanged {
			logLevel.Set(app.SlogLevel(changes.NewLogLevel))
			slog.Info("log level changed", "level", changes.NewLogLevel)
		}
		if changes.PromptChanged {
			svc.SetPrompts(agent.Prompts{
				System:        newCfg.Providers.LLM.SystemPrompt,
				ErrorPhrase:   newCfg.Providers.LLM.ErrorPhrase,
				EndCallPhrase: newCfg.Providers.LLM.EndCallPhrase,
			})
			slog.Info("conversation prompts reloaded")
		}
		if changes.BudgetChanged {
			svc.SetLatencyBudget(time.Duration(changes.NewBudgetMs) * time.Millisecond)
			slog.Info("latency budget changed", "budget_ms", changes.NewBudgetMs)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", svc.Handler())
	wsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.WSHost, cfg.Server.WSPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("websocket listener started", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return wsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.ServeMetrics(gctx, cfg.Server.MetricsPort, providers.HealthCheckers()...)
	})

	slog.Info("kestrel-agent ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func buildAgentConfig(cfg *config.Config, providers *app.Providers) agent.Config {
	return agent.Config{
		STT: providers.STT,
		STTConfig: stt.Config{
			Language: cfg.Providers.STT.Language,
			Model:    cfg.Providers.STT.Model,
		},
		LLM: providers.LLM,
		TTS: providers.TTS,
		Voice: tts.Voice{
			ID:    cfg.Providers.TTS.Voice,
			Speed: cfg.Providers.TTS.Speed,
		},
		VAD:           providers.VAD,
		SystemPrompt:  cfg.Providers.LLM.SystemPrompt,
		ErrorPhrase:   cfg.Providers.LLM.ErrorPhrase,
		EndCallPhrase: cfg.Providers.LLM.EndCallPhrase,
		Temperature:   cfg.Providers.LLM.Temperature,
		MaxTokens:     cfg.Providers.LLM.MaxTokens,
		LatencyBudget: cfg.LatencyBudget(),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.Circuit.RecoveryTimeoutS) * time.Second,
			HalfOpenMaxCalls: cfg.Circuit.HalfOpenMaxCalls,
		},
		STTName: cfg.Providers.STT.Name,
		LLMName: cfg.Providers.LLM.Name,
		TTSName: cfg.Providers.TTS.Name,
	}
}
