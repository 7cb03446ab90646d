// Command kestrel-scribe runs the transcription service: an audio streaming
// protocol server that receives both directions of a forked call and turns
// speech segments into indexed transcripts.
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

	"github.com/kestrelvoice/kestrel/internal/app"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/internal/scribe"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel-scribe: %v\n", err)
		return 1
	}

	logger, logLevel := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kestrel-scribe starting",
		"config", *configPath,
		"ws_port", cfg.Server.WSPort,
		"log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "kestrel-scribe"})
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
	if providers.STT == nil {
		slog.Error("the scribe needs an stt provider configured")
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

	svc := scribe.New(scribe.Config{
		STT: providers.STT,
		STTConfig: stt.Config{
			Language: cfg.Providers.STT.Language,
			Model:    cfg.Providers.STT.Model,
		},
		Indexer: scribe.NewLogIndexer(logger),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.Circuit.RecoveryTimeoutS) * time.Second,
			HalfOpenMaxCalls: cfg.Circuit.HalfOpenMaxCalls,
		},
		STTName: cfg.Providers.STT.Name,
	}, scribe.WithLogger(logger))

	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, changes config.ChangeSet) {
		if changes.LogLevelChanged {
			logLevel.Set(app.SlogLevel(changes.NewLogLevel))
			slog.Info("log level changed", "level", changes.NewLogLevel)
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

	slog.Info("kestrel-scribe ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
