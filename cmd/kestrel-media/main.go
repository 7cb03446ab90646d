// Command kestrel-media runs the media-side bridge: it forks live call audio
// to the conversational agent and the transcription service, plays agent
// replies back toward the caller, and redirects channels through the
// Asterisk Manager Interface when a session asks for a hangup or transfer.
//
// The SIP/RTP stack itself lives in the embedding telephony process. It
// hands this service 20 ms PCM capture frames through [media.Bridge] and
// takes playback frames back through a [media.FrameSink]; see the discard
// sink below for the seam.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelvoice/kestrel/internal/ami"
	"github.com/kestrelvoice/kestrel/internal/app"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/fork"
	"github.com/kestrelvoice/kestrel/internal/health"
	"github.com/kestrelvoice/kestrel/internal/media"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel-media: %v\n", err)
		return 1
	}

	logger, logLevel := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kestrel-media starting",
		"config", *configPath,
		"agent_url", cfg.Downstream.AgentURL,
		"scribe_url", cfg.Downstream.ScribeURL,
		"log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "kestrel-media"})
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

	var checkers []health.Checker

	// Channel control is optional; without it call.action requests are
	// logged and dropped by the bridge.
	var ctrl media.ChannelControl
	if cfg.AMI.Addr != "" {
		amiClient := ami.NewClient(ami.Config{
			Addr:     cfg.AMI.Addr,
			Username: cfg.AMI.Username,
			Secret:   cfg.AMI.Secret,
		}, ami.WithLogger(logger))
		if err := amiClient.Connect(ctx); err != nil {
			slog.Error("ami connect failed", "addr", cfg.AMI.Addr, "err", err)
			return 1
		}
		defer amiClient.Close()
		ctrl = amiClient
		checkers = append(checkers, health.Checker{Name: "ami", Check: amiClient.Ping})
		slog.Info("ami connected", "addr", cfg.AMI.Addr)
	} else {
		slog.Warn("no ami configured; call actions will be dropped")
	}

	bridge := media.NewBridge(discardSink{}, ctrl, buildBridgeConfig(cfg), media.WithLogger(logger))
	if err := bridge.Connect(ctx); err != nil {
		slog.Error("downstream connect failed", "err", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bridge.Close(closeCtx)
	}()

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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.ServeMetrics(gctx, cfg.Server.MetricsPort, checkers...)
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("kestrel-media ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func buildBridgeConfig(cfg *config.Config) media.Config {
	format := audio.Format{
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		SampleWidth:     cfg.Audio.SampleWidth,
		FrameDurationMs: cfg.Audio.FrameMs,
	}
	return media.Config{
		AgentURL:  cfg.Downstream.AgentURL,
		ScribeURL: cfg.Downstream.ScribeURL,
		Format:    format,
		Audio: asp.AudioConfig{
			SampleRate:      cfg.Audio.SampleRate,
			Encoding:        "pcm_s16le",
			Channels:        cfg.Audio.Channels,
			FrameDurationMs: cfg.Audio.FrameMs,
		},
		VAD: asp.VADConfig{
			Enabled:            true,
			SilenceThresholdMs: cfg.VAD.SilenceMs,
			MinSpeechMs:        cfg.VAD.MinSpeechMs,
			Threshold:          cfg.VAD.EnergyThreshold,
			RingBufferFrames:   cfg.VAD.RingBuffer,
			SpeechRatio:        cfg.VAD.SpeechRatio,
			PrefixPaddingMs:    cfg.VAD.PrefixPaddingMs,
		},
		Fork: fork.ManagerConfig{
			Format:   format,
			BufferMs: cfg.Fork.BufferMs,
			Consumer: fork.ConsumerConfig{
				PollInterval:   time.Duration(cfg.Fork.PollMs) * time.Millisecond,
				LagWarn:        time.Duration(cfg.Fork.LagWarnMs) * time.Millisecond,
				BackoffInitial: time.Duration(cfg.Fork.ReconnectInitialS * float64(time.Second)),
				BackoffMax:     time.Duration(cfg.Fork.ReconnectMaxS * float64(time.Second)),
			},
		},
		HangupContext:   cfg.AMI.Context,
		HangupExten:     cfg.AMI.Exten,
		TransferContext: cfg.AMI.Context,
	}
}

// discardSink drops playback frames. The embedding telephony stack replaces
// it with an adapter that writes frames onto the channel's RTP stream.
type discardSink struct{}

func (discardSink) WriteFrame(string, []byte) error { return nil }
