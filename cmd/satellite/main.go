package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wyohome/satellite/internal/app"
	"github.com/wyohome/satellite/internal/audio"
	"github.com/wyohome/satellite/internal/config"
	"github.com/wyohome/satellite/internal/satellite"
	"github.com/wyohome/satellite/internal/vad"
	"github.com/wyohome/satellite/internal/wakeword"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	logger.Info("starting satellite",
		"version", version,
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"port", cfg.ServerPort,
		"model", cfg.SelectedModel,
		"threshold", cfg.Threshold,
		"vad_mode", cfg.VADMode,
	)

	classifier, err := wakeword.ParseModelRef(cfg.SelectedModel)
	if err != nil {
		logger.Error("invalid selected_model", "error", err)
		os.Exit(1)
	}

	wakeword.ConfigureRuntime(cfg.OrtLibrary, cfg.BuiltinModelDir)
	store := wakeword.NewStore(cfg.BuiltinModelDir, cfg.UserModelDir)
	models, loaded, err := wakeword.LoadModelSet(store, classifier, logger)
	if err != nil {
		logger.Error("model chain failed to load", "error", err)
		os.Exit(1)
	}
	if loaded != classifier {
		logger.Warn("running with fallback classifier", "classifier", loaded.String())
	}

	pipeline, err := wakeword.NewPipeline(models, logger)
	if err != nil {
		models.Close()
		logger.Error("pipeline construction failed", "error", err)
		os.Exit(1)
	}

	gate, err := vad.New(vad.Config{Mode: cfg.VADMode, RMSThreshold: cfg.RMSSilenceThreshold}, logger)
	if err != nil {
		pipeline.Close()
		logger.Error("vad gate construction failed", "error", err)
		os.Exit(1)
	}

	abort := make(chan struct{})
	capture := audio.NewCapture(logger)
	playback := audio.NewPlayback(logger, abort)
	queue := audio.NewQueue()
	tap := audio.NewTap(cfg.DebugTapSeconds)

	sat := satellite.New(satellite.Config{
		Threshold:        cfg.Threshold,
		StreamingTimeout: time.Duration(cfg.StreamingTimeoutMs) * time.Millisecond,
		Phrase:           loaded.Phrase(),
		DeviceName:       cfg.DeviceName,
		Description:      cfg.DeviceName + " (" + cfg.DeviceID + ")",
	}, pipeline, gate, capture, playback, queue, tap, logger)

	supervisor := app.New(app.Deps{
		Satellite: sat,
		Server:    satellite.NewServer(sat, logger),
		Pipeline:  pipeline,
		Capture:   capture,
		Playback:  playback,
		Queue:     queue,
		Tap:       tap,
		Addr:      fmt.Sprintf(":%d", cfg.ServerPort),
		Abort:     abort,
	}, logger)

	// Drain lifecycle events so the channel never backs up when no UI is
	// attached.
	go func() {
		for e := range supervisor.Events() {
			switch e {
			case app.Started:
				logger.Info("satellite started")
			case app.Stopped:
				logger.Info("satellite stopped")
			}
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- supervisor.Run(ctx) }()

	select {
	case err := <-runDone:
		if err != nil {
			logger.Error("satellite terminated with error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
		select {
		case err := <-runDone:
			if err != nil {
				logger.Error("shutdown finished with error", "error", err)
				os.Exit(1)
			}
		case <-time.After(5 * time.Second):
			logger.Warn("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
