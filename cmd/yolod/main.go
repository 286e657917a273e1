// yolod is the detection streaming daemon: it ingests a video stream,
// runs oriented-box detection on each frame, draws the results and
// republishes the annotated stream. Sessions are driven over the HTTP
// control API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/control"
	"github.com/C6H12O6Mix/yolo/internal/emitter"
	"github.com/C6H12O6Mix/yolo/internal/metrics"
	"github.com/C6H12O6Mix/yolo/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults apply when empty)")
	listen := flag.String("listen", "", "control API listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level override: debug, info, warn, error")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting yolod",
		"listen", cfg.ListenAddr,
		"source_backend", cfg.Source.Backend,
		"engine_backend", cfg.Engine.Backend)

	coord := pipeline.New(cfg, logger)

	if cfg.MQTT.Enabled {
		em := emitter.NewMQTT(cfg.MQTT, logger)
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := em.Connect(connectCtx); err != nil {
			// The paho client keeps retrying in the background, so a
			// broker that is down at boot is not fatal.
			logger.Warn("mqtt broker unreachable, events deferred", "error", err)
		}
		cancel()
		defer em.Disconnect()
		coord.SetEmitter(em)
	}

	srv := control.New(cfg.ListenAddr, coord, metrics.NewRegistry(coord), logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil {
			logger.Error("control server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace()+5*time.Second)
	defer cancel()

	if err := coord.Stop(shutdownCtx); err != nil && err != pipeline.ErrSessionNotActive {
		logger.Error("session stop failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("yolod stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
