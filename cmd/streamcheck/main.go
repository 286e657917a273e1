// streamcheck drives one detection session against live endpoints and
// prints periodic status lines. It is a manual soak tool: point it at a
// real input and output stream, let it run, and watch for drops,
// reconnects and latency drift.
//
// Usage:
//
//	streamcheck -in rtsp://cam/stream -out rtmp://host/live/out -weights yolov8n-obb.onnx -duration 5m
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/pipeline"
)

func main() {
	in := flag.String("in", "", "input stream URL (required)")
	out := flag.String("out", "", "output stream URL (required)")
	weights := flag.String("weights", "", "model weights path (required)")
	duration := flag.Duration("duration", 0, "how long to run (0 = until interrupted)")
	interval := flag.Duration("interval", 5*time.Second, "status print interval")
	fps := flag.Int("fps", 0, "target FPS (0 = default)")
	width := flag.Int("width", 0, "frame width (0 = default)")
	height := flag.Int("height", 0, "frame height (0 = default)")
	backend := flag.String("backend", "", "source backend override (opencv or gstreamer)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *in == "" || *out == "" || *weights == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *backend != "" {
		cfg.Source.Backend = *backend
	}

	coord := pipeline.New(cfg, logger)

	sess := config.SessionConfig{
		InputURL:    *in,
		OutputURL:   *out,
		WeightsPath: *weights,
		FPS:         *fps,
		Width:       *width,
		Height:      *height,
	}

	fmt.Printf("starting session: %s -> %s (weights %s)\n", *in, *out, *weights)
	if err := coord.Start(context.Background(), sess); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	failed := false

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			snap := coord.Status()
			printStatus(snap)

			switch coord.Phase() {
			case pipeline.PhaseFailed:
				failed = true
				break loop
			case pipeline.PhaseStopped:
				break loop
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopGrace()+time.Second)
	defer stopCancel()
	if err := coord.Stop(stopCtx); err != nil && err != pipeline.ErrSessionNotActive {
		fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
	}

	final := coord.Status()
	fmt.Println("--- final ---")
	printStatus(final)

	if failed {
		fmt.Fprintf(os.Stderr, "session failed: %s\n", final.LastError)
		os.Exit(1)
	}
}

func printStatus(s pipeline.Snapshot) {
	fmt.Printf("[%6.0fs] phase=%s src=%s fps=%.1f sourced=%d processed=%d published=%d dropped=%d reconnects=%d reopens=%d infer=%.1fms e2e=%.1fms\n",
		s.UptimeS, s.Phase, s.SourceState, s.SourceFPS,
		s.FramesSourced, s.FramesProcessed, s.FramesPublished, s.FramesDropped,
		s.SourceReconnects, s.SinkReopens, s.InferenceMS, s.EndToEndMS)
}
