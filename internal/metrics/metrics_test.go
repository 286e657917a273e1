package metrics

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/engine"
	"github.com/C6H12O6Mix/yolo/internal/pipeline"
	"github.com/C6H12O6Mix/yolo/internal/sink"
	"github.com/C6H12O6Mix/yolo/internal/source"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockCoordinator(t *testing.T) (*pipeline.Coordinator, config.SessionConfig) {
	t.Helper()

	weights := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(weights, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Overlay = false

	coord := pipeline.New(cfg, testLogger())
	coord.Factories = pipeline.Factories{
		Source: func(sc source.Config) (source.Source, error) {
			return source.NewMock(sc, testLogger()), nil
		},
		Engine: func(config.SessionConfig) (engine.Engine, error) {
			return &engine.Mock{Detections: []types.Detection{}}, nil
		},
		Sink: func(config.SessionConfig) (sink.Sink, error) {
			return sink.NewMock(), nil
		},
	}

	return coord, config.SessionConfig{
		InputURL:    "mock://camera",
		OutputURL:   "rtmp://localhost/live/out",
		WeightsPath: weights,
		FPS:         120,
		Width:       64,
		Height:      48,
	}
}

func gaugeValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRegistryExposesPipelineMetrics(t *testing.T) {
	coord, _ := newMockCoordinator(t)
	reg := NewRegistry(coord)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, name := range []string{
		"yolo_session_phase",
		"yolo_frames_sourced_total",
		"yolo_frames_published_total",
		"yolo_frames_dropped_total",
		"yolo_inference_ms",
		"yolo_queue_publish_depth",
	} {
		gaugeValue(t, families, name)
	}

	if got := gaugeValue(t, families, "yolo_session_phase"); got != 0 {
		t.Errorf("idle phase gauge = %v, want 0", got)
	}
}

func TestCountersMonotonicAcrossSessions(t *testing.T) {
	coord, sess := newMockCoordinator(t)
	reg := NewRegistry(coord)
	ctx := context.Background()

	run := func(min float64) float64 {
		t.Helper()
		if err := coord.Start(ctx, sess); err != nil {
			t.Fatalf("Start: %v", err)
		}
		deadline := time.Now().Add(3 * time.Second)
		var published float64
		for time.Now().Before(deadline) {
			families, err := reg.Gather()
			if err != nil {
				t.Fatalf("Gather: %v", err)
			}
			published = gaugeValue(t, families, "yolo_frames_published_total")
			if published >= min {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err := coord.Stop(ctx); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		return gaugeValue(t, families, "yolo_frames_published_total")
	}

	first := run(5)
	if first < 5 {
		t.Fatalf("first session published counter = %v, want >= 5", first)
	}

	// A fresh session must not reset the exported counter.
	second := run(first + 5)
	if second < first+5 {
		t.Fatalf("counter after second session = %v, want >= %v (no reset)", second, first+5)
	}
}
