// Package engine runs oriented-bounding-box object detection on frames.
//
// Two backends implement the Engine interface: a gocv DNN backend that
// loads ONNX weights in-process, and a bridge backend that drives an
// external detector process over length-prefixed msgpack. Both feed
// their raw output through the shared Postprocess step, so suppression
// behavior does not depend on which backend produced the boxes.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

// Engine is a loaded detector for one session. The model is read-only
// after Load; Infer may be called from a single goroutine at a time.
type Engine interface {
	// Load prepares the model. It fails with *ModelLoadError when the
	// weights are missing or incompatible.
	Load(ctx context.Context) error

	// Infer returns post-suppression detections for one frame. A
	// malformed frame fails with *InferenceError; the session lives on
	// and the frame is dropped by the caller.
	Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error)

	// Close releases the model and any backing process.
	Close() error
}

// ModelLoadError reports weights that could not be loaded.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("engine: load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a frame the detector could not process. It is
// a per-frame fault, never fatal to the session.
type InferenceError struct {
	Seq uint64
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("engine: infer frame %d: %v", e.Seq, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// New builds the engine selected by cfg.Backend for one session.
func New(cfg config.EngineConfig, sess config.SessionConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Backend {
	case "dnn", "":
		return NewDNN(cfg, sess, log), nil
	case "bridge":
		return NewBridge(cfg, sess, log), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

// validateFrame rejects input the detector cannot consume.
func validateFrame(frame types.Frame) error {
	if frame.Width <= 0 || frame.Height <= 0 {
		return &InferenceError{Seq: frame.Seq, Err: fmt.Errorf("invalid dimensions %dx%d", frame.Width, frame.Height)}
	}
	if len(frame.Data) != frame.Size() {
		return &InferenceError{Seq: frame.Seq, Err: fmt.Errorf("buffer length %d, want %d", len(frame.Data), frame.Size())}
	}
	return nil
}
