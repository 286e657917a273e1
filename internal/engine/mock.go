package engine

import (
	"context"
	"math"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// Mock fabricates detections without loading a model. It backs the
// local-loop example and tests that need a working engine.
type Mock struct {
	// Detections, when set, is returned verbatim for every frame.
	// Otherwise a single box orbits the frame center, rotating as it
	// goes.
	Detections []types.Detection

	// InferErr, when set, is returned by every Infer call.
	InferErr error

	// LoadErr, when set, is returned by Load.
	LoadErr error
}

// Load is a no-op unless LoadErr is set.
func (m *Mock) Load(ctx context.Context) error { return m.LoadErr }

// Infer returns the scripted detections, or one synthetic box derived
// deterministically from the frame sequence number.
func (m *Mock) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if m.InferErr != nil {
		return nil, m.InferErr
	}
	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	if m.Detections != nil {
		return m.Detections, nil
	}

	phase := float64(frame.Seq) * 0.1
	cx := float64(frame.Width)/2 + math.Cos(phase)*float64(frame.Width)/4
	cy := float64(frame.Height)/2 + math.Sin(phase)*float64(frame.Height)/4

	return []types.Detection{{
		Box: types.OrientedBox{
			CX:    float32(cx),
			CY:    float32(cy),
			W:     float32(frame.Width) / 8,
			H:     float32(frame.Height) / 8,
			Angle: float32(math.Mod(phase, math.Pi)),
		},
		ClassID:    0,
		ClassName:  className(defaultNames, 0),
		Confidence: 0.9,
	}}, nil
}

// Close is a no-op.
func (m *Mock) Close() error { return nil }
