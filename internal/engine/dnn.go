package engine

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

// DNN runs the detector in-process through the gocv DNN module.
//
// It expects a YOLO OBB head exported to ONNX: output shape
// [1, 4+nc+1, anchors] with rows cx, cy, w, h, nc class scores and the
// rotation angle in radians.
type DNN struct {
	cfg  config.EngineConfig
	sess config.SessionConfig
	log  *slog.Logger

	mu     sync.Mutex
	net    gocv.Net
	names  []string
	loaded bool
}

// NewDNN creates the in-process backend. The model is not touched until
// Load.
func NewDNN(cfg config.EngineConfig, sess config.SessionConfig, log *slog.Logger) *DNN {
	return &DNN{
		cfg:  cfg,
		sess: sess,
		log:  log.With("component", "engine", "backend", "dnn"),
	}
}

// Load reads the network from the configured weights.
func (d *DNN) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	names, err := ClassNames(d.cfg.NamesPath)
	if err != nil {
		return &ModelLoadError{Path: d.cfg.NamesPath, Err: err}
	}
	d.names = names

	var net gocv.Net
	if strings.HasSuffix(d.sess.WeightsPath, ".onnx") {
		net = gocv.ReadNetFromONNX(d.sess.WeightsPath)
	} else {
		net = gocv.ReadNet(d.sess.WeightsPath, "")
	}
	if net.Empty() {
		return &ModelLoadError{
			Path: d.sess.WeightsPath,
			Err:  fmt.Errorf("network is empty, weights missing or incompatible"),
		}
	}

	d.net = net
	d.loaded = true

	d.log.Info("model loaded",
		"weights", d.sess.WeightsPath,
		"input_size", d.cfg.InputSize,
		"classes", len(d.names))

	return nil
}

// Infer runs one forward pass and returns post-suppression detections
// in frame pixel coordinates.
func (d *DNN) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if err := validateFrame(frame); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, &InferenceError{Seq: frame.Seq, Err: fmt.Errorf("model not loaded")}
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, &InferenceError{Seq: frame.Seq, Err: err}
	}
	defer img.Close()

	padded, scale := letterbox(img, d.cfg.InputSize)
	defer padded.Close()

	blob := gocv.BlobFromImage(padded, 1.0/255.0,
		image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	raw := d.decode(out, scale)
	return Postprocess(raw, d.sess.ConfThreshold, d.sess.IoUThreshold), nil
}

// Close releases the network.
func (d *DNN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.net.Close()
}

// decode walks the output columns and maps candidates back to frame
// pixels. Confidence filtering happens here; suppression is left to
// Postprocess.
func (d *DNN) decode(out gocv.Mat, scale float64) []types.Detection {
	sizes := out.Size()
	if len(sizes) != 3 {
		return nil
	}
	rows, cols := sizes[1], sizes[2]
	if rows < 6 {
		return nil
	}
	numClasses := rows - 5

	m := out.Reshape(1, rows)
	defer m.Close()

	var dets []types.Detection
	for j := 0; j < cols; j++ {
		bestClass := -1
		bestScore := float32(0)
		for k := 0; k < numClasses; k++ {
			if score := m.GetFloatAt(4+k, j); score > bestScore {
				bestScore = score
				bestClass = k
			}
		}
		if bestClass < 0 || bestScore < d.sess.ConfThreshold {
			continue
		}

		inv := float32(1 / scale)
		dets = append(dets, types.Detection{
			Box: types.OrientedBox{
				CX:    m.GetFloatAt(0, j) * inv,
				CY:    m.GetFloatAt(1, j) * inv,
				W:     m.GetFloatAt(2, j) * inv,
				H:     m.GetFloatAt(3, j) * inv,
				Angle: m.GetFloatAt(rows-1, j),
			},
			ClassID:    bestClass,
			ClassName:  className(d.names, bestClass),
			Confidence: bestScore,
		})
	}

	return dets
}

// letterbox scales the image to fit the square model input, padding the
// remainder with neutral gray. Padding sits at the right and bottom so
// coordinates map back with a plain inverse scale.
func letterbox(img gocv.Mat, size int) (gocv.Mat, float64) {
	scale := float64(size) / float64(img.Cols())
	if s := float64(size) / float64(img.Rows()); s < scale {
		scale = s
	}

	w := int(float64(img.Cols()) * scale)
	h := int(float64(img.Rows()) * scale)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
	defer resized.Close()

	padded := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(114, 114, 114, 0), size, size, gocv.MatTypeCV8UC3)

	roi := padded.Region(image.Rect(0, 0, w, h))
	resized.CopyTo(&roi)
	roi.Close()

	return padded, scale
}
