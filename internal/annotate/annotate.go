// Package annotate renders detections onto frames.
//
// Annotate is a pure function: it never mutates its input frame and the
// same (frame, detections, overlay) input always yields the same pixel
// output.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

const (
	boxThickness = 2
	labelScale   = 0.5
	hudScale     = 0.7
)

var (
	white    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	hudGreen = color.RGBA{G: 255, A: 255}
)

// Overlay is a value snapshot of the HUD metrics drawn in the frame
// corner. A zero Overlay (Enabled false) draws nothing.
type Overlay struct {
	Enabled     bool
	FPS         float64
	LatencyMS   float64
	DetectionMS float64
}

// Annotate returns a fresh copy of frame with the detections and HUD
// drawn on it. An empty detection list with a disabled overlay yields a
// pixel-identical copy. Geometry outside the frame bounds is clipped by
// the drawing primitives, never an error.
func Annotate(frame types.Frame, detections []types.Detection, hud Overlay) types.Frame {
	out := frame.Clone()
	if len(detections) == 0 && !hud.Enabled {
		return out
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, out.Data)
	if err != nil {
		// A frame the Mat constructor rejects cannot be drawn on;
		// the unmodified copy is still publishable.
		return out
	}
	defer img.Close()

	for _, det := range detections {
		drawDetection(&img, det, frame.Width, frame.Height)
	}
	if hud.Enabled {
		drawHUD(&img, hud)
	}

	out.Data = img.ToBytes()
	return out
}

// drawDetection renders one rotated outline plus its label.
func drawDetection(img *gocv.Mat, det types.Detection, width, height int) {
	corners := det.Box.Corners()

	pts := [4]image.Point{}
	for i, c := range corners {
		pts[i] = image.Pt(int(c.X+0.5), int(c.Y+0.5))
	}

	col := ClassColor(det.ClassID)
	for i := 0; i < 4; i++ {
		gocv.Line(img, pts[i], pts[(i+1)%4], col, boxThickness)
	}

	drawLabel(img, det, pts, col, width, height)
}

// drawLabel puts "<class> <confidence>" in a filled background anchored
// at the top-most corner of the box, clamped inside the frame.
func drawLabel(img *gocv.Mat, det types.Detection, pts [4]image.Point, col color.RGBA, width, height int) {
	label := fmt.Sprintf("%s %.2f", det.ClassName, det.Confidence)
	size := gocv.GetTextSize(label, gocv.FontHersheySimplex, labelScale, 1)

	anchor := pts[0]
	for _, p := range pts[1:] {
		if p.Y < anchor.Y || (p.Y == anchor.Y && p.X < anchor.X) {
			anchor = p
		}
	}

	x := clamp(anchor.X, 0, width-size.X)
	y := clamp(anchor.Y-4, size.Y+4, height-1)

	bg := image.Rect(x, y-size.Y-4, x+size.X, y+2)
	gocv.Rectangle(img, bg, col, -1)
	gocv.PutText(img, label, image.Pt(x, y), gocv.FontHersheySimplex, labelScale, white, 1)
}

// drawHUD renders the metric rows the output stream carries in its
// corner.
func drawHUD(img *gocv.Mat, hud Overlay) {
	rows := []string{
		fmt.Sprintf("FPS: %.1f", hud.FPS),
		fmt.Sprintf("Latency: %.0f ms", hud.LatencyMS),
		fmt.Sprintf("Detection: %.0f ms", hud.DetectionMS),
	}
	for i, row := range rows {
		gocv.PutText(img, row, image.Pt(10, 30+i*30), gocv.FontHersheySimplex, hudScale, hudGreen, 2)
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
