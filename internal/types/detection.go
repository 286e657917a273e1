package types

import (
	"math"
	"time"
)

// Point is a 2D point in pixel coordinates.
type Point struct {
	X float32
	Y float32
}

// OrientedBox is a rotated rectangle in pixel coordinates.
//
// CX/CY locate the box center, W/H are the side lengths along the box's
// own axes, and Angle is the rotation in radians (counter-clockwise from
// the image X axis, matching YOLO OBB model output).
type OrientedBox struct {
	CX    float32
	CY    float32
	W     float32
	H     float32
	Angle float32
}

// Corners returns the four vertices of the box in drawing order.
// Consecutive entries are adjacent, so corner i connects to corner (i+1)%4.
func (b OrientedBox) Corners() [4]Point {
	cos := float32(math.Cos(float64(b.Angle)))
	sin := float32(math.Sin(float64(b.Angle)))

	// Half-extent vectors along the box axes.
	wx, wy := cos*b.W/2, sin*b.W/2
	hx, hy := -sin*b.H/2, cos*b.H/2

	return [4]Point{
		{b.CX - wx - hx, b.CY - wy - hy},
		{b.CX + wx - hx, b.CY + wy - hy},
		{b.CX + wx + hx, b.CY + wy + hy},
		{b.CX - wx + hx, b.CY - wy + hy},
	}
}

// Area returns the box area in square pixels.
func (b OrientedBox) Area() float32 {
	return b.W * b.H
}

// Detection is a single detected object within a frame.
type Detection struct {
	// Box is the oriented bounding box of the object.
	Box OrientedBox

	// ClassID is the model's class index.
	ClassID int

	// ClassName is the human-readable label for ClassID.
	ClassName string

	// Confidence is the detection score in [0, 1].
	Confidence float32
}

// Result pairs a frame with the detections produced for it.
type Result struct {
	// Frame is the frame the detections belong to. After annotation this
	// carries the annotated copy, never the source frame.
	Frame Frame

	// Detections is the post-NMS detection set, possibly empty.
	Detections []Detection

	// InferenceTime is how long the detector spent on this frame.
	InferenceTime time.Duration
}
