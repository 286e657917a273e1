package engine

import (
	"math"
	"sort"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// Postprocess filters raw detections by confidence and applies greedy
// class-wise suppression of overlapping oriented boxes.
//
// Suppression walks detections in descending confidence order: a box is
// kept, then every lower-confidence box of the same class whose overlap
// with a kept box exceeds iouThreshold is discarded. Ties break on the
// original detection index, so the result is deterministic for
// identical input.
func Postprocess(dets []types.Detection, confThreshold, iouThreshold float32) []types.Detection {
	candidates := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= confThreshold {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]types.Detection, 0, len(candidates))
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])

		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].ClassID != candidates[i].ClassID {
				continue
			}
			if OrientedIoU(candidates[i].Box, candidates[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// OrientedIoU approximates the IoU of two rotated boxes with the
// Gaussian-distribution overlap (probabilistic IoU) used by OBB
// detectors. Each box is modeled as a 2D Gaussian; the overlap is
// derived from the Bhattacharyya distance between the two
// distributions. Returns a value in [0, 1].
func OrientedIoU(a, b types.OrientedBox) float32 {
	const eps = 1e-7

	x1, y1, a1, b1, c1 := gaussianForm(a)
	x2, y2, a2, b2, c2 := gaussianForm(b)

	denom := (a1+a2)*(b1+b2) - (c1+c2)*(c1+c2)
	if denom < eps {
		denom = eps
	}

	t1 := ((a1+a2)*(y1-y2)*(y1-y2) + (b1+b2)*(x1-x2)*(x1-x2)) / denom * 0.25
	t2 := (c1 + c2) * (x2 - x1) * (y1 - y2) / denom * 0.5

	det1 := a1*b1 - c1*c1
	det2 := a2*b2 - c2*c2
	if det1 < eps {
		det1 = eps
	}
	if det2 < eps {
		det2 = eps
	}
	t3 := 0.5 * math.Log(denom/(4*math.Sqrt(det1*det2)+eps)+eps)

	bd := t1 + t2 + t3
	if bd < eps {
		bd = eps
	} else if bd > 100 {
		bd = 100
	}

	hd := math.Sqrt(1 - math.Exp(-bd))
	return float32(1 - hd)
}

// gaussianForm converts a box to the center and covariance terms of its
// Gaussian representation.
func gaussianForm(box types.OrientedBox) (x, y, a, b, c float64) {
	x = float64(box.CX)
	y = float64(box.CY)

	varW := float64(box.W) * float64(box.W) / 12
	varH := float64(box.H) * float64(box.H) / 12

	cos := math.Cos(float64(box.Angle))
	sin := math.Sin(float64(box.Angle))

	a = varW*cos*cos + varH*sin*sin
	b = varW*sin*sin + varH*cos*cos
	c = (varW - varH) * cos * sin
	return
}
