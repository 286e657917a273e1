package annotate

import (
	"image/color"
	"math/rand"
)

// paletteSize is how many distinct class colors are generated; class
// ids index the palette modulo this size.
const paletteSize = 20

// palette holds one color per slot, generated once from a fixed seed so
// a class keeps its color across sessions and processes.
var palette = buildPalette(42)

func buildPalette(seed int64) []color.RGBA {
	rng := rand.New(rand.NewSource(seed))

	colors := make([]color.RGBA, paletteSize)
	for i := range colors {
		colors[i] = color.RGBA{
			R: uint8(rng.Intn(206) + 50),
			G: uint8(rng.Intn(206) + 50),
			B: uint8(rng.Intn(206) + 50),
			A: 255,
		}
	}
	return colors
}

// ClassColor returns the stable color for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%paletteSize]
}
