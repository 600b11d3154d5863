// Package colormap provides color schemes for visualization.
package colormap

import (
	"image/color"
)

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinearColormap builds a colormap blending evenly between colors.
func NewLinearColormap(colors []color.RGBA) LinearColormap {
	c := make([]color.RGBA, len(colors))
	copy(c, colors)
	return LinearColormap{colors: c}
}

// Len returns the number of color stops.
func (c LinearColormap) Len() int {
	return len(c.colors)
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if len(c.colors) == 0 {
		return color.RGBA{}
	}
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}
