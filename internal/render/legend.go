package render

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// LegendImage draws a horizontal gradient bar through the scale's colors,
// with a thin tick at each bracket boundary.
func LegendImage(s Scale, width, height int) image.Image {
	dc := gg.NewContext(width, height)
	dc.SetColor(color.Transparent)
	dc.Clear()

	cmap := s.Gradient()
	if cmap.Len() == 0 || width <= 0 || height <= 0 {
		return dc.Image()
	}

	span := float64(width - 1)
	if span <= 0 {
		span = 1
	}
	for x := 0; x < width; x++ {
		dc.SetColor(cmap.At(float64(x) / span))
		dc.DrawLine(float64(x)+0.5, 0, float64(x)+0.5, float64(height))
		dc.SetLineWidth(1)
		dc.Stroke()
	}

	n := cmap.Len()
	if n > 1 {
		dc.SetRGBA(1, 1, 1, 0.6)
		for i := 1; i < n-1; i++ {
			x := float64(i) * float64(width) / float64(n-1)
			dc.DrawLine(x, float64(height)*0.6, x, float64(height))
			dc.Stroke()
		}
	}
	return dc.Image()
}
