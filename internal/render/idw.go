package render

import (
	"fmt"

	"github.com/airgrid/server/internal/grid"
)

// Point is a scalar sample projected into raster pixel space. Points may sit
// outside the raster; they still take part in interpolation.
type Point struct {
	X     float64
	Y     float64
	Value float64
}

// Project maps samples into an outW×outH raster covering vp. Row 0 is the
// north edge.
func Project(samples []grid.ScalarSample, vp Viewport, outW, outH int) ([]Point, error) {
	if vp.Degenerate() {
		return nil, ErrDegenerateViewport
	}
	if outW <= 0 || outH <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidRaster, outW, outH)
	}

	lonSpan := vp.East() - vp.West()
	latSpan := vp.North() - vp.South()

	points := make([]Point, len(samples))
	for i, s := range samples {
		xPct := (s.Lon - vp.West()) / lonSpan
		yPct := (s.Lat - vp.South()) / latSpan
		points[i] = Point{
			X:     xPct * float64(outW),
			Y:     (1 - yPct) * float64(outH),
			Value: s.Value,
		}
	}
	return points, nil
}

// ValueAt is the inverse-distance-squared blend of points at (px, py).
// A point closer than one pixel wins outright; no points yields 0.
func ValueAt(points []Point, px, py float64) float64 {
	var num, den float64
	for _, p := range points {
		dx := px - p.X
		dy := py - p.Y
		d2 := dx*dx + dy*dy
		if d2 < 1 {
			return p.Value
		}
		w := 1 / d2
		num += p.Value * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Field evaluates ValueAt for every cell of an outW×outH raster, row-major.
func Field(points []Point, outW, outH int) []float64 {
	if outW <= 0 || outH <= 0 {
		return nil
	}
	field := make([]float64, outW*outH)
	for py := 0; py < outH; py++ {
		row := field[py*outW : (py+1)*outW]
		for px := range row {
			row[px] = ValueAt(points, float64(px), float64(py))
		}
	}
	return field
}
