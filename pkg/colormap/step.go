package colormap

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

var (
	ErrEmptyScale     = errors.New("step scale has no stops")
	ErrStopMismatch   = errors.New("step scale stops and colors differ in length")
	ErrUnorderedStops = errors.New("step scale stops are not ascending")
)

// StepScale maps a value to the color of the first stop at or above it.
// Values past the last stop take the last color. Colors are never blended.
type StepScale struct {
	stops  []float64
	colors []color.RGBA
}

// NewStepScale builds a scale from ascending stops and "#rrggbb" colors.
func NewStepScale(stops []float64, hexColors []string) (StepScale, error) {
	if len(stops) == 0 {
		return StepScale{}, ErrEmptyScale
	}
	if len(stops) != len(hexColors) {
		return StepScale{}, fmt.Errorf("%w: %d stops, %d colors", ErrStopMismatch, len(stops), len(hexColors))
	}

	s := StepScale{
		stops:  make([]float64, len(stops)),
		colors: make([]color.RGBA, len(hexColors)),
	}
	for i, stop := range stops {
		if i > 0 && stop < stops[i-1] {
			return StepScale{}, fmt.Errorf("%w: %v after %v", ErrUnorderedStops, stop, stops[i-1])
		}
		s.stops[i] = stop
	}
	for i, hex := range hexColors {
		c, err := colorful.Hex(hex)
		if err != nil {
			return StepScale{}, fmt.Errorf("color %d: %w", i, err)
		}
		r, g, b := c.RGB255()
		s.colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return s, nil
}

// MustStepScale is like NewStepScale but panics on invalid input.
func MustStepScale(stops []float64, hexColors []string) StepScale {
	s, err := NewStepScale(stops, hexColors)
	if err != nil {
		panic(err)
	}
	return s
}

// ColorFor returns the color for v. Equality resolves to the lower bracket.
func (s StepScale) ColorFor(v float64) color.RGBA {
	for i, stop := range s.stops {
		if v <= stop {
			return s.colors[i]
		}
	}
	return s.colors[len(s.colors)-1]
}

// Stops returns a copy of the thresholds.
func (s StepScale) Stops() []float64 {
	out := make([]float64, len(s.stops))
	copy(out, s.stops)
	return out
}

// Colors returns a copy of the bracket colors.
func (s StepScale) Colors() []color.RGBA {
	out := make([]color.RGBA, len(s.colors))
	copy(out, s.colors)
	return out
}

// HexColors returns the bracket colors as "#rrggbb" strings.
func (s StepScale) HexColors() []string {
	out := make([]string, len(s.colors))
	for i, c := range s.colors {
		out[i] = fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return out
}

// Gradient returns a linear colormap through the bracket colors, for legends.
func (s StepScale) Gradient() LinearColormap {
	return NewLinearColormap(s.colors)
}
