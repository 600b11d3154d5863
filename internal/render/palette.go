package render

import (
	"fmt"
	"image/color"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/pkg/colormap"
)

// Scale is a parameter's stepped color scale plus its legend text.
type Scale struct {
	colormap.StepScale
	Label  string
	Unit   string
	Labels []string // optional per-bracket names
}

// Palette maps each parameter to its scale. It is read-only once built.
type Palette map[grid.Parameter]Scale

// Validate reports the first parameter without a scale.
func (p Palette) Validate() error {
	for _, param := range grid.Parameters {
		if _, ok := p[param]; !ok {
			return fmt.Errorf("palette has no scale for parameter %q", param)
		}
	}
	return nil
}

// ColorFor returns the color of v on param's scale. A parameter missing
// from the palette is a wiring error and panics.
func (p Palette) ColorFor(v float64, param grid.Parameter) color.RGBA {
	s, ok := p[param]
	if !ok {
		panic(fmt.Sprintf("render: palette has no scale for parameter %q", param))
	}
	return s.ColorFor(v)
}

// DefaultPalette returns the dashboard's color scales.
func DefaultPalette() Palette {
	return Palette{
		grid.Temperature: {
			StepScale: colormap.MustStepScale(
				[]float64{0, 10, 20, 30, 40, 50},
				[]string{"#3b82f6", "#06b6d4", "#22c55e", "#eab308", "#f97316", "#ef4444"},
			),
			Label: "Temperature",
			Unit:  "°C",
		},
		grid.Humidity: {
			StepScale: colormap.MustStepScale(
				[]float64{20, 40, 60, 80, 100},
				[]string{"#f59e0b", "#84cc16", "#06b6d4", "#3b82f6", "#1e3a8a"},
			),
			Label: "Humidity",
			Unit:  "%",
		},
		grid.Wind: {
			StepScale: colormap.MustStepScale(
				[]float64{0, 5, 10, 20, 30},
				[]string{"#a855f7", "#d946ef", "#f472b6", "#fbbf24", "#fef08a"},
			),
			Label: "Wind",
			Unit:  "mph",
		},
		grid.AirQuality: {
			StepScale: colormap.MustStepScale(
				[]float64{0, 50, 100, 150, 200, 300},
				[]string{"#22c55e", "#eab308", "#f97316", "#ef4444", "#a855f7", "#7f1d1d"},
			),
			Label:  "Air Quality Index",
			Unit:   "AQI",
			Labels: []string{"Good", "Moderate", "Sensitive", "Unhealthy", "V. Unhealthy", "Hazardous"},
		},
	}
}
