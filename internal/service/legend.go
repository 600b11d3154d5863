package service

import (
	"fmt"
	"strconv"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

// LegendEntry is one bracket of a stepped scale.
type LegendEntry struct {
	Value float64 `json:"value"`
	Color string  `json:"color"`
	Label string  `json:"label"`
}

// Legend describes a parameter's color scale.
type Legend struct {
	Param   grid.Parameter `json:"param"`
	Label   string         `json:"label"`
	Unit    string         `json:"unit"`
	Entries []LegendEntry  `json:"entries"`
}

func (s *RegionService) scale(param grid.Parameter) (render.Scale, error) {
	sc, ok := s.engine.Palette()[param]
	if !ok {
		return render.Scale{}, fmt.Errorf("%w: %q", grid.ErrUnknownParameter, param)
	}
	return sc, nil
}

// Legend returns the color scale of param.
func (s *RegionService) Legend(param grid.Parameter) (Legend, error) {
	sc, err := s.scale(param)
	if err != nil {
		return Legend{}, err
	}
	stops := sc.Stops()
	colors := sc.HexColors()
	entries := make([]LegendEntry, len(stops))
	for i, v := range stops {
		label := strconv.FormatFloat(v, 'g', -1, 64)
		if i < len(sc.Labels) {
			label = sc.Labels[i]
		}
		entries[i] = LegendEntry{Value: v, Color: colors[i], Label: label}
	}
	return Legend{Param: param, Label: sc.Label, Unit: sc.Unit, Entries: entries}, nil
}

// LegendImage renders param's gradient bar as a PNG.
func (s *RegionService) LegendImage(param grid.Parameter, width, height int) ([]byte, error) {
	sc, err := s.scale(param)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 || width > MaxRasterSize || height > MaxRasterSize {
		return nil, fmt.Errorf("%w: %dx%d", render.ErrInvalidRaster, width, height)
	}
	return s.encoder.Encode(render.LegendImage(sc, width, height))
}
