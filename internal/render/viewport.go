package render

import (
	"errors"
	"math"

	"github.com/airgrid/server/internal/grid"
)

var (
	// ErrDegenerateViewport is returned when a viewport's bounds span zero
	// (or a non-finite) extent on either axis, so no projection is possible.
	ErrDegenerateViewport = errors.New("degenerate viewport")
	// ErrInvalidRaster is returned for a non-positive raster size.
	ErrInvalidRaster = errors.New("invalid raster size")
)

// Viewport is the visible map area as supplied by the map host.
type Viewport struct {
	NorthWest grid.Coordinate `json:"north_west"`
	SouthEast grid.Coordinate `json:"south_east"`
	Width     int             `json:"width"`  // display pixels
	Height    int             `json:"height"` // display pixels
}

// NewViewport builds a viewport from its four edges and pixel size.
func NewViewport(north, west, south, east float64, width, height int) Viewport {
	return Viewport{
		NorthWest: grid.Coordinate{Lat: north, Lon: west},
		SouthEast: grid.Coordinate{Lat: south, Lon: east},
		Width:     width,
		Height:    height,
	}
}

func (v Viewport) North() float64 { return v.NorthWest.Lat }
func (v Viewport) South() float64 { return v.SouthEast.Lat }
func (v Viewport) West() float64  { return v.NorthWest.Lon }
func (v Viewport) East() float64  { return v.SouthEast.Lon }

// Degenerate reports whether the viewport cannot be projected onto.
func (v Viewport) Degenerate() bool {
	latSpan := v.North() - v.South()
	lonSpan := v.East() - v.West()
	return latSpan == 0 || lonSpan == 0 || !finite(latSpan) || !finite(lonSpan)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
