// Package overlay places interpolated rasters over a map host's viewport.
package overlay

import (
	"image"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

// ViewportHandler is called after the host's viewport changed.
type ViewportHandler func(vp render.Viewport)

// Subscription is a registered host callback. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// Pane is the host layer surfaces are inserted into.
type Pane interface {
	Append(s *Surface)
	Remove(s *Surface)
	Contains(s *Surface) bool
}

// Host is the map widget the compositor draws over.
type Host interface {
	// Viewport returns the current visible area.
	Viewport() render.Viewport
	// LayerPoint projects a coordinate into the host's layer pixel space.
	LayerPoint(c grid.Coordinate) image.Point
	// OverlayPane returns the pane overlays are inserted into.
	OverlayPane() Pane
	// OnViewportChange registers h for pan and zoom completion events.
	OnViewportChange(h ViewportHandler) Subscription
}
