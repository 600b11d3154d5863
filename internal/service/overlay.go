package service

import (
	"fmt"
	"time"

	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

// MaxRasterSize bounds the raster size a caller may request.
const MaxRasterSize = 1024

// OverlayRequest selects one overlay raster.
type OverlayRequest struct {
	Viewport render.Viewport
	Param    grid.Parameter
	Hour     int
	Width    int // raster width; 0 means the configured default
	Height   int // raster height; 0 means the configured default
}

// Placement tells a client where to stretch the raster.
type Placement struct {
	North   float64 `json:"north"`
	West    float64 `json:"west"`
	South   float64 `json:"south"`
	East    float64 `json:"east"`
	Width   int     `json:"width"`  // display pixels
	Height  int     `json:"height"` // display pixels
	RasterW int     `json:"rasterWidth"`
	RasterH int     `json:"rasterHeight"`
	Style
	Param   grid.Parameter `json:"param"`
	Hour    int            `json:"hour"`
	Version int64          `json:"version"`
}

// Overlay is an encoded raster and its placement.
type Overlay struct {
	PNG       []byte
	Placement Placement
	Cached    bool
}

// Overlay renders (or fetches from cache) the raster for req.
func (s *RegionService) Overlay(req OverlayRequest) (*Overlay, error) {
	if req.Viewport.Degenerate() {
		return nil, render.ErrDegenerateViewport
	}
	if req.Width == 0 {
		req.Width = s.rasterW
	}
	if req.Height == 0 {
		req.Height = s.rasterH
	}
	if req.Width < 0 || req.Height < 0 || req.Width > MaxRasterSize || req.Height > MaxRasterSize {
		return nil, fmt.Errorf("%w: %dx%d", render.ErrInvalidRaster, req.Width, req.Height)
	}

	snap, _ := s.Snapshot()
	values, err := s.field(snap.Samples, req.Param, req.Hour)
	if err != nil {
		return nil, err
	}

	vp := req.Viewport
	placement := Placement{
		North: vp.North(), West: vp.West(), South: vp.South(), East: vp.East(),
		Width: vp.Width, Height: vp.Height,
		RasterW: req.Width, RasterH: req.Height,
		Style:   s.style,
		Param:   req.Param,
		Hour:    req.Hour,
		Version: snap.Version,
	}

	var key string
	if s.cache != nil {
		key = cache.OverlayKey(s.region.ID, snap.Version, req.Param, req.Hour, vp, req.Width, req.Height)
		if data, ok := s.cache.GetOverlay(key); ok {
			s.recordCache("hit")
			return &Overlay{PNG: data, Placement: placement, Cached: true}, nil
		}
		s.recordCache("miss")
	}

	start := time.Now()
	img, err := s.engine.Render(values, vp, req.Width, req.Height, req.Param)
	if err != nil {
		return nil, err
	}
	s.ObserveRender(req.Param, time.Since(start))

	data, err := s.encoder.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetOverlay(key, data); err != nil {
			s.logger.Debug("overlay not cached", "error", err)
		}
	}
	return &Overlay{PNG: data, Placement: placement}, nil
}

// ObserveRender records one raster interpolation.
func (s *RegionService) ObserveRender(param grid.Parameter, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RenderDuration.WithLabelValues(string(param)).Observe(d.Seconds())
	}
}

func (s *RegionService) recordCache(result string) {
	if s.metrics != nil {
		s.metrics.OverlayCache.WithLabelValues(result).Inc()
	}
}
