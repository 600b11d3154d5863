// Package service provides the business logic of the overlay server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/geocode"
	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/observability"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/store"
)

var (
	// ErrNoData is returned by queries that need at least one sample.
	ErrNoData = errors.New("no grid data available")
	// ErrHourOutOfRange is returned for hours outside the timeline.
	ErrHourOutOfRange = errors.New("hour outside timeline")
)

// Fetcher retrieves one sample per coordinate.
type Fetcher interface {
	Fetch(ctx context.Context, coords []grid.Coordinate) ([]grid.Sample, error)
}

// Region describes the monitored area.
type Region struct {
	ID       string
	Name     string
	Location *time.Location
	Layout   grid.Layout
	Bounds   render.Viewport // default visible area; Width/Height unused
	Center   grid.Coordinate
	Zoom     int
}

// RegionServiceConfig contains region service configuration.
type RegionServiceConfig struct {
	Region   Region
	Fetcher  Fetcher
	Store    store.Store
	Cache    *cache.Manager
	Engine   *render.Engine
	Encoder  *render.Encoder
	Geocoder geocode.Reverser // nil disables place names

	GeocodeFallback string
	GeocodeError    string

	RasterWidth  int
	RasterHeight int
	Style        Style

	Clock   clockwork.Clock
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Style is how clients should display an overlay.
type Style struct {
	Opacity float64 `json:"opacity"`
	Blur    float64 `json:"blur"`
	ZIndex  int     `json:"zIndex"`
}

// RegionService owns one region's current snapshot and serves everything
// derived from it.
type RegionService struct {
	region   Region
	fetcher  Fetcher
	store    store.Store
	cache    *cache.Manager
	engine   *render.Engine
	encoder  *render.Encoder
	geocoder geocode.Reverser

	geocodeFallback string
	geocodeError    string
	rasterW         int
	rasterH         int
	style           Style

	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger

	refreshMu sync.Mutex // serialises Refresh

	mu       sync.RWMutex
	snapshot store.Snapshot
	loaded   bool

	subsMu sync.Mutex
	subs   map[int]func(store.Snapshot)
	nextID int
}

// NewRegionService creates a region service. No data is loaded until
// Restore or Refresh.
func NewRegionService(cfg RegionServiceConfig) (*RegionService, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("region service: fetcher is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("region service: engine is required")
	}
	if cfg.Region.Bounds.Degenerate() {
		return nil, fmt.Errorf("region %s: %w", cfg.Region.ID, render.ErrDegenerateViewport)
	}
	if cfg.Region.Location == nil {
		cfg.Region.Location = time.UTC
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = render.NewEncoder()
	}
	if cfg.RasterWidth <= 0 {
		cfg.RasterWidth = 100
	}
	if cfg.RasterHeight <= 0 {
		cfg.RasterHeight = 100
	}
	if cfg.Style == (Style{}) {
		cfg.Style = Style{Opacity: 0.6, Blur: 10, ZIndex: 500}
	}
	if cfg.GeocodeFallback == "" {
		cfg.GeocodeFallback = cfg.Region.Name + " Region"
	}
	if cfg.GeocodeError == "" {
		cfg.GeocodeError = "Unknown Location"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RegionService{
		region:          cfg.Region,
		fetcher:         cfg.Fetcher,
		store:           cfg.Store,
		cache:           cfg.Cache,
		engine:          cfg.Engine,
		encoder:         cfg.Encoder,
		geocoder:        cfg.Geocoder,
		geocodeFallback: cfg.GeocodeFallback,
		geocodeError:    cfg.GeocodeError,
		rasterW:         cfg.RasterWidth,
		rasterH:         cfg.RasterHeight,
		style:           cfg.Style,
		clock:           cfg.Clock,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With("region", cfg.Region.ID),
		subs:            make(map[int]func(store.Snapshot)),
	}, nil
}

// Region returns the region description.
func (s *RegionService) Region() Region {
	return s.region
}

// Engine returns the interpolation engine.
func (s *RegionService) Engine() *render.Engine {
	return s.engine
}

// Style returns the display style of overlays.
func (s *RegionService) Style() Style {
	return s.style
}

// RasterSize returns the default internal raster size.
func (s *RegionService) RasterSize() (int, int) {
	return s.rasterW, s.rasterH
}

// Snapshot returns the current snapshot and whether one has been loaded.
func (s *RegionService) Snapshot() (store.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.loaded
}

// Restore loads the newest stored snapshot. A region with nothing stored is
// not an error.
func (s *RegionService) Restore(ctx context.Context) error {
	snap, err := s.store.Latest(ctx, s.region.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", s.region.ID, err)
	}
	s.swap(snap)
	s.logger.Info("restored snapshot", "version", snap.Version, "samples", len(snap.Samples), "fetched_at", snap.FetchedAt)
	return nil
}

// Refresh fetches the grid, persists it and makes it current. On failure the
// previous snapshot stays in place. An empty result is a valid snapshot with
// no samples.
func (s *RegionService) Refresh(ctx context.Context) (store.Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	samples, err := s.fetcher.Fetch(ctx, s.region.Layout.Coordinates())
	if err != nil {
		s.recordFetch("error")
		s.logger.Warn("grid refresh failed, keeping last snapshot", "error", err)
		return store.Snapshot{}, fmt.Errorf("refresh %s: %w", s.region.ID, err)
	}
	if len(samples) == 0 {
		s.recordFetch("empty")
	} else {
		s.recordFetch("success")
	}

	prev, _ := s.Snapshot()
	snap := store.Snapshot{
		Region:    s.region.ID,
		Version:   prev.Version + 1,
		FetchedAt: s.clock.Now().UTC(),
		Samples:   samples,
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Error("failed to persist snapshot", "error", err)
	}

	s.swap(snap)
	s.logger.Info("grid refreshed", "version", snap.Version, "samples", len(samples))
	return snap, nil
}

func (s *RegionService) swap(snap store.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.loaded = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.GridSamples.WithLabelValues(s.region.ID).Set(float64(len(snap.Samples)))
	}
	s.notify(snap)
}

// Subscribe registers fn for snapshot changes. fn runs synchronously in the
// goroutine that swapped the snapshot.
func (s *RegionService) Subscribe(fn func(store.Snapshot)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *RegionService) notify(snap store.Snapshot) {
	s.subsMu.Lock()
	fns := make([]func(store.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *RegionService) recordFetch(outcome string) {
	if s.metrics != nil {
		s.metrics.FetchRequests.WithLabelValues(s.region.ID, outcome).Inc()
	}
}

// DefaultViewport returns the region's default bounds at the given size.
func (s *RegionService) DefaultViewport(width, height int) render.Viewport {
	vp := s.region.Bounds
	vp.Width, vp.Height = width, height
	return vp
}

// CheckHour validates hour against the timeline and the current samples.
func (s *RegionService) CheckHour(hour int) error {
	tl := s.Timeline()
	if hour < tl.Min || hour > tl.Max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrHourOutOfRange, hour, tl.Min, tl.Max)
	}
	return nil
}

func (s *RegionService) checkSelection(param grid.Parameter, hour int) error {
	if _, err := s.scale(param); err != nil {
		return err
	}
	return s.CheckHour(hour)
}

func (s *RegionService) field(samples []grid.Sample, param grid.Parameter, hour int) ([]grid.ScalarSample, error) {
	if err := s.checkSelection(param, hour); err != nil {
		return nil, err
	}
	return reduce(samples, param, hour)
}

func reduce(samples []grid.Sample, param grid.Parameter, hour int) ([]grid.ScalarSample, error) {
	values, err := grid.Values(samples, param, hour)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHourOutOfRange, err)
	}
	return values, nil
}
