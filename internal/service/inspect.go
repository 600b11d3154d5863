package service

import (
	"context"
	"fmt"
	"time"

	"github.com/airgrid/server/internal/grid"
)

// Inspection is what a click on the map reveals.
type Inspection struct {
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Name      string          `json:"name"`
	Nearest   grid.Coordinate `json:"nearest"`
	Reading   grid.Reading    `json:"reading"`
	Meta      string          `json:"meta"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Version   int64           `json:"version"`
}

// Inspect returns the readings of the grid point nearest (lat, lon) at hour
// and a place name for the clicked position.
func (s *RegionService) Inspect(ctx context.Context, lat, lon float64, hour int) (Inspection, error) {
	if err := s.CheckHour(hour); err != nil {
		return Inspection{}, err
	}
	snap, _ := s.Snapshot()
	nearest, ok := grid.Nearest(snap.Samples, lat, lon)
	if !ok {
		return Inspection{}, ErrNoData
	}
	reading, err := grid.ReadingAt(nearest, hour)
	if err != nil {
		return Inspection{}, fmt.Errorf("%w: %w", ErrHourOutOfRange, err)
	}

	return Inspection{
		Lat:       lat,
		Lon:       lon,
		Name:      s.placeName(ctx, lat, lon),
		Nearest:   nearest.Coordinate,
		Reading:   reading,
		Meta:      fmt.Sprintf("%.2f°N, %.2f°E | %s", lat, lon, s.now().Format("03:04 PM")),
		FetchedAt: snap.FetchedAt,
		Version:   snap.Version,
	}, nil
}

func (s *RegionService) placeName(ctx context.Context, lat, lon float64) string {
	if s.geocoder == nil {
		return s.geocodeFallback
	}
	place, err := s.geocoder.Reverse(ctx, lat, lon)
	if err != nil {
		s.logger.Warn("reverse geocoding failed", "lat", lat, "lon", lon, "error", err)
		return s.geocodeError
	}
	if place.Name == "" {
		return s.geocodeFallback
	}
	return place.Name
}
