package api

import (
	"github.com/airgrid/server/internal/service"
)

// RegionInfo describes a region in the API response.
type RegionInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Center [2]float64 `json:"center"`
	Zoom   int        `json:"zoom"`
	Bounds [4]float64 `json:"bounds"` // south, west, north, east
	TZ     string     `json:"timezone"`
}

// RegionRegistry holds the region services of all configured regions.
type RegionRegistry struct {
	services      map[string]*service.RegionService
	defaultRegion string
	regionOrder   []string
	title         string
}

// NewRegionRegistry creates a new region registry.
func NewRegionRegistry(defaultRegion string, order []string, title string) *RegionRegistry {
	return &RegionRegistry{
		services:      make(map[string]*service.RegionService),
		defaultRegion: defaultRegion,
		regionOrder:   order,
		title:         title,
	}
}

// Register adds a region service.
func (r *RegionRegistry) Register(regionID string, svc *service.RegionService) {
	r.services[regionID] = svc
}

// Get returns the service for a region, or nil if not found.
func (r *RegionRegistry) Get(regionID string) *service.RegionService {
	return r.services[regionID]
}

// Default returns the default region's service.
func (r *RegionRegistry) Default() *service.RegionService {
	return r.services[r.defaultRegion]
}

// DefaultRegionID returns the default region ID.
func (r *RegionRegistry) DefaultRegionID() string {
	return r.defaultRegion
}

// RegionIDs returns all region IDs in config order.
func (r *RegionRegistry) RegionIDs() []string {
	return r.regionOrder
}

// Services returns the registered services in config order.
func (r *RegionRegistry) Services() []*service.RegionService {
	out := make([]*service.RegionService, 0, len(r.regionOrder))
	for _, id := range r.regionOrder {
		if svc, ok := r.services[id]; ok {
			out = append(out, svc)
		}
	}
	return out
}

// Title returns the configured site title.
func (r *RegionRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "AirGrid"
}

// Regions returns info for all registered regions.
func (r *RegionRegistry) Regions() []RegionInfo {
	infos := make([]RegionInfo, 0, len(r.regionOrder))
	for _, svc := range r.Services() {
		reg := svc.Region()
		infos = append(infos, RegionInfo{
			ID:     reg.ID,
			Name:   reg.Name,
			Center: [2]float64{reg.Center.Lat, reg.Center.Lon},
			Zoom:   reg.Zoom,
			Bounds: [4]float64{reg.Bounds.South(), reg.Bounds.West(), reg.Bounds.North(), reg.Bounds.East()},
			TZ:     reg.Location.String(),
		})
	}
	return infos
}
