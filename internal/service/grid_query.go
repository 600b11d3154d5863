package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/grid"
)

// GridField is every grid point reduced to one parameter and hour.
type GridField struct {
	Region    string              `json:"region"`
	Param     grid.Parameter      `json:"param"`
	Hour      int                 `json:"hour"`
	Version   int64               `json:"version"`
	FetchedAt time.Time           `json:"fetchedAt"`
	Points    []grid.ScalarSample `json:"points"`
}

// GridJSON returns the encoded GridField for param at hour. Results are
// cached per data version; the hour is checked against the live timeline
// before any cached entry is served.
func (s *RegionService) GridJSON(param grid.Parameter, hour int) ([]byte, error) {
	if err := s.checkSelection(param, hour); err != nil {
		return nil, err
	}
	snap, _ := s.Snapshot()

	var key string
	if s.cache != nil {
		key = cache.QueryKey(s.region.ID, snap.Version, "grid", param, hour)
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}

	values, err := reduce(snap.Samples, param, hour)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []grid.ScalarSample{}
	}
	data, err := json.Marshal(GridField{
		Region:    s.region.ID,
		Param:     param,
		Hour:      hour,
		Version:   snap.Version,
		FetchedAt: snap.FetchedAt,
		Points:    values,
	})
	if err != nil {
		return nil, fmt.Errorf("encode grid: %w", err)
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}
