package geocode

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/airgrid/server/internal/observability"
)

// CachedReverser wraps a Reverser with an in-memory LRU cache.
type CachedReverser struct {
	inner   Reverser
	cache   *lru.Cache[string, Place]
	metrics *observability.Metrics
}

// NewCachedReverser creates a cache decorator around a reverser. metrics may be nil.
func NewCachedReverser(inner Reverser, maxEntries int, metrics *observability.Metrics) (*CachedReverser, error) {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	cache, err := lru.New[string, Place](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &CachedReverser{inner: inner, cache: cache, metrics: metrics}, nil
}

func (c *CachedReverser) Reverse(ctx context.Context, lat, lon float64) (Place, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)
	if place, ok := c.cache.Get(key); ok {
		c.record("success", "hit")
		return place, nil
	}
	place, err := c.inner.Reverse(ctx, lat, lon)
	if err != nil {
		c.record("error", "miss")
		return place, err
	}
	// Empty names are not cached so that they are retried.
	if place.Name == "" {
		c.record("empty", "miss")
		return place, nil
	}
	c.cache.Add(key, place)
	c.record("success", "miss")
	return place, nil
}

// Len returns the number of cached places.
func (c *CachedReverser) Len() int {
	return c.cache.Len()
}

func (c *CachedReverser) record(outcome, cache string) {
	if c.metrics == nil {
		return
	}
	c.metrics.GeocodeLookups.WithLabelValues(outcome, cache).Inc()
}
