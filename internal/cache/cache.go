// Package cache provides caching for rendered overlays and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	QueryCacheSize     int
}

// Manager manages overlay and query caches.
type Manager struct {
	overlayCache *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}
	if cfg.OverlayCacheSizeMB <= 0 {
		cfg.OverlayCacheSizeMB = 64
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	overlayCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       32 * 1024, // 100x100 overlays encode to a few KB
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		overlayCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		queryCache:   queryCache,
	}, nil
}

// GetOverlay retrieves an encoded overlay from cache.
func (m *Manager) GetOverlay(key string) ([]byte, bool) {
	data, err := m.overlayCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetOverlay stores an encoded overlay in cache.
func (m *Manager) SetOverlay(key string, data []byte) error {
	return m.overlayCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// OverlayKey generates a cache key for a rendered overlay. Keys include the
// snapshot version so a refresh never serves a stale raster.
func OverlayKey(region string, version int64, param grid.Parameter, hour int, vp render.Viewport, w, h int) string {
	base := fmt.Sprintf("overlay:%s:v%d:%s:h%d:%dx%d", region, version, param, hour, w, h)

	sum := sha256.New()
	fmt.Fprintf(sum, "%.6f,%.6f,%.6f,%.6f,%d,%d",
		vp.North(), vp.West(), vp.South(), vp.East(), vp.Width, vp.Height)
	return base + ":" + hex.EncodeToString(sum.Sum(nil))[:16]
}

// QueryKey generates a cache key for a JSON query result.
func QueryKey(region string, version int64, kind string, parts ...any) string {
	key := fmt.Sprintf("query:%s:v%d:%s", region, version, kind)
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"overlay_cache_len": m.overlayCache.Len(),
		"overlay_cache_cap": m.overlayCache.Capacity(),
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.overlayCache.Close()
}
