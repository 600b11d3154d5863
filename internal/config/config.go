// Package config handles configuration loading for the airgrid server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/pkg/colormap"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Regions  RegionsConfig  `yaml:"regions"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Render   RenderConfig   `yaml:"render"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Geocoder GeocoderConfig `yaml:"geocoder"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// LogConfig selects the log level and handler format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RegionConfig describes one monitored area.
type RegionConfig struct {
	Name     string       `yaml:"name"`
	Timezone string       `yaml:"timezone"`
	Grid     grid.Layout  `yaml:"grid"`
	Bounds   BoundsConfig `yaml:"bounds"`
	Center   [2]float64   `yaml:"center"` // lat, lon
	Zoom     int          `yaml:"zoom"`
}

// BoundsConfig is the map's default visible area.
type BoundsConfig struct {
	South float64 `yaml:"south"`
	West  float64 `yaml:"west"`
	North float64 `yaml:"north"`
	East  float64 `yaml:"east"`
}

// Viewport returns the bounds as a viewport of the given pixel size.
func (b BoundsConfig) Viewport(width, height int) render.Viewport {
	return render.NewViewport(b.North, b.West, b.South, b.East, width, height)
}

// RegionsConfig is an ordered set of regions. The first region in the file is
// the default unless Default names another.
type RegionsConfig struct {
	Default string
	Regions map[string]RegionConfig
	order   []string
}

// UnmarshalYAML decodes the regions mapping, preserving file order. The
// reserved key "default" names the default region.
func (r *RegionsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("regions: expected mapping, got %v", node.Tag)
	}
	r.Regions = make(map[string]RegionConfig)
	r.order = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default" {
			r.Default = node.Content[i+1].Value
			continue
		}
		var rc RegionConfig
		if err := node.Content[i+1].Decode(&rc); err != nil {
			return fmt.Errorf("regions.%s: %w", key, err)
		}
		if _, dup := r.Regions[key]; !dup {
			r.order = append(r.order, key)
		}
		r.Regions[key] = rc
	}
	return nil
}

// IDs returns region IDs in config order.
func (r RegionsConfig) IDs() []string {
	return append([]string(nil), r.order...)
}

// FetchConfig contains upstream data fetch settings.
type FetchConfig struct {
	ForecastURL    string `yaml:"forecast_url"`
	AirQualityURL  string `yaml:"air_quality_url"`
	ForecastDays   int    `yaml:"forecast_days"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RefreshMinutes int    `yaml:"refresh_minutes"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// RefreshInterval returns the scheduled refresh period.
func (f FetchConfig) RefreshInterval() time.Duration {
	return time.Duration(f.RefreshMinutes) * time.Minute
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	RasterWidth  int                      `yaml:"raster_width"`
	RasterHeight int                      `yaml:"raster_height"`
	Alpha        int                      `yaml:"alpha"`
	Opacity      float64                  `yaml:"opacity"`
	BlurRadius   float64                  `yaml:"blur_radius"`
	ZIndex       int                      `yaml:"z_index"`
	Palettes     map[string]PaletteConfig `yaml:"palettes"`
}

// PaletteConfig overrides the color scale of one parameter.
type PaletteConfig struct {
	Label  string    `yaml:"label"`
	Unit   string    `yaml:"unit"`
	Stops  []float64 `yaml:"stops"`
	Colors []string  `yaml:"colors"`
	Labels []string  `yaml:"labels"`
}

// BuildPalette returns the default palette with configured overrides applied.
func (r RenderConfig) BuildPalette() (render.Palette, error) {
	palette := render.DefaultPalette()
	for name, pc := range r.Palettes {
		param, err := grid.ParseParameter(name)
		if err != nil {
			return nil, fmt.Errorf("render.palettes: %w", err)
		}
		step, err := colormap.NewStepScale(pc.Stops, pc.Colors)
		if err != nil {
			return nil, fmt.Errorf("render.palettes.%s: %w", name, err)
		}
		scale := palette[param]
		// Bracket names only survive when the bracket count is unchanged.
		if len(pc.Labels) > 0 || len(pc.Stops) != len(scale.Stops()) {
			scale.Labels = pc.Labels
		}
		scale.StepScale = step
		if pc.Label != "" {
			scale.Label = pc.Label
		}
		if pc.Unit != "" {
			scale.Unit = pc.Unit
		}
		palette[param] = scale
	}
	return palette, nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
}

// StoreConfig contains snapshot persistence settings. An empty SQLitePath
// keeps snapshots in memory.
type StoreConfig struct {
	SQLitePath     string `yaml:"sqlite_path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// GeocoderConfig contains reverse geocoding settings.
type GeocoderConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	URL            string `yaml:"url"`
	UserAgent      string `yaml:"user_agent"`
	CacheSize      int    `yaml:"cache_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	FallbackName   string `yaml:"fallback_name"` // used when no locality field matched
	ErrorName      string `yaml:"error_name"`    // used when the lookup failed
}

// IsEnabled reports whether reverse geocoding is on. It defaults to true.
func (g GeocoderConfig) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// SessionsConfig contains server-side map session settings.
type SessionsConfig struct {
	Max         int `yaml:"max"`
	IdleMinutes int `yaml:"idle_minutes"`
}

// IdleTimeout returns how long an untouched session stays open.
func (c SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		applyDefaults(&fileCfg)
		cfg = &fileCfg
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration: a single Delhi region.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Delhi",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Regions: RegionsConfig{
			Default: "delhi",
			Regions: map[string]RegionConfig{"delhi": defaultRegion()},
			order:   []string{"delhi"},
		},
		Fetch: FetchConfig{
			ForecastDays:   1,
			TimeoutSeconds: 15,
			RefreshMinutes: 15,
			MaxRetries:     3,
		},
		Render: RenderConfig{
			RasterWidth:  100,
			RasterHeight: 100,
			Alpha:        render.DefaultAlpha,
			Opacity:      0.6,
			BlurRadius:   10,
			ZIndex:       500,
		},
		Cache: CacheConfig{
			OverlaySizeMB:     64,
			OverlayTTLMinutes: 10,
			QueryCacheSize:    1000,
		},
		Store: StoreConfig{
			SQLitePath:     "./data/airgrid.sqlite",
			RetentionHours: 48,
		},
		Geocoder: GeocoderConfig{
			UserAgent:      "airgrid-server/1.0",
			CacheSize:      512,
			TimeoutSeconds: 5,
			FallbackName:   "Delhi Region",
			ErrorName:      "Unknown Location",
		},
		Sessions: SessionsConfig{Max: 256, IdleMinutes: 30},
	}
}

func defaultRegion() RegionConfig {
	return RegionConfig{
		Name:     "Delhi",
		Timezone: "Asia/Kolkata",
		Grid:     grid.Layout{LatStart: 28.4, LatEnd: 28.9, LonStart: 76.8, LonEnd: 77.35, Steps: 5},
		Bounds:   BoundsConfig{South: 28.35, West: 76.7, North: 28.95, East: 77.45},
		Center:   [2]float64{28.61, 77.23},
		Zoom:     10,
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	if len(cfg.Regions.Regions) == 0 {
		cfg.Regions = defaults.Regions
	}
	if cfg.Regions.Default == "" && len(cfg.Regions.order) > 0 {
		cfg.Regions.Default = cfg.Regions.order[0]
	}
	for id, rc := range cfg.Regions.Regions {
		if rc.Name == "" {
			rc.Name = id
		}
		if rc.Timezone == "" {
			rc.Timezone = "UTC"
		}
		if rc.Zoom == 0 {
			rc.Zoom = 10
		}
		cfg.Regions.Regions[id] = rc
	}

	if cfg.Fetch.ForecastDays == 0 {
		cfg.Fetch.ForecastDays = defaults.Fetch.ForecastDays
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = defaults.Fetch.TimeoutSeconds
	}
	if cfg.Fetch.RefreshMinutes == 0 {
		cfg.Fetch.RefreshMinutes = defaults.Fetch.RefreshMinutes
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = defaults.Fetch.MaxRetries
	}

	if cfg.Render.RasterWidth == 0 {
		cfg.Render.RasterWidth = defaults.Render.RasterWidth
	}
	if cfg.Render.RasterHeight == 0 {
		cfg.Render.RasterHeight = defaults.Render.RasterHeight
	}
	if cfg.Render.Alpha == 0 {
		cfg.Render.Alpha = defaults.Render.Alpha
	}
	if cfg.Render.Opacity == 0 {
		cfg.Render.Opacity = defaults.Render.Opacity
	}
	if cfg.Render.BlurRadius == 0 {
		cfg.Render.BlurRadius = defaults.Render.BlurRadius
	}
	if cfg.Render.ZIndex == 0 {
		cfg.Render.ZIndex = defaults.Render.ZIndex
	}

	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}

	if cfg.Store.RetentionHours == 0 {
		cfg.Store.RetentionHours = defaults.Store.RetentionHours
	}

	if cfg.Geocoder.UserAgent == "" {
		cfg.Geocoder.UserAgent = defaults.Geocoder.UserAgent
	}
	if cfg.Geocoder.CacheSize == 0 {
		cfg.Geocoder.CacheSize = defaults.Geocoder.CacheSize
	}
	if cfg.Geocoder.TimeoutSeconds == 0 {
		cfg.Geocoder.TimeoutSeconds = defaults.Geocoder.TimeoutSeconds
	}
	if cfg.Geocoder.FallbackName == "" {
		cfg.Geocoder.FallbackName = defaults.Geocoder.FallbackName
	}
	if cfg.Geocoder.ErrorName == "" {
		cfg.Geocoder.ErrorName = defaults.Geocoder.ErrorName
	}

	if cfg.Sessions.Max == 0 {
		cfg.Sessions.Max = defaults.Sessions.Max
	}
	if cfg.Sessions.IdleMinutes == 0 {
		cfg.Sessions.IdleMinutes = defaults.Sessions.IdleMinutes
	}
}

// applyEnv overrides file values with AIRGRID_* environment variables.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("AIRGRID_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGRID_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv("AIRGRID_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("AIRGRID_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := os.LookupEnv("AIRGRID_SQLITE_PATH"); ok {
		cfg.Store.SQLitePath = v
	}
	if v, ok := os.LookupEnv("AIRGRID_GEOCODER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid AIRGRID_GEOCODER_ENABLED: %w", err)
		}
		cfg.Geocoder.Enabled = &enabled
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, ok := c.Regions.Regions[c.Regions.Default]; !ok {
		return fmt.Errorf("regions.default %q is not a configured region", c.Regions.Default)
	}
	for id, rc := range c.Regions.Regions {
		if rc.Grid.Steps <= 0 {
			return fmt.Errorf("regions.%s.grid.steps must be positive", id)
		}
		if rc.Bounds.Viewport(1, 1).Degenerate() {
			return fmt.Errorf("regions.%s.bounds are degenerate", id)
		}
		if _, err := time.LoadLocation(rc.Timezone); err != nil {
			return fmt.Errorf("regions.%s.timezone: %w", id, err)
		}
	}
	if c.Render.Alpha < 0 || c.Render.Alpha > 255 {
		return fmt.Errorf("render.alpha out of range: %d", c.Render.Alpha)
	}
	if c.Render.Opacity < 0 || c.Render.Opacity > 1 {
		return fmt.Errorf("render.opacity out of range: %v", c.Render.Opacity)
	}
	if _, err := c.Render.BuildPalette(); err != nil {
		return err
	}
	return nil
}
