// Package main is the entry point for the AirGrid server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/api"
	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/config"
	"github.com/airgrid/server/internal/data/openmeteo"
	"github.com/airgrid/server/internal/geocode"
	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/observability"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/scheduler"
	"github.com/airgrid/server/internal/service"
	"github.com/airgrid/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting AirGrid server", "port", cfg.Server.Port, "regions", len(cfg.Regions.IDs()))

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	// Initialize cache manager (shared across all regions)
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		QueryCacheSize:     cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheManager.Close()

	snapshots, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	palette, err := cfg.Render.BuildPalette()
	if err != nil {
		return err
	}
	engine, err := render.NewEngine(render.Config{Palette: palette, Alpha: uint8(cfg.Render.Alpha)})
	if err != nil {
		return fmt.Errorf("initialize render engine: %w", err)
	}
	encoder := render.NewEncoder()

	var geocoder geocode.Reverser
	if cfg.Geocoder.IsEnabled() {
		nominatim := geocode.NewClient(cfg.Geocoder.URL, cfg.Geocoder.UserAgent,
			time.Duration(cfg.Geocoder.TimeoutSeconds)*time.Second, logger)
		cached, err := geocode.NewCachedReverser(nominatim, cfg.Geocoder.CacheSize, metrics)
		if err != nil {
			return fmt.Errorf("initialize geocoder cache: %w", err)
		}
		geocoder = cached
		logger.Info("reverse geocoding enabled", "url", cfg.Geocoder.URL, "cache_size", cfg.Geocoder.CacheSize)
	}

	// Initialize region registry
	regionIDs := cfg.Regions.IDs()
	registry := api.NewRegionRegistry(cfg.Regions.Default, regionIDs, cfg.Server.Title)
	refreshers := make(map[string]scheduler.Refresher, len(regionIDs))

	httpClient := &http.Client{Timeout: cfg.Fetch.Timeout()}
	for _, id := range regionIDs {
		rc := cfg.Regions.Regions[id]
		loc, err := time.LoadLocation(rc.Timezone)
		if err != nil {
			return fmt.Errorf("region %s: %w", id, err)
		}

		fetcher, err := openmeteo.NewClient(openmeteo.Config{
			ForecastURL:   cfg.Fetch.ForecastURL,
			AirQualityURL: cfg.Fetch.AirQualityURL,
			Timezone:      rc.Timezone,
			ForecastDays:  cfg.Fetch.ForecastDays,
			HTTPClient:    httpClient,
			Backoff:       openmeteo.BackoffConfig{MaxRetries: cfg.Fetch.MaxRetries},
			Logger:        logger.With("region", id),
		})
		if err != nil {
			return fmt.Errorf("region %s: %w", id, err)
		}

		svc, err := service.NewRegionService(service.RegionServiceConfig{
			Region: service.Region{
				ID:       id,
				Name:     rc.Name,
				Location: loc,
				Layout:   rc.Grid,
				Bounds:   rc.Bounds.Viewport(0, 0),
				Center:   grid.Coordinate{Lat: rc.Center[0], Lon: rc.Center[1]},
				Zoom:     rc.Zoom,
			},
			Fetcher:         fetcher,
			Store:           snapshots,
			Cache:           cacheManager,
			Engine:          engine,
			Encoder:         encoder,
			Geocoder:        geocoder,
			GeocodeFallback: cfg.Geocoder.FallbackName,
			GeocodeError:    cfg.Geocoder.ErrorName,
			RasterWidth:     cfg.Render.RasterWidth,
			RasterHeight:    cfg.Render.RasterHeight,
			Style: service.Style{
				Opacity: cfg.Render.Opacity,
				Blur:    cfg.Render.BlurRadius,
				ZIndex:  cfg.Render.ZIndex,
			},
			Clock:   clock,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return err
		}

		if err := svc.Restore(ctx); err != nil {
			logger.Warn("could not restore snapshot", "region", id, "error", err)
		}
		registry.Register(id, svc)
		refreshers[id] = svc
		logger.Info("region initialized", "region", id, "name", rc.Name, "grid_points", rc.Grid.Steps*rc.Grid.Steps)
	}

	sessions, err := service.NewSessionManager(service.SessionManagerConfig{
		MaxSessions: cfg.Sessions.Max,
		IdleTimeout: cfg.Sessions.IdleTimeout(),
		Clock:       clock,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialize sessions: %w", err)
	}
	sessions.Start()
	defer sessions.Stop()

	sched := scheduler.New(scheduler.Config{
		Regions:   refreshers,
		Interval:  cfg.Fetch.RefreshInterval(),
		Timeout:   2 * cfg.Fetch.Timeout(),
		Store:     snapshots,
		Retention: time.Duration(cfg.Store.RetentionHours) * time.Hour,
		Clock:     clock,
		Logger:    logger,
	})
	// Initial load; a failure keeps whatever Restore found.
	if failures := sched.RefreshAll(ctx); failures > 0 {
		logger.Warn("initial refresh incomplete", "failed_regions", failures)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Sessions:    sessions,
		Encoder:     encoder,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.SQLitePath == "" {
		logger.Info("snapshot store: memory")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	logger.Info("snapshot store: sqlite", "path", cfg.SQLitePath)
	return s, nil
}
