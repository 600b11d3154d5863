// Package openmeteo fetches hourly weather and air-quality series for a set
// of grid coordinates from the Open-Meteo APIs.
package openmeteo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/sony/gobreaker"

	"github.com/airgrid/server/internal/grid"
)

const (
	DefaultForecastURL   = "https://api.open-meteo.com/v1/forecast"
	DefaultAirQualityURL = "https://air-quality-api.open-meteo.com/v1/air-quality"

	forecastHourly   = "temperature_2m,relative_humidity_2m,wind_speed_10m,wind_direction_10m"
	airQualityHourly = "pm2_5,us_aqi"
	hourLayout       = "2006-01-02T15:04"
)

// DefaultMaxResponseBytes bounds a single decoded response body.
const DefaultMaxResponseBytes = 8 << 20

var (
	// ErrLocationMismatch is returned when a response does not carry one
	// entry per requested coordinate.
	ErrLocationMismatch = errors.New("location count mismatch")
	// ErrResponseTooLarge is returned when a body exceeds MaxResponseBytes.
	ErrResponseTooLarge = errors.New("response too large")
)

// Config contains client configuration.
type Config struct {
	ForecastURL   string
	AirQualityURL string
	Timezone      string // IANA name sent as the timezone parameter
	ForecastDays  int
	// MaxResponseBytes caps each response body (default DefaultMaxResponseBytes).
	MaxResponseBytes int64
	HTTPClient       *http.Client
	Backoff          BackoffConfig
	Logger           *slog.Logger
}

// Client fetches grid samples. It is safe for concurrent use.
type Client struct {
	cfg        Config
	loc        *time.Location
	forecastCB *gobreaker.CircuitBreaker
	airCB      *gobreaker.CircuitBreaker
}

// NewClient creates a client, filling zero config fields with defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.AirQualityURL == "" {
		cfg.AirQualityURL = DefaultAirQualityURL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Kolkata"
	}
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = 1
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = BackoffConfig{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	return &Client{
		cfg:        cfg,
		loc:        loc,
		forecastCB: newBreaker("openmeteo-forecast"),
		airCB:      newBreaker("openmeteo-air-quality"),
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// hourlyBlock is the subset of a location entry both APIs share.
type hourlyBlock struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Hourly    struct {
		Time             []string  `json:"time"`
		Temperature2m    []float64 `json:"temperature_2m"`
		RelativeHumidity []float64 `json:"relative_humidity_2m"`
		WindSpeed10m     []float64 `json:"wind_speed_10m"`
		WindDirection10m []float64 `json:"wind_direction_10m"`
		PM25             []float64 `json:"pm2_5"`
		USAQI            []float64 `json:"us_aqi"`
	} `json:"hourly"`
}

// Fetch returns one sample per coordinate, in input order. Both upstream
// requests run concurrently; either failing fails the fetch.
func (c *Client) Fetch(ctx context.Context, coords []grid.Coordinate) ([]grid.Sample, error) {
	if len(coords) == 0 {
		return nil, nil
	}

	var (
		wg                  sync.WaitGroup
		forecast, air       []hourlyBlock
		forecastErr, airErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		forecast, forecastErr = c.get(ctx, c.cfg.ForecastURL, forecastHourly, coords, c.forecastCB)
	}()
	go func() {
		defer wg.Done()
		air, airErr = c.get(ctx, c.cfg.AirQualityURL, airQualityHourly, coords, c.airCB)
	}()
	wg.Wait()

	if forecastErr != nil {
		return nil, fmt.Errorf("forecast: %w", forecastErr)
	}
	if airErr != nil {
		return nil, fmt.Errorf("air quality: %w", airErr)
	}
	if len(forecast) != len(coords) || len(air) != len(coords) {
		return nil, fmt.Errorf("%w: requested %d, forecast %d, air quality %d",
			ErrLocationMismatch, len(coords), len(forecast), len(air))
	}

	samples := make([]grid.Sample, len(coords))
	for i, coord := range coords {
		f := forecast[i].Hourly
		times := make([]time.Time, len(f.Time))
		for j, s := range f.Time {
			t, err := time.ParseInLocation(hourLayout, s, c.loc)
			if err != nil {
				return nil, fmt.Errorf("parse hour %q: %w", s, err)
			}
			times[j] = t
		}
		samples[i] = grid.Sample{
			Coordinate: coord,
			Hourly: grid.HourlySeries{
				Time:        times,
				Temperature: f.Temperature2m,
				Humidity:    f.RelativeHumidity,
				WindSpeed:   f.WindSpeed10m,
				AirQuality:  air[i].Hourly.USAQI,
			},
		}
	}

	c.cfg.Logger.Debug("fetched grid", "locations", len(samples))
	return samples, nil
}

func (c *Client) get(ctx context.Context, base, hourly string, coords []grid.Coordinate, cb *gobreaker.CircuitBreaker) ([]hourlyBlock, error) {
	values := url.Values{}
	values.Set("latitude", joinCoords(coords, func(c grid.Coordinate) float64 { return c.Lat }))
	values.Set("longitude", joinCoords(coords, func(c grid.Coordinate) float64 { return c.Lon }))
	values.Set("hourly", hourly)
	values.Set("timezone", c.cfg.Timezone)
	values.Set("forecast_days", strconv.Itoa(c.cfg.ForecastDays))
	u := base + "?" + values.Encode()

	resp, err := doWithRetry(ctx, c.cfg.HTTPClient, c.cfg.Backoff, cb, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.cfg.MaxResponseBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return decodeBlocks(body)
}

// decodeBlocks accepts a multi-location array or a single-location object.
func decodeBlocks(body []byte) ([]hourlyBlock, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var blocks []hourlyBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return blocks, nil
	}
	var block hourlyBlock
	if err := json.Unmarshal(trimmed, &block); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return []hourlyBlock{block}, nil
}

func joinCoords(coords []grid.Coordinate, pick func(grid.Coordinate) float64) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.FormatFloat(pick(c), 'f', 4, 64)
	}
	return strings.Join(parts, ",")
}
