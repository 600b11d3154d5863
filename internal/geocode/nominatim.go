// Package geocode resolves coordinates to human-readable place names.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org/reverse"

// Place is a reverse geocoding result. Name is empty when the response
// carried none of the locality fields.
type Place struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// Reverser resolves a coordinate to a place.
type Reverser interface {
	Reverse(ctx context.Context, lat, lon float64) (Place, error)
}

// Client implements Reverser using the Nominatim reverse API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Nominatim client. Nominatim's usage policy requires a
// descriptive User-Agent.
func NewClient(baseURL, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Reverse looks up the place at (lat, lon) at suburb zoom.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (Place, error) {
	params := url.Values{
		"format": {"json"},
		"lat":    {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lon":    {strconv.FormatFloat(lon, 'f', 6, 64)},
		"zoom":   {"14"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Place{}, fmt.Errorf("nominatim API error: status %d: %s", resp.StatusCode, body)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Place{}, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Debug("reverse geocoded", "lat", lat, "lon", lon, "name", r.Address.name())
	return Place{Name: r.Address.name(), DisplayName: r.DisplayName}, nil
}

type response struct {
	DisplayName string  `json:"display_name"`
	Address     address `json:"address"`
}

type address struct {
	Suburb        string `json:"suburb"`
	Neighbourhood string `json:"neighbourhood"`
	Residential   string `json:"residential"`
	CityDistrict  string `json:"city_district"`
	Town          string `json:"town"`
}

// name picks the most local populated field.
func (a address) name() string {
	for _, s := range []string{a.Suburb, a.Neighbourhood, a.Residential, a.CityDistrict, a.Town} {
		if s != "" {
			return s
		}
	}
	return ""
}
