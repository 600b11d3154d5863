package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/observability"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/service"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type staticFetcher struct {
	samples []grid.Sample
}

func (f staticFetcher) Fetch(_ context.Context, _ []grid.Coordinate) ([]grid.Sample, error) {
	return f.samples, nil
}

func flat(v float64) []float64 {
	out := make([]float64, 24)
	for i := range out {
		out[i] = v
	}
	return out
}

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	svc      *service.RegionService
	sessions *service.SessionManager
}

// setupTestServer builds a one-region server whose clock reads 15:30 local.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	layout := grid.Layout{LatStart: 28.4, LatEnd: 28.9, LonStart: 76.8, LonEnd: 77.35, Steps: 5}
	var samples []grid.Sample
	for _, c := range layout.Coordinates() {
		samples = append(samples, grid.Sample{
			Coordinate: c,
			Hourly: grid.HourlySeries{
				Temperature: flat(25),
				Humidity:    flat(60),
				WindSpeed:   flat(8),
				AirQuality:  flat(80),
			},
		})
	}

	engine, err := render.NewEngine(render.Config{Palette: render.DefaultPalette()})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: 16,
		OverlayTTL:         time.Minute,
		QueryCacheSize:     10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 14, 15, 30, 0, 0, ist))
	metrics := observability.NewMetricsForTesting()

	svc, err := service.NewRegionService(service.RegionServiceConfig{
		Region: service.Region{
			ID:       "delhi",
			Name:     "Delhi",
			Location: ist,
			Layout:   layout,
			Bounds:   render.NewViewport(28.95, 76.7, 28.35, 77.45, 0, 0),
			Center:   grid.Coordinate{Lat: 28.61, Lon: 77.23},
			Zoom:     10,
		},
		Fetcher: staticFetcher{samples: samples},
		Cache:   cacheManager,
		Engine:  engine,
		Clock:   clock,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("Failed to create region service: %v", err)
	}
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	sessions, err := service.NewSessionManager(service.SessionManagerConfig{Clock: clock, Metrics: metrics})
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	registry := NewRegionRegistry("delhi", []string{"delhi"}, "")
	registry.Register("delhi", svc)

	router := NewRouter(RouterConfig{
		Registry:       registry,
		Sessions:       sessions,
		CORSOrigins:    []string{"http://localhost:3000"},
		MetricsHandler: http.NotFoundHandler(),
	})

	ts := &testServer{server: httptest.NewServer(router), svc: svc, sessions: sessions}
	t.Cleanup(func() {
		ts.server.Close()
		sessions.Stop()
		cacheManager.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, r)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

func (ts *testServer) getJSON(t *testing.T, path string, want int, v interface{}) {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, path, "")
	if resp.StatusCode != want {
		t.Fatalf("GET %s: expected %d, got %d: %s", path, want, resp.StatusCode, body)
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			t.Fatalf("GET %s: failed to decode JSON: %v", path, err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}

func TestRegionsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var payload struct {
		Default    string       `json:"default"`
		Title      string       `json:"title"`
		Regions    []RegionInfo `json:"regions"`
		Parameters []string     `json:"parameters"`
	}
	ts.getJSON(t, "/api/regions", http.StatusOK, &payload)

	if payload.Default != "delhi" || payload.Title != "AirGrid" {
		t.Errorf("default/title = %q %q", payload.Default, payload.Title)
	}
	if len(payload.Regions) != 1 {
		t.Fatalf("expected 1 region, got %d", len(payload.Regions))
	}
	reg := payload.Regions[0]
	if reg.Center != [2]float64{28.61, 77.23} || reg.Zoom != 10 {
		t.Errorf("region = %+v", reg)
	}
	if reg.Bounds != [4]float64{28.35, 76.7, 28.95, 77.45} {
		t.Errorf("bounds = %v", reg.Bounds)
	}
	if len(payload.Parameters) != 4 {
		t.Errorf("parameters = %v", payload.Parameters)
	}
}

func TestUnknownRegion(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/r/atlantis/api/timeline", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOverlayPNGEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	path := "/r/delhi/api/overlay.png?param=temp&hour=9&north=28.95&west=76.7&south=28.35&east=77.45&width=800&height=600"

	resp, body := ts.do(t, http.MethodGet, path, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get("X-Overlay-Cache"); got != "miss" {
		t.Errorf("X-Overlay-Cache = %q, want miss", got)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Errorf("raster size = %dx%d, want 100x100", b.Dx(), b.Dy())
	}

	resp, _ = ts.do(t, http.MethodGet, path, "")
	if got := resp.Header.Get("X-Overlay-Cache"); got != "hit" {
		t.Errorf("second X-Overlay-Cache = %q, want hit", got)
	}
}

func TestOverlayPlacementEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var p service.Placement
	ts.getJSON(t, "/r/delhi/api/overlay?param=aqi&raster_width=50&raster_height=40", http.StatusOK, &p)
	if p.North != 28.95 || p.East != 77.45 || p.Width != 800 || p.Height != 600 {
		t.Errorf("placement = %+v", p)
	}
	if p.RasterW != 50 || p.RasterH != 40 || p.Param != grid.AirQuality || p.Hour != 15 {
		t.Errorf("placement raster/inputs = %+v", p)
	}
	if p.Opacity != 0.6 || p.ZIndex != 500 {
		t.Errorf("placement style = %+v", p.Style)
	}
}

func TestOverlayErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"degenerate viewport", "/r/delhi/api/overlay.png?north=28.6&south=28.6&west=76.7&east=77.45", http.StatusUnprocessableEntity},
		{"partial bounds", "/r/delhi/api/overlay.png?north=28.9", http.StatusBadRequest},
		{"latitude out of range", "/r/delhi/api/overlay.png?north=95&south=28.6&west=76.7&east=77.45", http.StatusBadRequest},
		{"unknown parameter", "/r/delhi/api/overlay.png?param=pressure", http.StatusBadRequest},
		{"future hour", "/r/delhi/api/overlay.png?hour=16", http.StatusBadRequest},
		{"bad hour", "/r/delhi/api/overlay.png?hour=noon", http.StatusBadRequest},
		{"raster too large", "/r/delhi/api/overlay.png?raster_width=5000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, "")
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, resp.StatusCode, body)
			}
		})
	}
}

func TestGridEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var field service.GridField
	ts.getJSON(t, "/r/delhi/api/grid?param=humidity&hour=3", http.StatusOK, &field)
	if field.Param != grid.Humidity || field.Hour != 3 || field.Version != 1 {
		t.Errorf("field = %+v", field)
	}
	if len(field.Points) != 25 || field.Points[0].Value != 60 {
		t.Errorf("points = %v", field.Points)
	}
}

func TestInspectEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var res service.Inspection
	ts.getJSON(t, "/r/delhi/api/inspect?lat=28.61&lon=77.23&hour=4", http.StatusOK, &res)
	if res.Name != "Delhi Region" {
		t.Errorf("Name = %q", res.Name)
	}
	if res.Reading.Hour != 4 || res.Reading.Temperature != 25 || res.Reading.AirQuality != 80 {
		t.Errorf("Reading = %+v", res.Reading)
	}
	if res.Meta != "28.61°N, 77.23°E | 03:30 PM" {
		t.Errorf("Meta = %q", res.Meta)
	}

	resp, _ := ts.do(t, http.MethodGet, "/r/delhi/api/inspect?lon=77.23", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing lat: expected 400, got %d", resp.StatusCode)
	}
}

func TestLegendEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	var lg service.Legend
	ts.getJSON(t, "/r/delhi/api/legend/aqi", http.StatusOK, &lg)
	if lg.Unit != "AQI" || len(lg.Entries) != 6 || lg.Entries[0].Label != "Good" {
		t.Errorf("legend = %+v", lg)
	}

	resp, body := ts.do(t, http.MethodGet, "/r/delhi/api/legend/temp.png?width=120&height=10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 120 || b.Dy() != 10 {
		t.Errorf("legend size = %dx%d", b.Dx(), b.Dy())
	}

	resp, _ = ts.do(t, http.MethodGet, "/r/delhi/api/legend/pressure", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown legend: expected 400, got %d", resp.StatusCode)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var tl service.Timeline
	ts.getJSON(t, "/r/delhi/api/timeline", http.StatusOK, &tl)
	if tl.Max != 15 || tl.Date != "Wed, Oct 14" {
		t.Errorf("timeline = %+v", tl)
	}
	last := tl.Marks[len(tl.Marks)-1]
	if last.Hour != 15 || last.Label != "Now" {
		t.Errorf("last mark = %+v", last)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/r/delhi/api/refresh", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Version int64 `json:"version"`
		Samples int   `json:"samples"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if payload.Version != 2 || payload.Samples != 25 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/r/delhi/api/sessions", `{"param":"wind","hour":2}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var st service.SessionState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if st.Param != grid.Wind || st.Hour != 2 || st.Redraws != 1 {
		t.Errorf("created state = %+v", st)
	}
	base := "/r/delhi/api/sessions/" + st.ID

	resp, body = ts.do(t, http.MethodPut, base+"/viewport", `{"north":28.8,"west":76.9,"south":28.5,"east":77.3,"width":640,"height":480}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewport: expected 200, got %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if st.Redraws != 2 || st.Display.X != 640 || st.Display.Y != 480 {
		t.Errorf("state after pan = %+v", st)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/viewport", `{"north":28.8,"west":76.9,"south":28.8,"east":77.3,"width":640,"height":480}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("degenerate pan: expected 422, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/inputs", `{"param":"humidity","hour":20}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("future hour: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPut, base+"/inputs", `{"param":"humidity"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing hour: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPut, base+"/inputs", `{"param":"humidity","hour":0}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("inputs: expected 200, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/overlay.png", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("image: expected 200, got %d: %s", resp.StatusCode, body)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("image size = %dx%d, want 640x480", b.Dx(), b.Dy())
	}

	resp, _ = ts.do(t, http.MethodDelete, base, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestSessionCreateDefaultsToCurrentHour(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/r/delhi/api/sessions", `{}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var st service.SessionState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if st.Param != grid.Temperature || st.Hour != 15 {
		t.Errorf("state = %+v", st)
	}
	if st.Viewport.Width != 800 || st.Viewport.North() != 28.95 {
		t.Errorf("viewport = %+v", st.Viewport)
	}
}
