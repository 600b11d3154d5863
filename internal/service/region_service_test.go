package service

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/cache"
	"github.com/airgrid/server/internal/geocode"
	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/observability"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/store"
)

var (
	ist        = time.FixedZone("IST", 5*3600+1800)
	testNow    = time.Date(2026, 10, 14, 15, 30, 0, 0, ist)
	testLayout = grid.Layout{LatStart: 28.4, LatEnd: 28.9, LonStart: 76.8, LonEnd: 77.35, Steps: 5}
	testBounds = render.NewViewport(28.95, 76.7, 28.35, 77.45, 0, 0)
)

type fakeFetcher struct {
	mu      sync.Mutex
	samples []grid.Sample
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, coords []grid.Coordinate) ([]grid.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

func (f *fakeFetcher) set(samples []grid.Sample, err error) {
	f.mu.Lock()
	f.samples, f.err = samples, err
	f.mu.Unlock()
}

type fakeReverser struct {
	place geocode.Place
	err   error
	calls int
}

func (f *fakeReverser) Reverse(_ context.Context, _, _ float64) (geocode.Place, error) {
	f.calls++
	return f.place, f.err
}

func series(v float64) []float64 {
	out := make([]float64, 24)
	for i := range out {
		out[i] = v
	}
	return out
}

// uniformSamples returns one sample per layout point, all reading temp °C.
func uniformSamples(temp float64) []grid.Sample {
	coords := testLayout.Coordinates()
	samples := make([]grid.Sample, len(coords))
	for i, c := range coords {
		samples[i] = grid.Sample{
			Coordinate: c,
			Hourly: grid.HourlySeries{
				Temperature: series(temp),
				Humidity:    series(55),
				WindSpeed:   series(16.09),
				AirQuality:  series(120),
			},
		}
	}
	return samples
}

type testEnv struct {
	svc     *RegionService
	fetcher *fakeFetcher
	store   *store.MemoryStore
	clock   *clockwork.FakeClock
	cache   *cache.Manager
}

func newTestEnv(t *testing.T, geocoder geocode.Reverser) *testEnv {
	t.Helper()

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
	t.Cleanup(func() { cacheManager.Close() })

	env := &testEnv{
		fetcher: &fakeFetcher{samples: uniformSamples(25)},
		store:   store.NewMemoryStore(),
		clock:   clockwork.NewFakeClockAt(testNow),
		cache:   cacheManager,
	}
	svc, err := NewRegionService(RegionServiceConfig{
		Region: Region{
			ID:       "delhi",
			Name:     "Delhi",
			Location: ist,
			Layout:   testLayout,
			Bounds:   testBounds,
			Center:   grid.Coordinate{Lat: 28.61, Lon: 77.23},
			Zoom:     10,
		},
		Fetcher:  env.fetcher,
		Store:    env.store,
		Cache:    cacheManager,
		Engine:   engine,
		Geocoder: geocoder,
		Clock:    env.clock,
		Metrics:  observability.NewMetricsForTesting(),
	})
	if err != nil {
		t.Fatalf("Failed to create region service: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) refresh(t *testing.T) store.Snapshot {
	t.Helper()
	snap, err := e.svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return snap
}

func TestRefreshVersionsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, loaded := env.svc.Snapshot(); loaded {
		t.Fatal("snapshot should not be loaded before the first refresh")
	}

	first := env.refresh(t)
	second := env.refresh(t)
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if !second.FetchedAt.Equal(testNow) {
		t.Errorf("FetchedAt = %v, want %v", second.FetchedAt, testNow)
	}
	if snap, _ := env.svc.Snapshot(); len(snap.Samples) != 25 {
		t.Errorf("len(Samples) = %d, want 25", len(snap.Samples))
	}

	stored, err := env.store.Latest(context.Background(), "delhi")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if stored.Version != 2 {
		t.Errorf("stored version = %d, want 2", stored.Version)
	}
}

func TestRefreshFailureKeepsLastSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	env.refresh(t)

	env.fetcher.set(nil, errors.New("upstream down"))
	if _, err := env.svc.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	snap, loaded := env.svc.Snapshot()
	if !loaded || snap.Version != 1 || len(snap.Samples) != 25 {
		t.Errorf("snapshot after failure = v%d with %d samples (loaded=%v), want v1 with 25", snap.Version, len(snap.Samples), loaded)
	}
}

func TestRefreshEmptyResult(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fetcher.set(nil, nil)

	snap := env.refresh(t)
	if len(snap.Samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(snap.Samples))
	}
	if _, loaded := env.svc.Snapshot(); !loaded {
		t.Error("an empty result should still be loaded")
	}

	ov, err := env.svc.Overlay(OverlayRequest{Viewport: env.svc.DefaultViewport(800, 600), Param: grid.Temperature, Hour: 3})
	if err != nil {
		t.Fatalf("Overlay on empty data failed: %v", err)
	}
	if len(ov.PNG) == 0 {
		t.Error("expected a baseline raster")
	}
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore on empty store failed: %v", err)
	}
	if _, loaded := env.svc.Snapshot(); loaded {
		t.Fatal("nothing should be loaded from an empty store")
	}

	saved := store.Snapshot{Region: "delhi", Version: 7, FetchedAt: testNow.UTC(), Samples: uniformSamples(30)}
	if err := env.store.SaveSnapshot(context.Background(), saved); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := env.svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	snap, loaded := env.svc.Snapshot()
	if !loaded || snap.Version != 7 {
		t.Fatalf("restored version = %d (loaded=%v), want 7", snap.Version, loaded)
	}

	// The next refresh continues from the restored version.
	if next := env.refresh(t); next.Version != 8 {
		t.Errorf("version after restore = %d, want 8", next.Version)
	}
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)

	var got []int64
	cancel := env.svc.Subscribe(func(snap store.Snapshot) { got = append(got, snap.Version) })
	env.refresh(t)
	cancel()
	cancel()
	env.refresh(t)

	if len(got) != 1 || got[0] != 1 {
		t.Errorf("notifications = %v, want [1]", got)
	}
}

func TestOverlayCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.refresh(t)

	req := OverlayRequest{Viewport: env.svc.DefaultViewport(800, 600), Param: grid.Temperature, Hour: 10}
	first, err := env.svc.Overlay(req)
	if err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}
	if first.Cached {
		t.Error("first render should not be cached")
	}
	second, err := env.svc.Overlay(req)
	if err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}
	if !second.Cached || !bytes.Equal(first.PNG, second.PNG) {
		t.Error("second render should be served from cache")
	}

	img, err := png.Decode(bytes.NewReader(first.PNG))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Errorf("raster size = %dx%d, want 100x100", b.Dx(), b.Dy())
	}

	p := first.Placement
	if p.North != 28.95 || p.West != 76.7 || p.South != 28.35 || p.East != 77.45 {
		t.Errorf("placement bounds = %+v", p)
	}
	if p.Opacity != 0.6 || p.Blur != 10 || p.ZIndex != 500 {
		t.Errorf("placement style = %+v", p.Style)
	}

	// New data invalidates by version.
	env.refresh(t)
	third, err := env.svc.Overlay(req)
	if err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}
	if third.Cached || third.Placement.Version != 2 {
		t.Errorf("render after refresh: cached=%v version=%d", third.Cached, third.Placement.Version)
	}
}

func TestOverlayErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.refresh(t)
	vp := env.svc.DefaultViewport(800, 600)

	tests := []struct {
		name string
		req  OverlayRequest
		want error
	}{
		{"degenerate", OverlayRequest{Viewport: render.NewViewport(28.6, 77, 28.6, 77.4, 800, 600), Param: grid.Temperature}, render.ErrDegenerateViewport},
		{"future hour", OverlayRequest{Viewport: vp, Param: grid.Temperature, Hour: 16}, ErrHourOutOfRange},
		{"negative hour", OverlayRequest{Viewport: vp, Param: grid.Temperature, Hour: -1}, ErrHourOutOfRange},
		{"unknown param", OverlayRequest{Viewport: vp, Param: "pressure"}, grid.ErrUnknownParameter},
		{"raster too large", OverlayRequest{Viewport: vp, Param: grid.Temperature, Width: 2000, Height: 10}, render.ErrInvalidRaster},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Overlay(tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOverlayShortSeries(t *testing.T) {
	env := newTestEnv(t, nil)
	samples := uniformSamples(25)
	for i := range samples {
		samples[i].Hourly.Temperature = samples[i].Hourly.Temperature[:4]
	}
	env.fetcher.set(samples, nil)
	env.refresh(t)

	_, err := env.svc.Overlay(OverlayRequest{Viewport: env.svc.DefaultViewport(800, 600), Param: grid.Temperature, Hour: 10})
	if !errors.Is(err, ErrHourOutOfRange) || !errors.Is(err, grid.ErrHourOutOfRange) {
		t.Errorf("err = %v, want hour out of range", err)
	}
}

func TestGridJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	env.refresh(t)

	first, err := env.svc.GridJSON(grid.Humidity, 2)
	if err != nil {
		t.Fatalf("GridJSON failed: %v", err)
	}
	if !bytes.Contains(first, []byte(`"value":55`)) || !bytes.Contains(first, []byte(`"version":1`)) {
		t.Errorf("unexpected grid: %s", first)
	}
	second, err := env.svc.GridJSON(grid.Humidity, 2)
	if err != nil {
		t.Fatalf("GridJSON failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached grid differs")
	}
	if _, err := env.svc.GridJSON(grid.Humidity, 20); !errors.Is(err, ErrHourOutOfRange) {
		t.Errorf("err = %v, want ErrHourOutOfRange", err)
	}
}

func TestGridJSONRechecksHourAfterMidnight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.refresh(t)

	if _, err := env.svc.GridJSON(grid.Humidity, 10); err != nil {
		t.Fatalf("GridJSON failed: %v", err)
	}

	env.clock.Advance(9 * time.Hour) // 00:30 the next day, same snapshot
	if _, err := env.svc.GridJSON(grid.Humidity, 10); !errors.Is(err, ErrHourOutOfRange) {
		t.Errorf("cached hour served after midnight: err = %v, want ErrHourOutOfRange", err)
	}
	if _, err := env.svc.GridJSON(grid.Humidity, 0); err != nil {
		t.Errorf("GridJSON(0) after midnight failed: %v", err)
	}
}

func TestTimelineMarks(t *testing.T) {
	tests := []struct {
		current int
		want    []Mark
	}{
		{0, []Mark{{0, "Now", true}}},
		{6, []Mark{{0, "12 AM", false}, {6, "Now", true}}},
		{7, []Mark{{0, "12 AM", false}, {7, "Now", true}}},
		{8, []Mark{{0, "12 AM", false}, {6, "6 AM", false}, {8, "Now", true}}},
		{14, []Mark{{0, "12 AM", false}, {6, "6 AM", false}, {12, "12 PM", false}, {14, "Now", true}}},
		{23, []Mark{{0, "12 AM", false}, {6, "6 AM", false}, {12, "12 PM", false}, {18, "6 PM", false}, {23, "Now", true}}},
	}
	for _, tt := range tests {
		got := timelineMarks(tt.current)
		if len(got) != len(tt.want) {
			t.Errorf("timelineMarks(%d) = %v, want %v", tt.current, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("timelineMarks(%d)[%d] = %v, want %v", tt.current, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTimelineUsesRegionClock(t *testing.T) {
	env := newTestEnv(t, nil)

	tl := env.svc.Timeline()
	if tl.Min != 0 || tl.Max != 15 || tl.Current != 15 {
		t.Errorf("range = [%d, %d] current %d, want [0, 15] current 15", tl.Min, tl.Max, tl.Current)
	}
	if tl.Date != "Wed, Oct 14" || tl.Clock != "03:30 PM" {
		t.Errorf("date/clock = %q %q", tl.Date, tl.Clock)
	}

	env.clock.Advance(9 * time.Hour) // 00:30 the next day
	if tl := env.svc.Timeline(); tl.Max != 0 {
		t.Errorf("Max after midnight = %d, want 0", tl.Max)
	}
}

func TestInspect(t *testing.T) {
	geo := &fakeReverser{place: geocode.Place{Name: "Connaught Place"}}
	env := newTestEnv(t, geo)
	env.refresh(t)

	res, err := env.svc.Inspect(context.Background(), 28.61, 77.23, 12)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if res.Name != "Connaught Place" {
		t.Errorf("Name = %q", res.Name)
	}
	if res.Nearest != (grid.Coordinate{Lat: 28.6, Lon: 77.24}) {
		t.Errorf("Nearest = %+v", res.Nearest)
	}
	if res.Reading.Temperature != 25 || res.Reading.WindMph != 10 || res.Reading.AirQuality != 120 {
		t.Errorf("Reading = %+v", res.Reading)
	}
	if res.Meta != "28.61°N, 77.23°E | 03:30 PM" {
		t.Errorf("Meta = %q", res.Meta)
	}

	geo.place = geocode.Place{}
	if res, _ := env.svc.Inspect(context.Background(), 28.61, 77.23, 12); res.Name != "Delhi Region" {
		t.Errorf("empty name fallback = %q", res.Name)
	}
	geo.err = errors.New("nominatim unavailable")
	if res, _ := env.svc.Inspect(context.Background(), 28.61, 77.23, 12); res.Name != "Unknown Location" {
		t.Errorf("error fallback = %q", res.Name)
	}
}

func TestInspectErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.svc.Inspect(context.Background(), 28.61, 77.23, 1); !errors.Is(err, ErrNoData) {
		t.Errorf("err = %v, want ErrNoData", err)
	}
	env.refresh(t)
	if _, err := env.svc.Inspect(context.Background(), 28.61, 77.23, 16); !errors.Is(err, ErrHourOutOfRange) {
		t.Errorf("err = %v, want ErrHourOutOfRange", err)
	}
	res, err := env.svc.Inspect(context.Background(), 28.61, 77.23, 1)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if res.Name != "Delhi Region" {
		t.Errorf("Name without geocoder = %q", res.Name)
	}
}

func TestLegend(t *testing.T) {
	env := newTestEnv(t, nil)

	lg, err := env.svc.Legend(grid.AirQuality)
	if err != nil {
		t.Fatalf("Legend failed: %v", err)
	}
	if len(lg.Entries) == 0 {
		t.Fatal("legend has no entries")
	}
	for i := 1; i < len(lg.Entries); i++ {
		if lg.Entries[i].Value <= lg.Entries[i-1].Value {
			t.Errorf("entries not ascending at %d: %v", i, lg.Entries)
		}
	}
	if _, err := env.svc.Legend("pressure"); !errors.Is(err, grid.ErrUnknownParameter) {
		t.Errorf("err = %v, want ErrUnknownParameter", err)
	}

	data, err := env.svc.LegendImage(grid.Temperature, 200, 12)
	if err != nil {
		t.Fatalf("LegendImage failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 12 {
		t.Errorf("legend size = %dx%d, want 200x12", b.Dx(), b.Dy())
	}
}
