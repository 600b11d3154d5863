package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the overlay server.
type Metrics struct {
	RenderDuration *prometheus.HistogramVec // labels: param
	OverlayCache   *prometheus.CounterVec   // labels: result={hit,miss}
	FetchRequests  *prometheus.CounterVec   // labels: region, outcome={success,error,empty}
	GeocodeLookups *prometheus.CounterVec   // labels: outcome={success,error,empty}, cache={hit,miss}
	ActiveSessions prometheus.Gauge
	GridSamples    *prometheus.GaugeVec // labels: region
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.RenderDuration,
		m.OverlayCache,
		m.FetchRequests,
		m.GeocodeLookups,
		m.ActiveSessions,
		m.GridSamples,
	)
	return m
}

// NewMetricsForTesting creates unregistered metrics so tests can build as
// many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "airgrid",
			Name:      "render_duration_seconds",
			Help:      help("Time spent interpolating one raster."),
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"param"}),
		OverlayCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "overlay_cache_total",
			Help:      help("Rendered overlay cache lookups by result."),
		}, []string{"result"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "fetch_requests_total",
			Help:      help("Upstream grid refreshes by region and outcome."),
		}, []string{"region", "outcome"}),
		GeocodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "geocode_lookups_total",
			Help:      help("Reverse geocoding lookups by outcome and cache result."),
		}, []string{"outcome", "cache"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airgrid",
			Name:      "active_sessions",
			Help:      help("Open server-side map sessions."),
		}),
		GridSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "airgrid",
			Name:      "grid_samples",
			Help:      help("Samples in the current snapshot per region."),
		}, []string{"region"}),
	}
}
