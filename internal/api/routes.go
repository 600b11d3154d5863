// Package api provides HTTP handlers for the AirGrid server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/overlay"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/service"
)

const (
	defaultViewportWidth  = 800
	defaultViewportHeight = 600
	defaultLegendWidth    = 256
	defaultLegendHeight   = 16
)

var validate = validator.New()

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry       *RegionRegistry
	Sessions       *service.SessionManager
	Encoder        *render.Encoder
	CORSOrigins    []string
	MetricsHandler http.Handler // defaults to promhttp.Handler()
	Logger         *slog.Logger
}

type handlers struct {
	registry *RegionRegistry
	sessions *service.SessionManager
	encoder  *render.Encoder
	logger   *slog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Encoder == nil {
		cfg.Encoder = render.NewEncoder()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handlers{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		encoder:  cfg.Encoder,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Overlay-Cache", "X-Data-Version"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", cfg.MetricsHandler)

	// Global regions endpoint (not region-scoped)
	r.Get("/api/regions", h.regions)

	// Region-scoped routes: /r/{region}/...
	r.Route("/r/{region}", func(r chi.Router) {
		r.Use(regionMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/grid", h.grid)
			r.Get("/overlay.png", h.overlayPNG)
			r.Get("/overlay", h.overlayPlacement)
			r.Get("/inspect", h.inspect)
			// Routing ".png" as part of the pattern splits the segment, so
			// the handler strips the extension itself.
			r.Get("/legend/{param}", h.legend)
			r.Get("/timeline", h.timeline)
			r.Post("/refresh", h.refresh)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.sessionCreate)
				r.Get("/{id}", h.sessionGet)
				r.Delete("/{id}", h.sessionClose)
				r.Put("/{id}/viewport", h.sessionViewport)
				r.Put("/{id}/inputs", h.sessionInputs)
				r.Get("/{id}/overlay.png", h.sessionImage)
			})
		})
	})

	return r
}

// Context key for region service
type ctxKey string

const regionServiceKey ctxKey = "regionService"

// regionMiddleware resolves the region from URL and injects its service into context.
func regionMiddleware(registry *RegionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			regionID := chi.URLParam(r, "region")
			svc := registry.Get(regionID)
			if svc == nil {
				http.Error(w, "region not found: "+regionID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), regionServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getRegionService(r *http.Request) *service.RegionService {
	if svc, ok := r.Context().Value(regionServiceKey).(*service.RegionService); ok {
		return svc
	}
	return nil
}

// regions returns the list of configured regions.
func (h *handlers) regions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":    h.registry.DefaultRegionID(),
		"regions":    h.registry.Regions(),
		"title":      h.registry.Title(),
		"parameters": grid.Parameters,
	})
}

func (h *handlers) grid(w http.ResponseWriter, r *http.Request) {
	svc := getRegionService(r)
	q := r.URL.Query()
	param, hour, err := parseInputs(q, svc)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := svc.GridJSON(param, hour)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *handlers) overlay(r *http.Request) (*service.Overlay, error) {
	svc := getRegionService(r)
	q := r.URL.Query()
	vp, err := parseViewport(q, svc)
	if err != nil {
		return nil, err
	}
	param, hour, err := parseInputs(q, svc)
	if err != nil {
		return nil, err
	}
	rq := rasterQuery{}
	if rq.Width, err = intParam(q, "raster_width", 0); err != nil {
		return nil, err
	}
	if rq.Height, err = intParam(q, "raster_height", 0); err != nil {
		return nil, err
	}
	if err := validate.Struct(rq); err != nil {
		return nil, badRequest(err)
	}
	return svc.Overlay(service.OverlayRequest{
		Viewport: vp,
		Param:    param,
		Hour:     hour,
		Width:    rq.Width,
		Height:   rq.Height,
	})
}

func (h *handlers) overlayPNG(w http.ResponseWriter, r *http.Request) {
	ov, err := h.overlay(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cacheState := "miss"
	if ov.Cached {
		cacheState = "hit"
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Overlay-Cache", cacheState)
	w.Header().Set("X-Data-Version", strconv.FormatInt(ov.Placement.Version, 10))
	w.Write(ov.PNG)
}

func (h *handlers) overlayPlacement(w http.ResponseWriter, r *http.Request) {
	ov, err := h.overlay(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov.Placement)
}

func (h *handlers) inspect(w http.ResponseWriter, r *http.Request) {
	svc := getRegionService(r)
	q := r.URL.Query()
	var iq inspectQuery
	var err error
	if iq.Lat, err = floatParam(q, "lat"); err != nil {
		writeError(w, err)
		return
	}
	if iq.Lon, err = floatParam(q, "lon"); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(iq); err != nil {
		writeError(w, badRequest(err))
		return
	}
	hour, err := intParam(q, "hour", svc.Timeline().Current)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := svc.Inspect(r.Context(), *iq.Lat, *iq.Lon, hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) legend(w http.ResponseWriter, r *http.Request) {
	svc := getRegionService(r)
	name := chi.URLParam(r, "param")
	asImage := strings.HasSuffix(name, ".png")
	param, err := grid.ParseParameter(strings.TrimSuffix(name, ".png"))
	if err != nil {
		writeError(w, err)
		return
	}

	if !asImage {
		lg, err := svc.Legend(param)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lg)
		return
	}

	q := r.URL.Query()
	width, err := intParam(q, "width", defaultLegendWidth)
	if err != nil {
		writeError(w, err)
		return
	}
	height, err := intParam(q, "height", defaultLegendHeight)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := svc.LegendImage(param, width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getRegionService(r).Timeline())
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	svc := getRegionService(r)
	snap, err := svc.Refresh(r.Context())
	if err != nil {
		h.logger.Warn("manual refresh failed", "region", svc.Region().ID, "error", err)
		http.Error(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"region":    snap.Region,
		"version":   snap.Version,
		"fetchedAt": snap.FetchedAt,
		"samples":   len(snap.Samples),
	})
}

// Session handlers

type viewportBody struct {
	North  float64 `json:"north" validate:"gte=-90,lte=90"`
	West   float64 `json:"west" validate:"gte=-180,lte=180"`
	South  float64 `json:"south" validate:"gte=-90,lte=90"`
	East   float64 `json:"east" validate:"gte=-180,lte=180"`
	Width  int     `json:"width" validate:"gte=1,lte=8192"`
	Height int     `json:"height" validate:"gte=1,lte=8192"`
}

func (b viewportBody) viewport() render.Viewport {
	return render.NewViewport(b.North, b.West, b.South, b.East, b.Width, b.Height)
}

type sessionCreateRequest struct {
	Viewport *viewportBody `json:"viewport"`
	Param    string        `json:"param"`
	Hour     *int          `json:"hour"`
}

type sessionInputsRequest struct {
	Param string `json:"param" validate:"required"`
	Hour  *int   `json:"hour" validate:"required"`
}

func (h *handlers) sessionsEnabled(w http.ResponseWriter) bool {
	if h.sessions == nil {
		http.Error(w, "sessions not configured", http.StatusNotImplemented)
		return false
	}
	return true
}

// sessionFor returns the session id from the URL if it belongs to the
// request's region.
func (h *handlers) sessionFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.sessionsEnabled(w) {
		return "", false
	}
	id := chi.URLParam(r, "id")
	owner, err := h.sessions.Region(id)
	if err != nil || owner != getRegionService(r) {
		writeError(w, service.ErrSessionNotFound)
		return "", false
	}
	return id, true
}

func (h *handlers) sessionCreate(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsEnabled(w) {
		return
	}
	svc := getRegionService(r)

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, badRequest(err))
		return
	}

	vp := svc.DefaultViewport(defaultViewportWidth, defaultViewportHeight)
	if req.Viewport != nil {
		vp = req.Viewport.viewport()
	}
	param := grid.Temperature
	if req.Param != "" {
		p, err := grid.ParseParameter(req.Param)
		if err != nil {
			writeError(w, err)
			return
		}
		param = p
	}
	hour := svc.Timeline().Current
	if req.Hour != nil {
		hour = *req.Hour
	}

	st, err := h.sessions.Create(svc, vp, param, hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handlers) sessionGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	st, err := h.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sessionClose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Close(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sessionViewport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	var body viewportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, badRequest(err))
		return
	}
	st, err := h.sessions.SetViewport(id, body.viewport())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sessionInputs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	var req sessionInputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	param, err := grid.ParseParameter(req.Param)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.sessions.SetInputs(id, param, *req.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sessionImage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	data, err := h.sessions.Image(id, h.encoder)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// Query parsing

type viewportQuery struct {
	North  *float64 `validate:"required,gte=-90,lte=90"`
	West   *float64 `validate:"required,gte=-180,lte=180"`
	South  *float64 `validate:"required,gte=-90,lte=90"`
	East   *float64 `validate:"required,gte=-180,lte=180"`
	Width  int      `validate:"gte=1,lte=8192"`
	Height int      `validate:"gte=1,lte=8192"`
}

type rasterQuery struct {
	Width  int `validate:"gte=0,lte=1024"`
	Height int `validate:"gte=0,lte=1024"`
}

type inspectQuery struct {
	Lat *float64 `validate:"required,gte=-90,lte=90"`
	Lon *float64 `validate:"required,gte=-180,lte=180"`
}

// parseViewport reads north/west/south/east/width/height. Without any bounds
// the region's default viewport is used.
func parseViewport(q url.Values, svc *service.RegionService) (render.Viewport, error) {
	var vq viewportQuery
	var err error
	if vq.Width, err = intParam(q, "width", defaultViewportWidth); err != nil {
		return render.Viewport{}, err
	}
	if vq.Height, err = intParam(q, "height", defaultViewportHeight); err != nil {
		return render.Viewport{}, err
	}
	if !q.Has("north") && !q.Has("west") && !q.Has("south") && !q.Has("east") {
		if vq.Width < 1 || vq.Height < 1 {
			return render.Viewport{}, badRequest(fmt.Errorf("invalid viewport size %dx%d", vq.Width, vq.Height))
		}
		return svc.DefaultViewport(vq.Width, vq.Height), nil
	}
	for name, dst := range map[string]**float64{"north": &vq.North, "west": &vq.West, "south": &vq.South, "east": &vq.East} {
		if *dst, err = floatParam(q, name); err != nil {
			return render.Viewport{}, err
		}
	}
	if err := validate.Struct(vq); err != nil {
		return render.Viewport{}, badRequest(err)
	}
	return render.NewViewport(*vq.North, *vq.West, *vq.South, *vq.East, vq.Width, vq.Height), nil
}

// parseInputs reads param (default temp) and hour (default the current hour).
func parseInputs(q url.Values, svc *service.RegionService) (grid.Parameter, int, error) {
	param := grid.Temperature
	if s := strings.TrimSpace(q.Get("param")); s != "" {
		p, err := grid.ParseParameter(s)
		if err != nil {
			return "", 0, err
		}
		param = p
	}
	hour, err := intParam(q, "hour", svc.Timeline().Current)
	if err != nil {
		return "", 0, err
	}
	return param, hour, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid %s: %q", name, s))
	}
	return v, nil
}

// floatParam returns nil for an absent parameter.
func floatParam(q url.Values, name string) (*float64, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, badRequest(fmt.Errorf("invalid %s: %q", name, s))
	}
	return &v, nil
}

// Responses

type requestError struct{ err error }

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return requestError{err: err} }

func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, render.ErrDegenerateViewport):
		return http.StatusUnprocessableEntity
	case errors.Is(err, render.ErrInvalidRaster),
		errors.Is(err, grid.ErrUnknownParameter),
		errors.Is(err, service.ErrHourOutOfRange),
		errors.Is(err, grid.ErrHourOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoData),
		errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, overlay.ErrDetached):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
