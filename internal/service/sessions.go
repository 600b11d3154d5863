package service

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/observability"
	"github.com/airgrid/server/internal/overlay"
	"github.com/airgrid/server/internal/render"
	"github.com/airgrid/server/internal/store"
)

// ErrSessionNotFound is returned for unknown or closed session IDs.
var ErrSessionNotFound = errors.New("session not found")

// SessionManagerConfig contains configuration for the session manager.
type SessionManagerConfig struct {
	MaxSessions   int           // LRU bound; the least recently used session is closed (default 256)
	IdleTimeout   time.Duration // sessions untouched this long are closed (default 30m)
	CleanupPeriod time.Duration // default 1m
	Clock         clockwork.Clock
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// SessionManager holds server-side map views, each with an attached raster
// compositor that redraws on every viewport change.
type SessionManager struct {
	cfg      SessionManagerConfig
	sessions *lru.Cache[string, *Session]

	mu       sync.Mutex
	watching map[*RegionService]func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Session is one open map view.
type Session struct {
	ID        string
	svc       *RegionService
	view      *overlay.MapView
	comp      *overlay.Compositor
	createdAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// SessionState is the client-visible state of a session.
type SessionState struct {
	ID        string          `json:"id"`
	Region    string          `json:"region"`
	Viewport  render.Viewport `json:"viewport"`
	Param     grid.Parameter  `json:"param"`
	Hour      int             `json:"hour"`
	Position  image.Point     `json:"position"`
	Display   image.Point     `json:"display"`
	Redraws   int             `json:"redraws"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &SessionManager{
		cfg:      cfg,
		watching: make(map[*RegionService]func()),
		stopCh:   make(chan struct{}),
	}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, s *Session) {
		s.comp.Detach()
		m.cfg.Logger.Debug("session closed", "session", id, "region", s.svc.Region().ID)
	})
	if err != nil {
		return nil, fmt.Errorf("create session table: %w", err)
	}
	m.sessions = sessions
	return m, nil
}

// Start starts the idle session cleaner.
func (m *SessionManager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop stops the cleaner and closes every session.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.sessions.Purge()

		m.mu.Lock()
		for svc, cancel := range m.watching {
			cancel()
			delete(m.watching, svc)
		}
		m.mu.Unlock()
		m.updateGauge()
	})
}

func (m *SessionManager) cleaner() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.cleanup()
		}
	}
}

// cleanup closes sessions idle for longer than the idle timeout.
func (m *SessionManager) cleanup() int {
	cutoff := m.cfg.Clock.Now().Add(-m.cfg.IdleTimeout)
	closed := 0
	for _, id := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		idle := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle && m.sessions.Remove(id) {
			closed++
		}
	}
	if closed > 0 {
		m.cfg.Logger.Info("closed idle sessions", "count", closed)
		m.updateGauge()
	}
	return closed
}

// Create opens a session on svc showing vp.
func (m *SessionManager) Create(svc *RegionService, vp render.Viewport, param grid.Parameter, hour int) (SessionState, error) {
	if vp.Degenerate() {
		return SessionState{}, render.ErrDegenerateViewport
	}
	if err := svc.CheckHour(hour); err != nil {
		return SessionState{}, err
	}

	rw, rh := svc.RasterSize()
	style := svc.Style()
	view := overlay.NewMapView(vp)
	comp := overlay.New(view, overlay.Config{
		Engine:        svc.Engine(),
		RasterWidth:   rw,
		RasterHeight:  rh,
		Opacity:       style.Opacity,
		Blur:          style.Blur,
		ZIndex:        style.ZIndex,
		Logger:        m.cfg.Logger,
		ObserveRender: svc.ObserveRender,
	})
	snap, _ := svc.Snapshot()
	if err := comp.SetInputs(overlay.Inputs{Samples: snap.Samples, Param: param, Hour: hour}); err != nil {
		return SessionState{}, err
	}
	if err := comp.Attach(); err != nil {
		return SessionState{}, err
	}

	now := m.cfg.Clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		svc:       svc,
		view:      view,
		comp:      comp,
		createdAt: now,
		lastUsed:  now,
	}
	m.watch(svc)
	m.sessions.Add(s.ID, s)
	m.updateGauge()
	// A refresh between reading the snapshot and registering missed s.
	if latest, _ := svc.Snapshot(); latest.Version != snap.Version {
		if err := comp.UpdateSamples(latest.Samples); err != nil {
			m.cfg.Logger.Warn("session not updated with new snapshot", "session", s.ID, "error", err)
		}
	}
	m.cfg.Logger.Debug("session opened", "session", s.ID, "region", svc.Region().ID)
	return s.state(), nil
}

// Get returns a session's state.
func (m *SessionManager) Get(id string) (SessionState, error) {
	s, err := m.touch(id)
	if err != nil {
		return SessionState{}, err
	}
	return s.state(), nil
}

// Region returns the region service a session belongs to.
func (m *SessionManager) Region(id string) (*RegionService, error) {
	s, ok := m.sessions.Peek(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.svc, nil
}

// SetViewport pans or zooms a session's map. The overlay is repositioned and
// redrawn before this returns.
func (m *SessionManager) SetViewport(id string, vp render.Viewport) (SessionState, error) {
	if vp.Degenerate() {
		return SessionState{}, render.ErrDegenerateViewport
	}
	s, err := m.touch(id)
	if err != nil {
		return SessionState{}, err
	}
	s.view.SetViewport(vp)
	return s.state(), nil
}

// SetInputs changes the parameter and hour a session displays. The session
// keeps whatever samples the last refresh pushed to it.
func (m *SessionManager) SetInputs(id string, param grid.Parameter, hour int) (SessionState, error) {
	s, err := m.touch(id)
	if err != nil {
		return SessionState{}, err
	}
	if err := s.svc.CheckHour(hour); err != nil {
		return SessionState{}, err
	}
	if err := s.comp.UpdateSelection(param, hour); err != nil {
		return SessionState{}, err
	}
	return s.state(), nil
}

// Image flattens the session's map view to a PNG of its viewport size.
func (m *SessionManager) Image(id string, enc *render.Encoder) ([]byte, error) {
	s, err := m.touch(id)
	if err != nil {
		return nil, err
	}
	return enc.Encode(s.view.Render())
}

// Close detaches and forgets a session.
func (m *SessionManager) Close(id string) error {
	if !m.sessions.Remove(id) {
		return ErrSessionNotFound
	}
	m.updateGauge()
	return nil
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	return m.sessions.Len()
}

func (m *SessionManager) touch(id string) (*Session, error) {
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	s.lastUsed = m.cfg.Clock.Now()
	s.mu.Unlock()
	return s, nil
}

// watch pushes every new snapshot of svc to its open sessions.
func (m *SessionManager) watch(svc *RegionService) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watching[svc]; ok {
		return
	}
	m.watching[svc] = svc.Subscribe(func(snap store.Snapshot) {
		m.push(svc, snap.Samples)
	})
}

func (m *SessionManager) push(svc *RegionService, samples []grid.Sample) {
	for _, id := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(id)
		if !ok || s.svc != svc {
			continue
		}
		if err := s.comp.UpdateSamples(samples); err != nil {
			m.cfg.Logger.Warn("session not updated with new snapshot", "session", id, "error", err)
		}
	}
}

func (m *SessionManager) updateGauge() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Set(float64(m.sessions.Len()))
	}
}

func (s *Session) state() SessionState {
	in, _ := s.comp.Inputs()
	st := SessionState{
		ID:        s.ID,
		Region:    s.svc.Region().ID,
		Viewport:  s.view.Viewport(),
		Param:     in.Param,
		Hour:      in.Hour,
		Redraws:   s.comp.Redraws(),
		CreatedAt: s.createdAt,
	}
	if surface := s.comp.Surface(); surface != nil {
		st.Position = surface.Position()
		st.Display = surface.DisplaySize()
	}
	return st
}
