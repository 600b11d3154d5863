package overlay

import (
	"image"
	"math"
	"sort"
	"sync"

	"github.com/fogleman/gg"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

// MapView is an in-process Host. Layer pixels are measured from the
// north-west corner of the first viewport, at the current viewport's scale.
type MapView struct {
	mu       sync.Mutex
	viewport render.Viewport
	origin   grid.Coordinate
	pane     *layerPane
	handlers map[int]ViewportHandler
	nextID   int
}

// NewMapView creates a host showing vp.
func NewMapView(vp render.Viewport) *MapView {
	return &MapView{
		viewport: vp,
		origin:   vp.NorthWest,
		pane:     &layerPane{},
		handlers: make(map[int]ViewportHandler),
	}
}

func (m *MapView) Viewport() render.Viewport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewport
}

func (m *MapView) OverlayPane() Pane { return m.pane }

func (m *MapView) LayerPoint(c grid.Coordinate) image.Point {
	m.mu.Lock()
	vp := m.viewport
	m.mu.Unlock()
	return m.layerPoint(vp, c)
}

func (m *MapView) layerPoint(vp render.Viewport, c grid.Coordinate) image.Point {
	if vp.Degenerate() {
		return image.Point{}
	}
	pxPerLon := float64(vp.Width) / (vp.East() - vp.West())
	pxPerLat := float64(vp.Height) / (vp.North() - vp.South())
	return image.Pt(
		int(math.Round((c.Lon-m.origin.Lon)*pxPerLon)),
		int(math.Round((m.origin.Lat-c.Lat)*pxPerLat)),
	)
}

// OnViewportChange registers h. Handlers run synchronously on SetViewport.
func (m *MapView) OnViewportChange(h ViewportHandler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	return &mapSubscription{view: m, id: id}
}

// SetViewport moves the map and notifies subscribers, as at the end of a
// pan or zoom.
func (m *MapView) SetViewport(vp render.Viewport) {
	m.mu.Lock()
	m.viewport = vp
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]ViewportHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(vp)
	}
}

// Subscribers returns the number of live viewport subscriptions.
func (m *MapView) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Surfaces returns the surfaces currently in the overlay pane.
func (m *MapView) Surfaces() []*Surface {
	return m.pane.list()
}

// Render flattens every surface onto a transparent canvas the size of the
// current viewport, lowest z-index first.
func (m *MapView) Render() image.Image {
	m.mu.Lock()
	vp := m.viewport
	m.mu.Unlock()

	dc := gg.NewContext(max(vp.Width, 1), max(vp.Height, 1))
	offset := m.layerPoint(vp, vp.NorthWest)

	surfaces := m.pane.list()
	sort.SliceStable(surfaces, func(i, j int) bool {
		return surfaces[i].ZIndex() < surfaces[j].ZIndex()
	})
	for _, s := range surfaces {
		pos := s.Position()
		dc.DrawImage(s.Composite(), pos.X-offset.X, pos.Y-offset.Y)
	}
	return dc.Image()
}

func (m *MapView) unsubscribe(id int) {
	m.mu.Lock()
	delete(m.handlers, id)
	m.mu.Unlock()
}

type mapSubscription struct {
	view *MapView
	id   int
	once sync.Once
}

func (s *mapSubscription) Cancel() {
	s.once.Do(func() { s.view.unsubscribe(s.id) })
}

type layerPane struct {
	mu       sync.Mutex
	surfaces []*Surface
}

func (p *layerPane) Append(s *Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.surfaces {
		if existing == s {
			return
		}
	}
	p.surfaces = append(p.surfaces, s)
}

func (p *layerPane) Remove(s *Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.surfaces {
		if existing == s {
			p.surfaces = append(p.surfaces[:i], p.surfaces[i+1:]...)
			return
		}
	}
}

func (p *layerPane) Contains(s *Surface) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.surfaces {
		if existing == s {
			return true
		}
	}
	return false
}

func (p *layerPane) list() []*Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Surface, len(p.surfaces))
	copy(out, p.surfaces)
	return out
}
