package overlay

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/airgrid/server/internal/grid"
	"github.com/airgrid/server/internal/render"
)

var (
	// ErrDetached is returned when a detached compositor is used again.
	ErrDetached = errors.New("compositor detached")
	// ErrNoInputs is returned when a partial update arrives before SetInputs.
	ErrNoInputs = errors.New("compositor has no inputs")
)

// Config contains compositor configuration.
type Config struct {
	Engine       *render.Engine
	RasterWidth  int     // default 100
	RasterHeight int     // default 100
	Opacity      float64 // default 0.6
	Blur         float64 // default 10
	ZIndex       int     // default 500
	Logger       *slog.Logger
	// ObserveRender, if set, receives the duration of every completed redraw.
	ObserveRender func(param grid.Parameter, d time.Duration)
}

func (c *Config) applyDefaults() {
	if c.RasterWidth <= 0 {
		c.RasterWidth = 100
	}
	if c.RasterHeight <= 0 {
		c.RasterHeight = 100
	}
	if c.Opacity <= 0 || c.Opacity > 1 {
		c.Opacity = 0.6
	}
	if c.Blur < 0 {
		c.Blur = 0
	} else if c.Blur == 0 {
		c.Blur = 10
	}
	if c.ZIndex == 0 {
		c.ZIndex = 500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Inputs selects what the compositor draws.
type Inputs struct {
	Samples []grid.Sample
	Param   grid.Parameter
	Hour    int
}

// Compositor owns one surface on a host and keeps it rendered for the
// host's current viewport. Redraws run synchronously in the caller's
// goroutine and are serialised; there is no debounce.
type Compositor struct {
	mu  sync.Mutex
	cfg Config

	host    Host
	surface *Surface
	sub     Subscription

	inputs    Inputs
	hasInputs bool
	attached  bool
	detached  bool
	redraws   int
}

// New creates a compositor for host. Nothing is drawn until Attach.
func New(host Host, cfg Config) *Compositor {
	cfg.applyDefaults()
	return &Compositor{cfg: cfg, host: host}
}

// Attach creates the surface, inserts it into the host's overlay pane and
// subscribes to viewport changes. If inputs are already set, it draws.
func (c *Compositor) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	if c.attached {
		return nil
	}

	c.surface = newSurface(SurfaceOptions{
		Width:   c.cfg.RasterWidth,
		Height:  c.cfg.RasterHeight,
		Opacity: c.cfg.Opacity,
		ZIndex:  c.cfg.ZIndex,
	})
	c.host.OverlayPane().Append(c.surface)
	c.sub = c.host.OnViewportChange(c.handleViewportChange)
	c.attached = true

	vp := c.host.Viewport()
	c.reposition(vp)
	if c.hasInputs {
		if err := c.redraw(vp); err != nil && !errors.Is(err, render.ErrDegenerateViewport) {
			return err
		}
	}
	return nil
}

// SetInputs replaces the samples, parameter and hour and redraws for the
// host's current viewport. It fails without changing anything when the hour
// is not in every sample's series.
func (c *Compositor) SetInputs(in Inputs) error {
	if _, ok := c.engine().Palette()[in.Param]; !ok {
		return fmt.Errorf("%w: %q", grid.ErrUnknownParameter, in.Param)
	}
	if _, err := grid.Values(in.Samples, in.Param, in.Hour); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	c.inputs = in
	c.hasInputs = true
	return c.redrawIfAttached()
}

// UpdateSamples swaps in new samples, keeping the current parameter and
// hour, and redraws. The samples must cover the current hour.
func (c *Compositor) UpdateSamples(samples []grid.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	if !c.hasInputs {
		return ErrNoInputs
	}
	if _, err := grid.Values(samples, c.inputs.Param, c.inputs.Hour); err != nil {
		return err
	}
	c.inputs.Samples = samples
	return c.redrawIfAttached()
}

// UpdateSelection changes the parameter and hour, keeping the current
// samples, and redraws.
func (c *Compositor) UpdateSelection(param grid.Parameter, hour int) error {
	if _, ok := c.engine().Palette()[param]; !ok {
		return fmt.Errorf("%w: %q", grid.ErrUnknownParameter, param)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	if !c.hasInputs {
		return ErrNoInputs
	}
	if _, err := grid.Values(c.inputs.Samples, param, hour); err != nil {
		return err
	}
	c.inputs.Param = param
	c.inputs.Hour = hour
	return c.redrawIfAttached()
}

// Inputs returns the current inputs.
func (c *Compositor) Inputs() (Inputs, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs, c.hasInputs
}

// Reposition moves the surface to the viewport's north-west corner and
// stretches it to the viewport's pixel size.
func (c *Compositor) Reposition(vp render.Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		c.reposition(vp)
	}
}

// Redraw renders the current inputs for vp into the surface. A degenerate
// viewport skips the redraw and leaves the previous raster in place.
func (c *Compositor) Redraw(vp render.Viewport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return ErrDetached
	}
	return c.redraw(vp)
}

// Detach removes the surface and cancels all subscriptions. It is safe to
// call more than once, and before Attach.
func (c *Compositor) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detached = true
	if !c.attached {
		return
	}
	c.attached = false
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
	pane := c.host.OverlayPane()
	if pane.Contains(c.surface) {
		pane.Remove(c.surface)
	}
}

// Surface returns the attached surface, or nil.
func (c *Compositor) Surface() *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return nil
	}
	return c.surface
}

// Redraws counts completed redraws.
func (c *Compositor) Redraws() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redraws
}

func (c *Compositor) engine() *render.Engine {
	return c.cfg.Engine
}

// handleViewportChange ignores the event's viewport and reads the host's
// current one under c.mu, so an event delivered late never repaints a
// viewport the host has already left.
func (c *Compositor) handleViewportChange(render.Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return
	}
	vp := c.host.Viewport()
	c.reposition(vp)
	if !c.hasInputs {
		return
	}
	if err := c.redraw(vp); err != nil {
		c.cfg.Logger.Debug("overlay redraw skipped", "error", err)
	}
}

func (c *Compositor) redrawIfAttached() error {
	if !c.attached {
		return nil
	}
	return c.redraw(c.host.Viewport())
}

func (c *Compositor) reposition(vp render.Viewport) {
	c.surface.place(c.host.LayerPoint(vp.NorthWest), image.Pt(vp.Width, vp.Height))
}

func (c *Compositor) redraw(vp render.Viewport) error {
	if vp.Degenerate() {
		return render.ErrDegenerateViewport
	}
	values, err := grid.Values(c.inputs.Samples, c.inputs.Param, c.inputs.Hour)
	if err != nil {
		return fmt.Errorf("sample field: %w", err)
	}

	start := time.Now()
	err = c.surface.paint(c.cfg.Blur, func(buf *image.NRGBA) error {
		return c.engine().RenderInto(buf, values, vp, c.inputs.Param)
	})
	if err != nil {
		return err
	}
	c.redraws++
	if c.cfg.ObserveRender != nil {
		c.cfg.ObserveRender(c.inputs.Param, time.Since(start))
	}
	return nil
}
