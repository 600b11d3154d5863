package overlay

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// SurfaceOptions configures a new surface.
type SurfaceOptions struct {
	Width   int     // internal raster width
	Height  int     // internal raster height
	Opacity float64 // global opacity applied on top of per-pixel alpha
	ZIndex  int
}

// Surface is a fixed-resolution raster displayed at an arbitrary position
// and size. It never receives pointer events.
type Surface struct {
	mu      sync.RWMutex
	buf     *image.NRGBA
	origin  image.Point // layer pixel position of the top-left corner
	size    image.Point // displayed size in pixels
	opacity float64
	blur    float64 // post-process radius in display pixels
	zIndex  int
}

func newSurface(opts SurfaceOptions) *Surface {
	return &Surface{
		buf:     image.NewNRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		size:    image.Pt(opts.Width, opts.Height),
		opacity: opts.Opacity,
		zIndex:  opts.ZIndex,
	}
}

// Resolution returns the internal raster size, fixed for the surface's life.
func (s *Surface) Resolution() image.Point {
	return s.buf.Rect.Size()
}

// Position returns the layer pixel position of the top-left corner.
func (s *Surface) Position() image.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origin
}

// DisplaySize returns the on-screen size.
func (s *Surface) DisplaySize() image.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Blur returns the post-process blur radius.
func (s *Surface) Blur() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blur
}

func (s *Surface) Opacity() float64 { return s.opacity }
func (s *Surface) ZIndex() int      { return s.zIndex }

// Interactive is always false: pointer events pass through to the map.
func (s *Surface) Interactive() bool { return false }

func (s *Surface) place(origin, size image.Point) {
	s.mu.Lock()
	s.origin = origin
	s.size = size
	s.mu.Unlock()
}

// paint runs fn with exclusive access to the raster buffer.
func (s *Surface) paint(blur float64, fn func(buf *image.NRGBA) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.buf); err != nil {
		return err
	}
	s.blur = blur
	return nil
}

// Snapshot returns a copy of the internal raster.
func (s *Surface) Snapshot() *image.NRGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewNRGBA(s.buf.Rect)
	copy(out.Pix, s.buf.Pix)
	return out
}

// Composite returns the surface as displayed: the raster stretched to the
// display size, blurred, with the global opacity folded into alpha.
func (s *Surface) Composite() *image.NRGBA {
	s.mu.RLock()
	size := s.size
	blur := s.blur
	scaled := image.NewNRGBA(image.Rect(0, 0, max(size.X, 1), max(size.Y, 1)))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), s.buf, s.buf.Bounds(), draw.Src, nil)
	s.mu.RUnlock()

	out := scaled
	if blur > 0 {
		out = imaging.Blur(scaled, blur)
	}
	if s.opacity < 1 {
		for i := 3; i < len(out.Pix); i += 4 {
			out.Pix[i] = uint8(float64(out.Pix[i])*s.opacity + 0.5)
		}
	}
	return out
}
