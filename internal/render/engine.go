// Package render turns sparse grid samples into colored rasters.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/airgrid/server/internal/grid"
)

// DefaultAlpha is the per-pixel alpha written for every cell.
const DefaultAlpha = 200

// Config contains engine configuration.
type Config struct {
	Palette Palette
	Alpha   uint8
}

// Engine interpolates scalar samples into RGBA rasters. It holds no
// per-render state and is safe for concurrent use.
type Engine struct {
	palette Palette
	alpha   uint8
}

// NewEngine creates an engine. The palette must cover every parameter.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Palette.Validate(); err != nil {
		return nil, err
	}
	alpha := cfg.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	return &Engine{palette: cfg.Palette, alpha: alpha}, nil
}

// Palette returns the engine's color scales.
func (e *Engine) Palette() Palette {
	return e.palette
}

// ColorFor returns the opaque color of v for param.
func (e *Engine) ColorFor(v float64, param grid.Parameter) color.RGBA {
	return e.palette.ColorFor(v, param)
}

// Render allocates an outW×outH raster and fills it. See RenderInto.
func (e *Engine) Render(samples []grid.ScalarSample, vp Viewport, outW, outH int, param grid.Parameter) (*image.NRGBA, error) {
	if outW <= 0 || outH <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidRaster, outW, outH)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	if err := e.RenderInto(dst, samples, vp, param); err != nil {
		return nil, err
	}
	return dst, nil
}

// RenderInto overwrites every pixel of dst with the interpolated color of
// the samples over vp. Pixels are straight (non-premultiplied) RGBA with a
// constant alpha. On error dst is left untouched.
func (e *Engine) RenderInto(dst *image.NRGBA, samples []grid.ScalarSample, vp Viewport, param grid.Parameter) error {
	b := dst.Bounds()
	outW, outH := b.Dx(), b.Dy()

	points, err := Project(samples, vp, outW, outH)
	if err != nil {
		return err
	}

	field := Field(points, outW, outH)
	for py := 0; py < outH; py++ {
		for px := 0; px < outW; px++ {
			c := e.palette.ColorFor(field[py*outW+px], param)
			i := dst.PixOffset(b.Min.X+px, b.Min.Y+py)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = e.alpha
		}
	}
	return nil
}
