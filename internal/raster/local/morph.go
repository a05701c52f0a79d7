package local

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/convolution"

	"github.com/banshee-data/cloudmask/internal/raster"
)

// FocalMin implements raster.Algebra. The neighbourhood is a disk of the
// given radius in pixels. Binary bands are convolved with a disk kernel;
// any other band goes through the float kernel so values keep full
// precision.
func (e *Engine) FocalMin(img raster.Image, radius float64) (raster.Image, error) {
	return e.focal("FocalMin", img, radius, e.erodeDisk, math.Min)
}

// FocalMax implements raster.Algebra.
func (e *Engine) FocalMax(img raster.Image, radius float64) (raster.Image, error) {
	return e.focal("FocalMax", img, radius, e.dilateDisk, math.Max)
}

type morphFunc func(px []float64, radius float64) []float64

func (e *Engine) focal(op string, img raster.Image, radius float64, morph morphFunc, pick func(a, b float64) float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(op); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	if radius < 0 {
		return raster.Image{}, invalid("%s: negative radius %v", op, radius)
	}

	out := make(map[string][]float64, len(n.meta.Bands))
	for _, b := range n.meta.Bands {
		src := zeroMasked(n.bands[b])
		switch {
		case radius == 0:
			out[b] = src
		case isBinary(src):
			out[b] = morph(src, radius)
		default:
			out[b] = e.diskFilter(src, radius, pick)
		}
	}
	return e.put(op, n.meta, n.meta.Bands, out), nil
}

// diskKernel weights every offset within radius by 1.
func diskKernel(radius float64) *convolution.Kernel {
	r := int(math.Floor(radius))
	side := 2*r + 1
	k := convolution.NewKernel(side, side)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) <= radius*radius {
				k.Matrix[(dy+r)*side+dx+r] = 1
			}
		}
	}
	return k
}

// dilateDisk sets a pixel when any pixel of its disk is set. Convolution
// sums saturate at 255, so one set neighbour is enough. Edge extension
// only repeats pixels already inside the disk.
func (e *Engine) dilateDisk(px []float64, radius float64) []float64 {
	return e.fromGray(convolution.Convolve(e.toGray(px), diskKernel(radius), &convolution.Options{KeepAlpha: true}))
}

// erodeDisk is the dual of dilateDisk on the complement.
func (e *Engine) erodeDisk(px []float64, radius float64) []float64 {
	return invert(e.dilateDisk(invert(px), radius))
}

func invert(px []float64) []float64 {
	out := make([]float64, len(px))
	for i, v := range px {
		out[i] = 1 - v
	}
	return out
}

func zeroMasked(src []float64) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		if !math.IsNaN(v) {
			dst[i] = v
		}
	}
	return dst
}

func isBinary(px []float64) bool {
	for _, v := range px {
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}

func (e *Engine) toGray(px []float64) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, e.grid.Width, e.grid.Height))
	for i, v := range px {
		if v != 0 {
			g.SetGray(i%e.grid.Width, i/e.grid.Width, color.Gray{Y: 255})
		}
	}
	return g
}

func (e *Engine) fromGray(img *image.RGBA) []float64 {
	px := make([]float64, e.grid.Len())
	b := img.Bounds()
	for i := range px {
		x, y := b.Min.X+i%e.grid.Width, b.Min.Y+i/e.grid.Width
		if img.RGBAAt(x, y).R >= 128 {
			px[i] = 1
		}
	}
	return px
}

// diskFilter reduces each pixel's disk neighbourhood with pick. Pixels
// beyond the grid edge are not part of the neighbourhood.
func (e *Engine) diskFilter(src []float64, radius float64, pick func(a, b float64) float64) []float64 {
	w, h := e.grid.Width, e.grid.Height
	r := int(math.Floor(radius))
	dst := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := src[y*w+x]
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					if float64(dx*dx+dy*dy) > radius*radius {
						continue
					}
					xx, yy := x+dx, y+dy
					if xx < 0 || yy < 0 || xx >= w || yy >= h {
						continue
					}
					acc = pick(acc, src[yy*w+xx])
				}
			}
			dst[y*w+x] = acc
		}
	}
	return dst
}
