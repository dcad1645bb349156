// Package imgproc implements the small set of float-precision image
// operations shared by the attribution engine and the drawing analyzer.
package imgproc

import (
	"errors"
	"image"
	"image/color"
	"math"
)

// ErrDegenerate marks numeric input that cannot be processed (empty, flat or
// non-finite). Callers skip the item instead of zero-filling it.
var ErrDegenerate = errors.New("degenerate numeric input")

// Map is a row-major single-channel float64 image.
type Map struct {
	W, H int
	Pix  []float64
}

// NewMap allocates a zero map.
func NewMap(w, h int) *Map {
	return &Map{W: w, H: h, Pix: make([]float64, w*h)}
}

// FromFloat32 copies a float32 plane into a map.
func FromFloat32(w, h int, plane []float32) *Map {
	m := NewMap(w, h)
	for i, v := range plane[:w*h] {
		m.Pix[i] = float64(v)
	}
	return m
}

// FromGray converts an 8-bit gray image into a map with values in [0,255].
func FromGray(g *image.Gray) *Map {
	b := g.Bounds()
	m := NewMap(b.Dx(), b.Dy())
	for y := 0; y < m.H; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+m.W]
		for x, v := range row {
			m.Pix[y*m.W+x] = float64(v)
		}
	}
	return m
}

func (m *Map) At(x, y int) float64     { return m.Pix[y*m.W+x] }
func (m *Map) Set(x, y int, v float64) { m.Pix[y*m.W+x] = v }

// Clone deep-copies the map.
func (m *Map) Clone() *Map {
	return &Map{W: m.W, H: m.H, Pix: append([]float64(nil), m.Pix...)}
}

// MinMax returns the smallest and largest values.
func (m *Map) MinMax() (lo, hi float64) {
	if len(m.Pix) == 0 {
		return 0, 0
	}
	lo, hi = m.Pix[0], m.Pix[0]
	for _, v := range m.Pix[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Sum adds every pixel.
func (m *Map) Sum() float64 {
	s := 0.0
	for _, v := range m.Pix {
		s += v
	}
	return s
}

// Relu clamps negative values to zero in place.
func (m *Map) Relu() *Map {
	for i, v := range m.Pix {
		if v < 0 {
			m.Pix[i] = 0
		}
	}
	return m
}

// Normalize rescales in place to [0,1]. A flat map becomes all zeros.
func (m *Map) Normalize() *Map {
	lo, hi := m.MinMax()
	span := hi - lo
	for i, v := range m.Pix {
		if span <= 0 {
			m.Pix[i] = 0
			continue
		}
		m.Pix[i] = (v - lo) / span
	}
	return m
}

// Sub returns the rectangle [x0,x1)×[y0,y1) as a new map.
func (m *Map) Sub(x0, y0, x1, y1 int) *Map {
	out := NewMap(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.W:(y-y0+1)*out.W], m.Pix[y*m.W+x0:y*m.W+x1])
	}
	return out
}

// Finite reports whether every value is finite.
func (m *Map) Finite() bool {
	for _, v := range m.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Luma converts any image to 8-bit gray with the ITU-R 601-2 weights used by
// PIL's "L" mode, so tensors match what the models were fitted on.
func Luma(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r8, g8, b8 := r>>8, g>>8, bl>>8
			l := (r8*19595 + g8*38470 + b8*7471 + 0x8000) >> 16
			out.Pix[y*out.Stride+x] = uint8(l)
		}
	}
	return out
}

// ToGray8 quantises a [0,1] map to an 8-bit gray image.
func (m *Map) ToGray8() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.W, m.H))
	for i, v := range m.Pix {
		out.Pix[i] = clamp8(v * 255)
	}
	return out
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Jet maps v in [0,1] to the classic JET colormap.
func Jet(v float64) color.NRGBA {
	ch := func(x float64) uint8 {
		x = 1.5 - math.Abs(x)
		if x < 0 {
			x = 0
		}
		if x > 1 {
			x = 1
		}
		return uint8(math.Round(x * 255))
	}
	return color.NRGBA{
		R: ch(4*v - 3),
		G: ch(4*v - 2),
		B: ch(4*v - 1),
		A: 255,
	}
}
