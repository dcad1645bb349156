package drawing

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/neurolens/neurolens/internal/imgproc"
)

// spectrum is a centred (fft-shifted) 2D transform.
type spectrum struct {
	w, h int
	c    []complex128
}

// fft2 transforms m with row then column passes and shifts the zero
// frequency to (h/2, w/2).
func fft2(m *imgproc.Map) *spectrum {
	w, h := m.W, m.H
	data := make([]complex128, w*h)
	for i, v := range m.Pix {
		data[i] = complex(v, 0)
	}
	passes(data, w, h, func(t *fourier.CmplxFFT, dst, src []complex128) { t.Coefficients(dst, src) })
	return &spectrum{w: w, h: h, c: shift(data, w, h, false)}
}

// inverse undoes the shift and returns the magnitude of the inverse transform.
func (s *spectrum) inverse() *imgproc.Map {
	data := shift(s.c, s.w, s.h, true)
	passes(data, s.w, s.h, func(t *fourier.CmplxFFT, dst, src []complex128) { t.Sequence(dst, src) })
	n := float64(s.w * s.h)
	out := imgproc.NewMap(s.w, s.h)
	for i, v := range data {
		out.Pix[i] = cmplx.Abs(v) / n
	}
	return out
}

func passes(data []complex128, w, h int, run func(t *fourier.CmplxFFT, dst, src []complex128)) {
	rows := fourier.NewCmplxFFT(w)
	in := make([]complex128, w)
	out := make([]complex128, w)
	for y := 0; y < h; y++ {
		copy(in, data[y*w:(y+1)*w])
		run(rows, out, in)
		copy(data[y*w:(y+1)*w], out)
	}
	cols := fourier.NewCmplxFFT(h)
	in = make([]complex128, h)
	out = make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			in[y] = data[y*w+x]
		}
		run(cols, out, in)
		for y := 0; y < h; y++ {
			data[y*w+x] = out[y]
		}
	}
}

// shift moves index 0 to (h/2, w/2); back reverses it for odd sizes too.
func shift(data []complex128, w, h int, back bool) []complex128 {
	out := make([]complex128, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sy, sx := (y+h/2)%h, (x+w/2)%w
			if back {
				out[y*w+x] = data[sy*w+sx]
				continue
			}
			out[sy*w+sx] = data[y*w+x]
		}
	}
	return out
}

// bandPass keeps the annulus rMin <= r <= rMax around the centre, with radii
// derived from the row centre.
func (s *spectrum) bandPass(lo, hi float64) *spectrum {
	crow, ccol := s.h/2, s.w/2
	rMin, rMax := float64(int(lo*float64(crow))), float64(int(hi*float64(crow)))
	out := &spectrum{w: s.w, h: s.h, c: make([]complex128, len(s.c))}
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			d := math.Hypot(float64(y-crow), float64(x-ccol))
			if d >= rMin && d <= rMax {
				out.c[y*s.w+x] = s.c[y*s.w+x]
			}
		}
	}
	return out
}

// logCrop returns log1p|F| over the centred square of half-size crop.
func (s *spectrum) logCrop(crop int) *imgproc.Map {
	crow, ccol := s.h/2, s.w/2
	out := imgproc.NewMap(2*crop, 2*crop)
	for y := 0; y < 2*crop; y++ {
		for x := 0; x < 2*crop; x++ {
			v := s.c[(crow-crop+y)*s.w+(ccol-crop+x)]
			out.Pix[y*out.W+x] = math.Log1p(cmplx.Abs(v))
		}
	}
	return out
}

// radialMean averages m over rings of integer radius 0..n-1 around (n, n),
// with radii rounded half to even. Empty rings are zero.
func radialMean(m *imgproc.Map, n int) []float64 {
	sum := make([]float64, n)
	count := make([]int, n)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			r := int(math.RoundToEven(math.Hypot(float64(x-n), float64(y-n))))
			if r < n {
				sum[r] += m.Pix[y*m.W+x]
				count[r]++
			}
		}
	}
	for r := range sum {
		if count[r] > 0 {
			sum[r] /= float64(count[r])
		}
	}
	return sum
}
