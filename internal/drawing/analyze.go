// Package drawing scores hand-drawn spiral and wave tests: pixel statistics of
// the stroke, a frequency-domain tremor heatmap and a radial power profile.
package drawing

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/transform"
)

// Description accompanies every analysis in API responses.
const Description = "Pixel-level metrics + soft Grad-CAM-like tremor overlay"

const (
	bandLow        = 0.02
	bandHigh       = 0.1
	blurSize       = 45
	highFreqRadius = 10
	imageWeight    = 0.7
	waveAspect     = 2
)

// Shape types.
const (
	Spiral = "spiral"
	Wave   = "wave"
)

// Metrics are rounded to four decimals.
type Metrics struct {
	StrokeMean    float64 `json:"stroke_mean"`
	StrokeStd     float64 `json:"stroke_std"`
	LocalContrast float64 `json:"local_contrast"`
	Entropy       float64 `json:"entropy"`
	GLCMContrast  float64 `json:"glcm_contrast"`
	HighFreqPower float64 `json:"high_freq_power"`
}

// Analysis is the result of Analyze with the paths of the written artifacts.
type Analysis struct {
	Metrics    Metrics
	ShapeType  string
	Radial     []float64
	TremorPath string
	FFTPath    string
	RadialPath string
}

// Analyze reads the drawing at path and writes three PNGs under prefix:
// <prefix>_tremor_camstyle.png, <prefix>_fft.png and <prefix>_fft_radial.png.
// name is the original filename, used for the shape hint; it defaults to the
// base of path.
func Analyze(path, name, prefix string) (*Analysis, error) {
	img, err := transform.Open(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	gray, err := imgproc.MedianBlur3(imgproc.Luma(img))
	if err != nil {
		return nil, fmt.Errorf("median blur: %w", err)
	}
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 4 || h < 4 {
		return nil, fmt.Errorf("%w: drawing is %dx%d", imgproc.ErrDegenerate, w, h)
	}
	thresh, err := imgproc.Otsu(gray)
	if err != nil {
		return nil, err
	}

	mask := make([]bool, w*h)
	var stroke, all []float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := gray.Pix[y*gray.Stride+x]
			all = append(all, float64(v))
			if v > thresh {
				mask[y*w+x] = true
				stroke = append(stroke, float64(v))
			}
		}
	}
	if len(stroke) == 0 {
		return nil, fmt.Errorf("%w: no foreground after thresholding", imgproc.ErrDegenerate)
	}

	a := &Analysis{
		TremorPath: prefix + "_tremor_camstyle.png",
		FFTPath:    prefix + "_fft.png",
		RadialPath: prefix + "_fft_radial.png",
	}
	a.Metrics.StrokeMean, a.Metrics.StrokeStd = stat.PopMeanStdDev(stroke, nil)
	_, a.Metrics.LocalContrast = stat.PopMeanStdDev(all, nil)
	a.Metrics.Entropy = binaryEntropy(mask)
	a.Metrics.GLCMContrast = glcmContrast(mask, w, h)

	spec := fft2(imgproc.FromGray(gray))

	tremor := spec.bandPass(bandLow, bandHigh).inverse().Normalize()
	heat, err := imgproc.GaussianBlur(tremor, blurSize, imgproc.GaussianSigma(blurSize))
	if err != nil {
		return nil, fmt.Errorf("blur tremor map: %w", err)
	}
	heat.Normalize()
	if err := imaging.Save(overlay(gray, heat), a.TremorPath); err != nil {
		return nil, fmt.Errorf("save tremor overlay: %w", err)
	}

	crop := min(w, h) / 4
	logSpec := spec.logCrop(crop)
	a.Radial = radialMean(logSpec, crop)
	total, high := 0.0, 0.0
	for r, v := range a.Radial {
		total += v
		if r > highFreqRadius {
			high += v
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: empty spectrum", imgproc.ErrDegenerate)
	}
	a.Metrics.HighFreqPower = high / total

	if err := saveSpectrum(logSpec, crop, a.FFTPath); err != nil {
		return nil, err
	}
	if err := saveRadial(a.Radial, a.RadialPath); err != nil {
		return nil, err
	}

	if a.ShapeType, err = shapeType(name, mask, w, h); err != nil {
		return nil, err
	}
	a.Metrics = a.Metrics.rounded()
	return a, nil
}

func (m Metrics) rounded() Metrics {
	return Metrics{
		StrokeMean:    round4(m.StrokeMean),
		StrokeStd:     round4(m.StrokeStd),
		LocalContrast: round4(m.LocalContrast),
		Entropy:       round4(m.Entropy),
		GLCMContrast:  round4(m.GLCMContrast),
		HighFreqPower: round4(m.HighFreqPower),
	}
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// binaryEntropy is the base-2 Shannon entropy of the two-level histogram.
func binaryEntropy(mask []bool) float64 {
	on := 0
	for _, v := range mask {
		if v {
			on++
		}
	}
	e := 0.0
	for _, c := range []int{on, len(mask) - on} {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(len(mask))
		e -= p * math.Log2(p)
	}
	return e
}

// glcmContrast is the contrast of the symmetric, normalised co-occurrence
// matrix at distance 1, angle 0 of the 0/255 binary image.
func glcmContrast(mask []bool, w, h int) float64 {
	if w < 2 {
		return 0
	}
	diff := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w-1; x++ {
			if mask[y*w+x] != mask[y*w+x+1] {
				diff++
			}
		}
	}
	return 255 * 255 * float64(diff) / float64(h*(w-1))
}

// shapeType trusts a "wave"/"spiral" filename prefix, else calls drawings
// whose contours span a wide box waves.
func shapeType(name string, mask []bool, w, h int) (string, error) {
	name = strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasPrefix(name, Wave):
		return Wave, nil
	case strings.HasPrefix(name, Spiral):
		return Spiral, nil
	}
	cs, err := imgproc.Contours(mask, w, h)
	if err != nil {
		return "", fmt.Errorf("find contours: %w", err)
	}
	box, ok := imgproc.Extent(cs)
	if !ok {
		return Spiral, nil
	}
	dx := float64(box.MaxX - box.MinX)
	dy := float64(box.MaxY - box.MinY)
	if dx/(dy+1e-5) > waveAspect {
		return Wave, nil
	}
	return Spiral, nil
}

// overlay blends the JET rendering of heat over the gray drawing.
func overlay(gray *image.Gray, heat *imgproc.Map) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, heat.W, heat.H))
	for y := 0; y < heat.H; y++ {
		for x := 0; x < heat.W; x++ {
			g := float64(gray.Pix[y*gray.Stride+x])
			q := float64(uint8(heat.Pix[y*heat.W+x]*255)) / 255
			c := imgproc.Jet(q)
			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(g, c.R),
				G: blend(g, c.G),
				B: blend(g, c.B),
				A: 255,
			})
		}
	}
	return out
}

func blend(g float64, c uint8) uint8 {
	v := math.Round(imageWeight*g + (1-imageWeight)*float64(c))
	if v > 255 {
		return 255
	}
	return uint8(v)
}
