package drawing

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/neurolens/neurolens/internal/imgproc"
)

type spectrumGrid struct {
	m    *imgproc.Map
	crop int
}

func (g spectrumGrid) Dims() (c, r int) { return g.m.W, g.m.H }
func (g spectrumGrid) Z(c, r int) float64 {
	// plot rows grow upwards, image rows downwards
	return g.m.At(c, g.m.H-1-r)
}
func (g spectrumGrid) X(c int) float64 { return float64(c - g.crop) }
func (g spectrumGrid) Y(r int) float64 { return float64(r - g.crop) }

func saveSpectrum(m *imgproc.Map, crop int, path string) error {
	p := plot.New()
	p.Title.Text = "FFT Spectrum"
	p.X.Label.Text = "kx"
	p.Y.Label.Text = "ky"
	p.Add(plotter.NewHeatMap(spectrumGrid{m: m, crop: crop}, palette.Heat(64, 1)))
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save fft spectrum: %w", err)
	}
	return nil
}

func saveRadial(radial []float64, path string) error {
	pts := make(plotter.XYs, len(radial))
	for r, v := range radial {
		pts[r].X = float64(r)
		pts[r].Y = v
	}
	p := plot.New()
	p.Title.Text = "Radial Power Profile (FFT)"
	p.X.Label.Text = "Radius [px]"
	p.Y.Label.Text = "Mean Log Power"
	p.Add(plotter.NewGrid())
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("radial profile: %w", err)
	}
	p.Add(line)
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save radial profile: %w", err)
	}
	return nil
}
