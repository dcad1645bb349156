package audio

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

type melGrid struct {
	mel   [][]float64
	freqs []float64
}

func (g melGrid) Dims() (c, r int) { return len(g.mel[0]), len(g.mel) }
func (g melGrid) Z(c, r int) float64 { return g.mel[r][c] }
func (g melGrid) X(c int) float64   { return float64(c*Hop) / SampleRate }
func (g melGrid) Y(r int) float64   { return g.freqs[r] }

// SaveSpectrogram renders the standardised mel spectrogram as a PNG heat map.
func SaveSpectrogram(f *Features, path string) error {
	if len(f.Mel) == 0 || len(f.Mel[0]) == 0 {
		return fmt.Errorf("save spectrogram: empty mel")
	}
	p := plot.New()
	p.Title.Text = "Mel Spectrogram"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Hz"
	p.Add(plotter.NewHeatMap(melGrid{mel: f.Mel, freqs: f.Freqs}, palette.Heat(64, 1)))
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save spectrogram: %w", err)
	}
	return nil
}
