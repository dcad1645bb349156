package audio

import (
	"github.com/neurolens/neurolens/internal/tensor"
)

// Features is everything derived from one recording.
type Features struct {
	Samples     []float64
	Mel         [][]float64 // standardised dB, [band][frame]
	Freqs       []float64
	Times       []float64
	Energy      []float64
	Pitch       []float64
	EnergyStats EnergyStats
	PitchStats  PitchStats
}

// Analyze decodes a WAV file and derives model inputs and prosody features.
func Analyze(path string) (*Features, error) {
	y, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return FromSamples(y), nil
}

// FromSamples derives features from samples already at SampleRate and
// SegmentLen.
func FromSamples(y []float64) *Features {
	mel := Mel(STFTPower(y))
	energy := FitLength(EnergyContour(mel), ContourLen)
	pitch := FitLength(PitchContour(y, ContourLen), ContourLen)
	return &Features{
		Samples:     y,
		Mel:         Standardise(mel.DB()),
		Freqs:       MelFrequencies(NMels, 0, SampleRate/2),
		Times:       FitLength(FrameTimes(mel.Frames), ContourLen),
		Energy:      energy,
		Pitch:       pitch,
		EnergyStats: Energy(energy),
		PitchStats:  Pitch(pitch),
	}
}

// Inputs returns the "audio" [1,N] and "mel" [1,bands,frames] tensors.
func (f *Features) Inputs() []tensor.Tensor {
	wave := tensor.Zeros(1, int64(len(f.Samples)))
	for i, v := range f.Samples {
		wave.Data[i] = float32(v)
	}
	bands, frames := len(f.Mel), 0
	if bands > 0 {
		frames = len(f.Mel[0])
	}
	mel := tensor.Zeros(1, int64(bands), int64(frames))
	for m, row := range f.Mel {
		for t, v := range row {
			mel.Data[m*frames+t] = float32(v)
		}
	}
	return []tensor.Tensor{wave, mel}
}

// MelShape is [1, bands, frames], as reported to clients.
func (f *Features) MelShape() []int {
	frames := 0
	if len(f.Mel) > 0 {
		frames = len(f.Mel[0])
	}
	return []int{1, len(f.Mel), frames}
}
