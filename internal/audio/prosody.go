package audio

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// ContourLen is the number of frames reported for each contour.
	ContourLen = 128

	pitchMin       = 50.0
	pitchMax       = 500.0
	voicingMin     = 0.3
	pauseThreshold = 0.10
	pauseMinFrames = 2
	jumpHz         = 20.0
)

// EnergyStats summarises the loudness contour.
type EnergyStats struct {
	Pauses   int     `json:"pauses"`
	Variance float64 `json:"variance"`
}

// PitchStats summarises the f0 contour.
type PitchStats struct {
	SD    float64 `json:"sd"`
	Jumps int     `json:"jumps"`
}

// EnergyContour sums each mel frame.
func EnergyContour(s Spectrogram) []float64 {
	out := make([]float64, s.Frames)
	for _, row := range s.Power {
		for f, v := range row {
			out[f] += v
		}
	}
	return out
}

// PitchContour estimates f0 for the first frames centred frames using the
// normalised autocorrelation peak in the 50–500 Hz lag range. Unvoiced frames
// are zero.
func PitchContour(y []float64, frames int) []float64 {
	pad := NFFT / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)
	total := 1 + (len(padded)-NFFT)/Hop
	if frames > total {
		frames = total
	}

	minLag := int(math.Floor(SampleRate / pitchMax))
	maxLag := int(math.Ceil(SampleRate / pitchMin))
	out := make([]float64, frames)
	for f := 0; f < frames; f++ {
		frame := padded[f*Hop : f*Hop+NFFT]
		out[f] = framePitch(frame, minLag, maxLag)
	}
	return out
}

func framePitch(frame []float64, minLag, maxLag int) float64 {
	if maxLag >= len(frame)-1 {
		maxLag = len(frame) - 2
	}
	if minLag < 1 || maxLag <= minLag {
		return 0
	}
	r := make([]float64, maxLag+2)
	peak := 0.0
	for lag := minLag - 1; lag <= maxLag+1; lag++ {
		var xy, xx, yy float64
		for i := 0; i+lag < len(frame); i++ {
			a, b := frame[i], frame[i+lag]
			xy += a * b
			xx += a * a
			yy += b * b
		}
		if xx == 0 || yy == 0 {
			continue
		}
		r[lag] = xy / math.Sqrt(xx*yy)
		if lag >= minLag && lag <= maxLag && r[lag] > peak {
			peak = r[lag]
		}
	}
	if peak < voicingMin {
		return 0
	}
	// shortest local peak within 10% of the best
	for lag := minLag; lag <= maxLag; lag++ {
		if r[lag] >= 0.9*peak && r[lag] >= r[lag-1] && r[lag] >= r[lag+1] {
			return float64(SampleRate) / float64(lag)
		}
	}
	return 0
}

// Energy computes pause count and variance of an energy contour. A pause is a
// run of at least two frames whose min-max normalised energy is below 0.10.
func Energy(contour []float64) EnergyStats {
	if len(contour) == 0 {
		return EnergyStats{}
	}
	lo, hi := contour[0], contour[0]
	for _, v := range contour {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	pauses, run := 0, 0
	for _, v := range contour {
		if (v-lo)/(hi-lo+1e-8) < pauseThreshold {
			run++
			continue
		}
		if run >= pauseMinFrames {
			pauses++
		}
		run = 0
	}
	if run >= pauseMinFrames {
		pauses++
	}
	return EnergyStats{Pauses: pauses, Variance: stat.PopVariance(contour, nil)}
}

// Pitch computes the population standard deviation of a pitch contour and the
// number of jumps larger than 20 Hz after a 3-tap median filter.
func Pitch(contour []float64) PitchStats {
	if len(contour) == 0 {
		return PitchStats{}
	}
	smooth := median3(contour)
	jumps := 0
	for i := 1; i < len(smooth); i++ {
		if math.Abs(smooth[i]-smooth[i-1]) > jumpHz {
			jumps++
		}
	}
	return PitchStats{SD: stat.PopStdDev(contour, nil), Jumps: jumps}
}

// median3 pads with zeros at both ends.
func median3(x []float64) []float64 {
	out := make([]float64, len(x))
	var win [3]float64
	for i := range x {
		win[0], win[1], win[2] = 0, x[i], 0
		if i > 0 {
			win[0] = x[i-1]
		}
		if i+1 < len(x) {
			win[2] = x[i+1]
		}
		s := win[:]
		sort.Float64s(s)
		out[i] = s[1]
	}
	return out
}
