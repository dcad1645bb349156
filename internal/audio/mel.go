package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

const (
	NFFT  = 2048
	Hop   = 512
	NMels = 128
	topDB = 80.0
	amin  = 1e-10
)

// Spectrogram is a mel power spectrogram, Bands rows by Frames columns.
type Spectrogram struct {
	Bands, Frames int
	Power         [][]float64
}

// STFTPower computes |STFT|^2 with a periodic Hann window, centred frames and
// zero padding. The result is indexed [bin][frame].
func STFTPower(y []float64) [][]float64 {
	pad := NFFT / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)
	frames := 1 + (len(padded)-NFFT)/Hop

	window := make([]float64, NFFT)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(NFFT))
	}

	bins := NFFT/2 + 1
	out := make([][]float64, bins)
	for b := range out {
		out[b] = make([]float64, frames)
	}

	fft := fourier.NewFFT(NFFT)
	seq := make([]float64, NFFT)
	coeff := make([]complex128, bins)
	for f := 0; f < frames; f++ {
		start := f * Hop
		for i := range seq {
			seq[i] = padded[start+i] * window[i]
		}
		coeff = fft.Coefficients(coeff, seq)
		for b, c := range coeff {
			a := cmplx.Abs(c)
			out[b][f] = a * a
		}
	}
	return out
}

// hzToMel and melToHz use the Slaney scale: linear below 1 kHz, logarithmic
// above.
func hzToMel(f float64) float64 {
	const fsp = 200.0 / 3
	if f < 1000 {
		return f / fsp
	}
	return 1000/fsp + math.Log(f/1000)/(math.Log(6.4)/27)
}

func melToHz(m float64) float64 {
	const fsp = 200.0 / 3
	minLogMel := 1000 / fsp
	if m < minLogMel {
		return m * fsp
	}
	return 1000 * math.Exp((math.Log(6.4)/27)*(m-minLogMel))
}

// MelFrequencies returns n centre frequencies evenly spaced on the mel scale
// between fmin and fmax.
func MelFrequencies(n int, fmin, fmax float64) []float64 {
	lo, hi := hzToMel(fmin), hzToMel(fmax)
	out := make([]float64, n)
	for i := range out {
		m := lo
		if n > 1 {
			m = lo + (hi-lo)*float64(i)/float64(n-1)
		}
		out[i] = melToHz(m)
	}
	return out
}

// MelFilterBank builds Slaney-normalised triangular filters, [band][bin].
func MelFilterBank(sr, nfft, nmels int) [][]float64 {
	bins := nfft/2 + 1
	fftFreqs := make([]float64, bins)
	for i := range fftFreqs {
		fftFreqs[i] = float64(i) * float64(sr) / float64(nfft)
	}
	edges := MelFrequencies(nmels+2, 0, float64(sr)/2)

	bank := make([][]float64, nmels)
	for m := range bank {
		bank[m] = make([]float64, bins)
		lower, centre, upper := edges[m], edges[m+1], edges[m+2]
		enorm := 2 / (upper - lower)
		for k, f := range fftFreqs {
			l := (f - lower) / (centre - lower)
			u := (upper - f) / (upper - centre)
			w := math.Min(l, u)
			if w > 0 {
				bank[m][k] = w * enorm
			}
		}
	}
	return bank
}

// Mel projects an STFT power spectrogram onto the mel filter bank.
func Mel(power [][]float64) Spectrogram {
	bank := MelFilterBank(SampleRate, NFFT, NMels)
	frames := len(power[0])
	out := Spectrogram{Bands: NMels, Frames: frames, Power: make([][]float64, NMels)}
	for m, filt := range bank {
		row := make([]float64, frames)
		for k, w := range filt {
			if w == 0 {
				continue
			}
			for f, p := range power[k] {
				row[f] += w * p
			}
		}
		out.Power[m] = row
	}
	return out
}

// DB converts power to decibels relative to the maximum, clipped to topDB
// below the peak.
func (s Spectrogram) DB() [][]float64 {
	ref := amin
	for _, row := range s.Power {
		for _, v := range row {
			if v > ref {
				ref = v
			}
		}
	}
	refDB := 10 * math.Log10(ref)
	out := make([][]float64, s.Bands)
	peak := math.Inf(-1)
	for m, row := range s.Power {
		out[m] = make([]float64, len(row))
		for f, v := range row {
			db := 10*math.Log10(math.Max(amin, v)) - refDB
			out[m][f] = db
			if db > peak {
				peak = db
			}
		}
	}
	floor := peak - topDB
	for _, row := range out {
		for f, v := range row {
			if v < floor {
				row[f] = floor
			}
		}
	}
	return out
}

// Standardise rescales to zero mean and unit population variance. A constant
// input maps to zeros.
func Standardise(x [][]float64) [][]float64 {
	flat := make([]float64, 0, len(x)*len(x[0]))
	for _, row := range x {
		flat = append(flat, row...)
	}
	mean, std := stat.PopMeanStdDev(flat, nil)
	out := make([][]float64, len(x))
	for m, row := range x {
		out[m] = make([]float64, len(row))
		for f, v := range row {
			if std > 0 {
				out[m][f] = (v - mean) / std
			}
		}
	}
	return out
}

// FrameTimes returns the start time in seconds of each frame.
func FrameTimes(frames int) []float64 {
	out := make([]float64, frames)
	for i := range out {
		out[i] = float64(i*Hop) / SampleRate
	}
	return out
}

// FitLength truncates to n or pads by repeating the last value.
func FitLength(x []float64, n int) []float64 {
	out := make([]float64, n)
	if len(x) == 0 {
		return out
	}
	k := copy(out, x)
	for i := k; i < n; i++ {
		out[i] = x[len(x)-1]
	}
	return out
}
