// Package audio turns voice recordings into the waveform and mel spectrogram
// inputs of the dual-branch audio classifier, plus the prosody summary shown
// next to the prediction.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

const (
	SampleRate = 16000
	SegmentLen = 160000
)

var (
	// ErrDecode is returned when the file is not a readable PCM WAV.
	ErrDecode = errors.New("audio decode failed")
	// ErrSilent is returned for recordings with no non-zero sample.
	ErrSilent = errors.New("audio recording is silent")
)

// Decode reads a WAV file and returns mono float samples at 16 kHz,
// peak-normalised and padded or truncated to SegmentLen.
func Decode(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", ErrDecode)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate < 1 {
		return nil, fmt.Errorf("%w: missing format", ErrDecode)
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 {
		depth = 16
	}
	scale := math.Ldexp(1, depth-1)

	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	if frames == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrDecode)
	}
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		s := 0.0
		for c := 0; c < ch; c++ {
			s += float64(buf.Data[i*ch+c])
		}
		mono[i] = s / float64(ch) / scale
	}

	y := Resample(mono, buf.Format.SampleRate, SampleRate)
	peak := 0.0
	for _, v := range y {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return nil, ErrSilent
	}
	out := make([]float64, SegmentLen)
	n := len(y)
	if n > SegmentLen {
		n = SegmentLen
	}
	for i := 0; i < n; i++ {
		out[i] = y[i] / peak
	}
	return out, nil
}

// Resample converts between sample rates with linear interpolation.
func Resample(x []float64, from, to int) []float64 {
	if from == to || len(x) == 0 {
		return append([]float64(nil), x...)
	}
	n := int(math.Ceil(float64(len(x)) * float64(to) / float64(from)))
	out := make([]float64, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(x)-1 {
			out[i] = x[len(x)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = x[j]*(1-frac) + x[j+1]*frac
	}
	return out
}
