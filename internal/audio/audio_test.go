package audio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWav(t *testing.T, rate, seconds int, freq, amp float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, rate*seconds)
	for i := range data {
		data[i] = int(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestDecodeNormalisesAndPads(t *testing.T) {
	path := writeWav(t, 8000, 2, 200, 0.25)
	y, err := Decode(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(y) != SegmentLen {
		t.Fatalf("expected %d samples, got %d", SegmentLen, len(y))
	}
	peak := 0.0
	for _, v := range y {
		peak = math.Max(peak, math.Abs(v))
	}
	if math.Abs(peak-1) > 1e-9 {
		t.Fatalf("expected unit peak, got %v", peak)
	}
	for _, v := range y[2*SampleRate+10:] {
		if v != 0 {
			t.Fatalf("expected zero padding after the recording")
		}
	}
}

func TestDecodeRejectsSilence(t *testing.T) {
	path := writeWav(t, 16000, 1, 200, 0)
	if _, err := Decode(path); !errors.Is(err, ErrSilent) {
		t.Fatalf("expected ErrSilent, got %v", err)
	}
}

func TestAnalyzeShapesAndPitch(t *testing.T) {
	path := writeWav(t, 16000, 10, 200, 0.5)
	f, err := Analyze(path)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	shape := f.MelShape()
	if shape[1] != NMels || shape[2] != 1+SegmentLen/Hop {
		t.Fatalf("unexpected mel shape %v", shape)
	}
	if len(f.Freqs) != NMels || len(f.Times) != ContourLen || len(f.Energy) != ContourLen || len(f.Pitch) != ContourLen {
		t.Fatalf("unexpected contour lengths")
	}
	if math.Abs(f.Freqs[NMels-1]-8000) > 1e-6 || f.Freqs[0] != 0 {
		t.Fatalf("unexpected frequency range %v..%v", f.Freqs[0], f.Freqs[NMels-1])
	}
	if got := f.Pitch[20]; math.Abs(got-200) > 5 {
		t.Fatalf("expected ~200 Hz pitch, got %v", got)
	}
	in := f.Inputs()
	if len(in) != 2 || in[0].Len() != SegmentLen || in[1].Len() != NMels*(1+SegmentLen/Hop) {
		t.Fatalf("unexpected input tensors")
	}
}

func TestMelScaleRoundTrip(t *testing.T) {
	for _, hz := range []float64{0, 300, 1000, 4321, 8000} {
		if got := melToHz(hzToMel(hz)); math.Abs(got-hz) > 1e-6 {
			t.Fatalf("round trip %v -> %v", hz, got)
		}
	}
	if math.Abs(hzToMel(1000)-15) > 1e-9 {
		t.Fatalf("expected 1 kHz at mel 15, got %v", hzToMel(1000))
	}
}

func TestEnergyPauses(t *testing.T) {
	st := Energy([]float64{1, 0, 0, 1, 0, 0, 0, 1, 0})
	if st.Pauses != 2 {
		t.Fatalf("expected 2 pauses, got %d", st.Pauses)
	}
	if st.Variance <= 0 {
		t.Fatalf("expected positive variance")
	}
}

func TestPitchJumpsAfterMedian(t *testing.T) {
	st := Pitch([]float64{100, 100, 150, 150})
	if st.Jumps != 1 {
		t.Fatalf("expected 1 jump, got %d", st.Jumps)
	}
	if math.Abs(st.SD-25) > 1e-9 {
		t.Fatalf("expected sd 25, got %v", st.SD)
	}
}

func TestSaveSpectrogram(t *testing.T) {
	y := make([]float64, SegmentLen)
	for i := range y {
		y[i] = math.Sin(2 * math.Pi * 440 * float64(i) / SampleRate)
	}
	f := FromSamples(y)
	out := filepath.Join(t.TempDir(), "spec.png")
	if err := SaveSpectrogram(f, out); err != nil {
		t.Fatalf("save: %v", err)
	}
	if st, err := os.Stat(out); err != nil || st.Size() == 0 {
		t.Fatalf("expected spectrogram file, err=%v", err)
	}
}
