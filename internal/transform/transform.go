package transform

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/neurolens/neurolens/internal/audio"
	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/tensor"
)

// ErrUnreadable is returned when an uploaded artifact cannot be decoded.
var ErrUnreadable = errors.New("unreadable input artifact")

// Transform turns an artifact on disk into the named input tensors of a
// scorer, in the architecture's input order.
type Transform interface {
	Load(path string) ([]tensor.Tensor, error)
}

// Image is the deterministic image pipeline: optional luminance conversion
// replicated to three channels, square resize, scaling to [0,1] and
// per-channel affine normalisation.
type Image struct {
	Size int
	Gray bool
	Mean [3]float32
	Std  [3]float32
}

// Normalisation statistics the checkpoints were fitted with. Changing them
// silently degrades accuracy.
var (
	alzheimerAxial    = Image{Size: 256, Gray: true, Mean: rep(0.2006), Std: rep(0.2396)}
	alzheimerSagittal = Image{Size: 256, Gray: true, Mean: rep(0.2487), Std: rep(0.2599)}
	parkinsonMRI      = Image{Size: 256, Gray: true, Mean: rep(0.2514), Std: rep(0.2475)}
	drawingRGB        = Image{Size: 224, Gray: false, Mean: rep(0.5), Std: rep(0.5)}
)

func rep(v float32) [3]float32 { return [3]float32{v, v, v} }

// For selects the pipeline for a key. Every key in modality.Known has one.
func For(key modality.Key) (Transform, error) {
	switch key.Modality {
	case modality.Audio:
		return Audio{}, nil
	case modality.Drawing:
		return drawingRGB, nil
	case modality.MRIAxial, modality.MRIGeneral, modality.MRISagittal:
		if key.Condition == modality.Parkinson {
			return parkinsonMRI, nil
		}
		if key.Modality == modality.MRISagittal {
			return alzheimerSagittal, nil
		}
		return alzheimerAxial, nil
	}
	return nil, fmt.Errorf("%w: no transform for %s", modality.ErrUnknown, key)
}

// ImageFor is For restricted to image pipelines.
func ImageFor(key modality.Key) (Image, error) {
	t, err := For(key)
	if err != nil {
		return Image{}, err
	}
	img, ok := t.(Image)
	if !ok {
		return Image{}, fmt.Errorf("%w: %s is not an image modality", modality.ErrUnknown, key)
	}
	return img, nil
}

// Audio loads a WAV recording into the waveform and mel inputs.
type Audio struct{}

// Load implements Transform.
func (Audio) Load(path string) ([]tensor.Tensor, error) {
	f, err := AnalyzeAudio(path)
	if err != nil {
		return nil, err
	}
	return f.Inputs(), nil
}

// AnalyzeAudio runs audio.Analyze and maps its failures onto ErrUnreadable
// and imgproc.ErrDegenerate.
func AnalyzeAudio(path string) (*audio.Features, error) {
	f, err := audio.Analyze(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, audio.ErrSilent):
		return nil, fmt.Errorf("%w: %v", imgproc.ErrDegenerate, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
}

// Open decodes an image file.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnreadable)
	}
	return img, nil
}

// Load implements Transform.
func (t Image) Load(path string) ([]tensor.Tensor, error) {
	img, err := Open(path)
	if err != nil {
		return nil, err
	}
	return []tensor.Tensor{t.Apply(img)}, nil
}

// Apply produces a [1,3,Size,Size] tensor.
func (t Image) Apply(img image.Image) tensor.Tensor {
	size := uint(t.Size)
	plane := t.Size * t.Size
	out := tensor.Zeros(1, 3, int64(t.Size), int64(t.Size))

	if t.Gray {
		g := imgproc.Luma(img)
		resized := resize.Resize(size, size, g, resize.Bilinear)
		gray := toGray(resized)
		for y := 0; y < t.Size; y++ {
			for x := 0; x < t.Size; x++ {
				v := float32(gray.Pix[y*gray.Stride+x]) / 255
				idx := y*t.Size + x
				for c := 0; c < 3; c++ {
					out.Data[c*plane+idx] = (v - t.Mean[c]) / t.Std[c]
				}
			}
		}
		return out
	}

	resized := resize.Resize(size, size, img, resize.Bilinear)
	b := resized.Bounds()
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*t.Size + x
			vals := [3]float32{float32(r>>8) / 255, float32(g>>8) / 255, float32(bl>>8) / 255}
			for c := 0; c < 3; c++ {
				out.Data[c*plane+idx] = (vals[c] - t.Mean[c]) / t.Std[c]
			}
		}
	}
	return out
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	return imgproc.Luma(img)
}
