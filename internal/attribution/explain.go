// Package attribution produces class-activation heatmaps for image
// predictions and summarises them as an anatomical zone and region scores.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/tensor"
)

// ErrUnsupported is returned for scorers whose architecture declares no
// attribution stages.
var ErrUnsupported = errors.New("attribution not supported for this architecture")

const (
	DefaultDisplaySize = 256
	DefaultThreshold   = 100
	DefaultImageWeight = 0.7
)

// Engine holds the presentation parameters of attribution maps.
type Engine struct {
	DisplaySize int
	Threshold   uint8
	ImageWeight float64
}

// NewEngine returns an engine with the default parameters.
func NewEngine() *Engine {
	return &Engine{
		DisplaySize: DefaultDisplaySize,
		Threshold:   DefaultThreshold,
		ImageWeight: DefaultImageWeight,
	}
}

// Request describes one explanation.
type Request struct {
	Scorer model.Scorer
	Inputs []tensor.Tensor
	// Source is the uploaded image the overlay is drawn on.
	Source image.Image
	// Modality selects the method.
	Modality modality.Modality
	// Orientation selects mask, zones and regions.
	Orientation modality.Orientation
	// Class is the target class; nil means the scorer's argmax.
	Class *int
	// OverlayPath, when set, receives the blended PNG.
	OverlayPath string
}

// Explanation is the result of one attribution run.
type Explanation struct {
	Class           int
	Method          string
	Map             *imgproc.Map
	Zone            string
	ActivationScore float64
	Regions         []RegionScore
}

// Explain computes the attribution map for req and summarises it.
func (e *Engine) Explain(ctx context.Context, req Request) (*Explanation, error) {
	staged, ok := model.AsStaged(req.Scorer)
	if !ok || len(staged.Stages()) == 0 {
		return nil, ErrUnsupported
	}
	if len(req.Inputs) == 0 {
		return nil, errors.New("explain: no inputs")
	}

	class := -1
	if req.Class != nil {
		class = *req.Class
	} else {
		logits, err := staged.Score(ctx, req.Inputs...)
		if err != nil {
			return nil, fmt.Errorf("score: %w", err)
		}
		class = model.Argmax(model.Softmax(logits))
	}
	if class < 0 || class >= staged.Classes() {
		return nil, fmt.Errorf("target class %d out of range", class)
	}

	method := MethodFor(req.Modality)
	cam, err := Compute(ctx, staged, method, req.Inputs, class)
	if err != nil {
		return nil, err
	}

	display, err := imgproc.Resize(cam, e.DisplaySize, e.DisplaySize)
	if err != nil {
		return nil, fmt.Errorf("resize attribution map: %w", err)
	}
	display = Mask(display, req.Orientation)

	zone, err := Zone(display, req.Orientation, e.Threshold)
	if err != nil {
		return nil, fmt.Errorf("activation zone: %w", err)
	}
	regions := Regions(display, req.Orientation)
	out := &Explanation{
		Class:           class,
		Method:          method.Name(),
		Map:             display,
		Zone:            zone,
		ActivationScore: ActivationScore(zone, regions),
		Regions:         regions,
	}

	if req.OverlayPath != "" && req.Source != nil {
		if err := imaging.Save(e.Overlay(req.Source, display), req.OverlayPath); err != nil {
			return nil, fmt.Errorf("save overlay: %w", err)
		}
	}
	return out, nil
}

// Compute builds the multi-stage attribution map at input resolution, scaled
// to [0,1].
func Compute(ctx context.Context, s model.Staged, method Method, inputs []tensor.Tensor, class int) (*imgproc.Map, error) {
	_, ih, iw, err := inputs[0].CHW()
	if err != nil {
		return nil, err
	}
	acts, err := s.Activations(ctx, inputs...)
	if err != nil {
		return nil, fmt.Errorf("activations: %w", err)
	}
	if len(acts) != len(s.Stages()) {
		return nil, fmt.Errorf("got %d activations for %d stages", len(acts), len(s.Stages()))
	}

	sum := imgproc.NewMap(iw, ih)
	for i, act := range acts {
		weights, err := method.Weights(ctx, s, i, act, inputs, class)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method.Name(), s.Stages()[i], err)
		}
		stage, err := weightedSum(act, weights)
		if err != nil {
			return nil, err
		}
		stage, err = imgproc.Resize(stage.Relu().Normalize(), iw, ih)
		if err != nil {
			return nil, err
		}
		for p, v := range stage.Pix {
			sum.Pix[p] += v
		}
	}
	for p := range sum.Pix {
		sum.Pix[p] /= float64(len(acts))
	}
	if !sum.Finite() {
		return nil, fmt.Errorf("%w: attribution map is not finite", imgproc.ErrDegenerate)
	}
	return sum.Normalize(), nil
}

func weightedSum(act tensor.Tensor, weights []float64) (*imgproc.Map, error) {
	c, h, w, err := act.CHW()
	if err != nil {
		return nil, err
	}
	if len(weights) != c {
		return nil, fmt.Errorf("got %d weights for %d channels", len(weights), c)
	}
	m := imgproc.NewMap(w, h)
	for k, wk := range weights {
		if wk == 0 {
			continue
		}
		for i, v := range act.Channel(k) {
			m.Pix[i] += wk * float64(v)
		}
	}
	return m, nil
}

// Overlay blends a JET rendering of cam over src resized to the map size:
// ImageWeight*image + (1-ImageWeight)*heatmap, rescaled so the brightest
// channel value is 255.
func (e *Engine) Overlay(src image.Image, cam *imgproc.Map) *image.NRGBA {
	base := imaging.Resize(src, cam.W, cam.H, imaging.CatmullRom)
	blend := make([]float64, cam.W*cam.H*3)
	peak := 0.0
	for y := 0; y < cam.H; y++ {
		for x := 0; x < cam.W; x++ {
			i := y*cam.W + x
			px := base.NRGBAAt(x, y)
			heat := imgproc.Jet(cam.Pix[i])
			rgb := [3]float64{
				e.ImageWeight*float64(px.R)/255 + (1-e.ImageWeight)*float64(heat.R)/255,
				e.ImageWeight*float64(px.G)/255 + (1-e.ImageWeight)*float64(heat.G)/255,
				e.ImageWeight*float64(px.B)/255 + (1-e.ImageWeight)*float64(heat.B)/255,
			}
			for c, v := range rgb {
				blend[i*3+c] = v
				peak = math.Max(peak, v)
			}
		}
	}
	out := image.NewNRGBA(image.Rect(0, 0, cam.W, cam.H))
	if peak == 0 {
		peak = 1
	}
	for y := 0; y < cam.H; y++ {
		for x := 0; x < cam.W; x++ {
			i := (y*cam.W + x) * 3
			out.SetNRGBA(x, y, color.NRGBA{
				R: uint8(255 * blend[i] / peak),
				G: uint8(255 * blend[i+1] / peak),
				B: uint8(255 * blend[i+2] / peak),
				A: 255,
			})
		}
	}
	return out
}
