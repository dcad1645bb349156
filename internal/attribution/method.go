package attribution

import (
	"context"
	"fmt"
	"math"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/tensor"
)

// Method computes one weight per channel of a stage activation for the
// target class.
type Method interface {
	Name() string
	Weights(ctx context.Context, s model.Staged, stage int, act tensor.Tensor, inputs []tensor.Tensor, class int) ([]float64, error)
}

// MethodFor picks the attribution method for a modality. The mapping is a
// fixed policy, not derived from the model.
func MethodFor(m modality.Modality) Method {
	switch m {
	case modality.MRIAxial:
		return Ablation{}
	case modality.MRISagittal:
		return ScoreCAM{}
	default:
		return GradCAM{}
	}
}

// Ablation weighs channel k by the relative drop of the target logit when k
// is zeroed: (y - y_k) / y.
type Ablation struct{}

func (Ablation) Name() string { return "ablation" }

func (Ablation) Weights(ctx context.Context, s model.Staged, stage int, act tensor.Tensor, _ []tensor.Tensor, class int) ([]float64, error) {
	c, _, _, err := act.CHW()
	if err != nil {
		return nil, err
	}
	base, err := target(ctx, s, stage, act, class)
	if err != nil {
		return nil, err
	}
	if base == 0 {
		return nil, fmt.Errorf("%w: target logit is zero", imgproc.ErrDegenerate)
	}

	w := make([]float64, c)
	for k := 0; k < c; k++ {
		ch := act.Channel(k)
		saved := append([]float32(nil), ch...)
		for i := range ch {
			ch[i] = 0
		}
		y, err := target(ctx, s, stage, act, class)
		copy(ch, saved)
		if err != nil {
			return nil, err
		}
		w[k] = (base - y) / base
	}
	return w, nil
}

// ScoreCAM weighs channel k by the softmax, over channels, of the target
// logit obtained when the input is masked by the normalised, upsampled
// activation of k.
type ScoreCAM struct{}

func (ScoreCAM) Name() string { return "scorecam" }

func (ScoreCAM) Weights(ctx context.Context, s model.Staged, _ int, act tensor.Tensor, inputs []tensor.Tensor, class int) ([]float64, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("scorecam needs a single image input, got %d", len(inputs))
	}
	in := inputs[0]
	ic, ih, iw, err := in.CHW()
	if err != nil {
		return nil, err
	}
	c, h, w, err := act.CHW()
	if err != nil {
		return nil, err
	}

	scores := make([]float64, c)
	masked := in.Clone()
	var (
		flatScore float64
		flatDone  bool
	)
	for k := 0; k < c; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := imgproc.Resize(imgproc.FromFloat32(w, h, act.Channel(k)), iw, ih)
		if err != nil {
			return nil, err
		}
		lo, hi := m.MinMax()
		if hi <= lo {
			// A flat channel masks the whole input to zero.
			if !flatDone {
				for i := range masked.Data {
					masked.Data[i] = 0
				}
				logits, err := s.Score(ctx, masked)
				if err != nil {
					return nil, err
				}
				flatScore, flatDone = float64(logits[class]), true
			}
			scores[k] = flatScore
			continue
		}
		m.Normalize()
		plane := ih * iw
		for ch := 0; ch < ic; ch++ {
			src := in.Data[ch*plane : (ch+1)*plane]
			dst := masked.Data[ch*plane : (ch+1)*plane]
			for i, v := range src {
				dst[i] = v * float32(m.Pix[i])
			}
		}
		logits, err := s.Score(ctx, masked)
		if err != nil {
			return nil, err
		}
		scores[k] = float64(logits[class])
	}
	return softmax64(scores), nil
}

// gradStep is the size of the uniform channel perturbation used by GradCAM.
const gradStep = 1e-2

// GradCAM weighs channel k by the spatial mean of the target gradient with
// respect to A_k: the central difference along a uniform shift of channel k,
// divided by the plane size.
type GradCAM struct{}

func (GradCAM) Name() string { return "gradcam" }

func (GradCAM) Weights(ctx context.Context, s model.Staged, stage int, act tensor.Tensor, _ []tensor.Tensor, class int) ([]float64, error) {
	c, h, w, err := act.CHW()
	if err != nil {
		return nil, err
	}
	plane := float64(h * w)
	out := make([]float64, c)
	for k := 0; k < c; k++ {
		ch := act.Channel(k)
		saved := append([]float32(nil), ch...)

		for i := range ch {
			ch[i] = saved[i] + gradStep
		}
		up, err := target(ctx, s, stage, act, class)
		if err != nil {
			copy(ch, saved)
			return nil, err
		}
		for i := range ch {
			ch[i] = saved[i] - gradStep
		}
		down, err := target(ctx, s, stage, act, class)
		copy(ch, saved)
		if err != nil {
			return nil, err
		}
		out[k] = (up - down) / (2 * gradStep) / plane
	}
	return out, nil
}

func target(ctx context.Context, s model.Staged, stage int, act tensor.Tensor, class int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logits, err := s.Resume(ctx, stage, act)
	if err != nil {
		return 0, err
	}
	if class < 0 || class >= len(logits) {
		return 0, fmt.Errorf("class %d out of range for %d logits", class, len(logits))
	}
	return float64(logits[class]), nil
}

func softmax64(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	m := xs[0]
	for _, v := range xs[1:] {
		m = math.Max(m, v)
	}
	out := make([]float64, len(xs))
	sum := 0.0
	for i, v := range xs {
		out[i] = math.Exp(v - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
