// Package ensemble combines two scorers by weighted logit averaging and
// arbitrates between independent pipelines.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/tensor"
)

// DefaultWeight is the weight of each member when none is configured.
const DefaultWeight = 0.5

// ErrWeights is returned when member weights do not sum to a positive value.
var ErrWeights = errors.New("ensemble weights must sum to a positive value")

// Result is the outcome of one classification.
type Result struct {
	Index         int
	Label         string
	Confidence    float64
	Probabilities []float64
}

// Classify scores one model and converts its logits into a Result.
func Classify(ctx context.Context, s model.Scorer, inputs []tensor.Tensor, labels []string) (Result, error) {
	logits, err := s.Score(ctx, inputs...)
	if err != nil {
		return Result{}, err
	}
	return fromLogits(logits, labels)
}

// Predict scores a and b on the same inputs and classifies wa*la + wb*lb.
// Both scorers must share the labels vocabulary.
func Predict(ctx context.Context, a, b model.Scorer, inputs []tensor.Tensor, labels []string, wa, wb float64) (Result, error) {
	if math.IsNaN(wa+wb) || wa+wb <= 0 {
		return Result{}, fmt.Errorf("%w: %v + %v", ErrWeights, wa, wb)
	}
	la, err := a.Score(ctx, inputs...)
	if err != nil {
		return Result{}, fmt.Errorf("score %s: %w", a.Arch(), err)
	}
	lb, err := b.Score(ctx, inputs...)
	if err != nil {
		return Result{}, fmt.Errorf("score %s: %w", b.Arch(), err)
	}
	if len(la) != len(lb) {
		return Result{}, fmt.Errorf("ensemble members disagree on class count: %d vs %d", len(la), len(lb))
	}
	combined := make([]float32, len(la))
	for i := range la {
		combined[i] = float32(wa*float64(la[i]) + wb*float64(lb[i]))
	}
	return fromLogits(combined, labels)
}

func fromLogits(logits []float32, labels []string) (Result, error) {
	if len(logits) != len(labels) {
		return Result{}, fmt.Errorf("got %d logits for %d labels", len(logits), len(labels))
	}
	probs := model.Softmax(logits)
	idx := model.Argmax(probs)
	if idx < 0 {
		return Result{}, errors.New("empty logits")
	}
	return Result{
		Index:         idx,
		Label:         labels[idx],
		Confidence:    probs[idx],
		Probabilities: probs,
	}, nil
}

// Candidate is one pipeline's verdict in cross-modality arbitration.
type Candidate struct {
	Name       string
	Label      string
	Confidence float64
}

// Arbitrate returns the candidate with the highest confidence; the first
// maximum wins. Confidences are compared as-is, without calibration.
func Arbitrate(cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, errors.New("arbitrate: no candidates")
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, nil
}
