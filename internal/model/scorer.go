package model

import (
	"context"
	"io"

	"github.com/neurolens/neurolens/internal/tensor"
)

// Scorer maps input tensors to one logit per class.
type Scorer interface {
	Arch() Architecture
	Classes() int
	Score(ctx context.Context, inputs ...tensor.Tensor) ([]float32, error)
}

// Staged is a Scorer that can also expose intermediate activations and
// resume scoring from one of them. Only architectures with attribution
// stages implement it.
type Staged interface {
	Scorer
	Stages() []string
	// Activations returns one [1,C,H,W] tensor per stage, in Stages order.
	Activations(ctx context.Context, inputs ...tensor.Tensor) ([]tensor.Tensor, error)
	// Resume scores a (possibly modified) activation of stage i.
	Resume(ctx context.Context, stage int, activation tensor.Tensor) ([]float32, error)
}

// AsStaged reports whether s supports attribution, based on the stages its
// architecture declares.
func AsStaged(s Scorer) (Staged, bool) {
	if s == nil || len(s.Arch().AttributionStages()) == 0 {
		return nil, false
	}
	st, ok := s.(Staged)
	return st, ok
}

func closeScorer(s Scorer) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
