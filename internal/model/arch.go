// Package model owns the classifier checkpoints: their architecture tags,
// ONNX sessions and the process-scoped registry that loads them lazily.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnknownKey marks a condition/modality (or ensemble member) that has
	// no entry in the model table.
	ErrUnknownKey = errors.New("no model configured")
	// ErrLoad marks a checkpoint that is missing, corrupt or does not match
	// its declared shape.
	ErrLoad = errors.New("model load failed")
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("model registry closed")
)

// Architecture tags a backbone family. It fixes the input layout and the
// stages available for attribution.
type Architecture string

const (
	ResNet50MRI     Architecture = "resnet50_mri"
	ResNet101MRI    Architecture = "resnet101_mri"
	ResNet50Raw     Architecture = "resnet50_raw"
	AudioDualBranch Architecture = "audio_dual_branch"
)

// ParseArchitecture validates a tag from configuration.
func ParseArchitecture(s string) (Architecture, error) {
	a := Architecture(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ResNet50MRI, ResNet101MRI, ResNet50Raw, AudioDualBranch:
		return a, nil
	}
	return "", fmt.Errorf("unknown architecture %q", s)
}

// AttributionStages lists the intermediate stages a checkpoint of this
// architecture exposes, shallowest first. Empty means no attribution.
func (a Architecture) AttributionStages() []string {
	switch a {
	case ResNet50MRI, ResNet101MRI:
		return []string{"layer2", "layer3", "layer4"}
	case ResNet50Raw:
		return []string{"layer3"}
	}
	return nil
}

// InputNames are the graph input names in positional order.
func (a Architecture) InputNames() []string {
	if a == AudioDualBranch {
		return []string{"audio", "mel"}
	}
	return []string{"input"}
}

// Softmax returns the normalised exponentials of logits.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the first index of the largest value, or -1 when empty.
func Argmax(xs []float64) int {
	if len(xs) == 0 {
		return -1
	}
	best := 0
	for i, v := range xs[1:] {
		if v > xs[best] {
			best = i + 1
		}
	}
	return best
}
