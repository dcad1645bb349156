// Package tensor holds the dense float32 buffers exchanged with scorers.
package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense row-major float32 buffer. Image tensors are NCHW with a
// batch of one.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// ErrShape is returned when data length and shape disagree.
var ErrShape = errors.New("tensor shape mismatch")

// Numel returns the element count implied by shape.
func Numel(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// New wraps data with shape after checking the element count.
func New(shape []int64, data []float32) (Tensor, error) {
	if Numel(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v wants %d values, got %d", ErrShape, shape, Numel(shape), len(data))
	}
	return Tensor{Shape: append([]int64(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero tensor.
func Zeros(shape ...int64) Tensor {
	return Tensor{Shape: append([]int64(nil), shape...), Data: make([]float32, Numel(shape))}
}

// Len is the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int64(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// CHW returns channel/height/width for a [1,C,H,W] or [C,H,W] tensor.
func (t Tensor) CHW() (c, h, w int, err error) {
	switch len(t.Shape) {
	case 4:
		if t.Shape[0] != 1 {
			return 0, 0, 0, fmt.Errorf("%w: batch %d unsupported", ErrShape, t.Shape[0])
		}
		return int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3]), nil
	case 3:
		return int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2]), nil
	}
	return 0, 0, 0, fmt.Errorf("%w: expected CHW, got %v", ErrShape, t.Shape)
}

// Channel returns the plane of channel c. The slice aliases t.Data.
func (t Tensor) Channel(c int) []float32 {
	_, h, w, err := t.CHW()
	if err != nil {
		return nil
	}
	plane := h * w
	return t.Data[c*plane : (c+1)*plane]
}
