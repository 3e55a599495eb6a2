package onnx

import (
	"errors"
	"fmt"
)

// Tensor is a float32 tensor in row-major order. Images use NCHW.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// NewImageTensor wraps CHW data as a [1, C, H, W] tensor.
func NewImageTensor(data []float32, c, h, w int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	if expected := c * h * w; len(data) != expected {
		return Tensor{}, fmt.Errorf("unexpected data length: got %d, want %d", len(data), expected)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(c), int64(h), int64(w)}}, nil
}

// ValidateNCHW ensures a shape is [N, C, H, W] with positive dimensions.
func ValidateNCHW(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
	}
	return nil
}

// Elements returns the product of the shape.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return errors.New("empty shape")
	}
	if n := t.Elements(); n != len(t.Data) {
		return fmt.Errorf("shape %v needs %d elements, have %d", t.Shape, n, len(t.Data))
	}
	return nil
}
