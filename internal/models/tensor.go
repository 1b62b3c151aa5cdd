package models

import "fmt"

// Tensor is a dense row-major array. New tensors are zero-filled, so every
// cell holds either a computed value or the zero sentinel.
type Tensor struct {
	Shape []int
	Data  []float64

	// Integer marks tensors holding counts or flags
	Integer bool
}

// NewTensor allocates a zero-filled tensor
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// NewIntTensor allocates a zero-filled integer tensor
func NewIntTensor(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.Integer = true
	return t
}

// Len returns the number of cells
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Offset converts a multi-index into a position in Data
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0, %d) on axis %d", x, t.Shape[i], i))
		}
		off = off*t.Shape[i] + x
	}
	return off
}

// At returns the value at a multi-index
func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.Offset(idx...)]
}

// Set stores v at a multi-index
func (t *Tensor) Set(v float64, idx ...int) {
	t.Data[t.Offset(idx...)] = v
}
