// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} is a batch of two 3×4 samples.
type Shape = tensor.Shape

// Tensor is a dense float64 tensor with a leading batch dimension.
type Tensor = tensor.Tensor

// Source is the seedable random source accepted by Randn.
type Source = rng.Source

// Zeros creates a tensor filled with zeros. It panics on an invalid shape.
func Zeros(shape Shape) *Tensor {
	return tensor.Zeros(shape)
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	return tensor.Full(shape, value)
}

// Randn creates a tensor of N(0, 1) draws.
func Randn(shape Shape, src *Source) *Tensor {
	return tensor.Randn(shape, src)
}

// FromSlice wraps data, without copying, as a tensor of the given shape.
//
// Example:
//
//	x, err := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// FromRows stacks equally sized rows into a [len(rows), len(rows[0])] tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	return tensor.FromRows(rows)
}

// Combine returns a·x + b·y as a new tensor.
func Combine(a float64, x *Tensor, b float64, y *Tensor) *Tensor {
	return tensor.Combine(a, x, b, y)
}
