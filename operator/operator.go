// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package operator provides measurement operators for inverse problems
// y = A(x) + noise.
//
// Linear operators are dense matrices with a cached thin SVD, which gives
// adjoints, pseudo-inverses and the regularized inverses guidance methods
// need. Func wraps an arbitrary, possibly non-linear, forward map.
package operator

import (
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/rng"
	"github.com/born-ml/diffusion/tensor"
)

// Operator maps [B, D] states to [B, M] measurements.
type Operator = operator.Operator

// Linear is an Operator with an adjoint and SVD-based inverses.
type Linear = operator.Linear

// Func is a row-wise forward map.
type Func = operator.Func

// Matrix is a dense linear operator.
type Matrix = operator.Matrix

// NewMatrix wraps a dense m×d matrix.
func NewMatrix(a mat.Matrix) (*Matrix, error) {
	return operator.NewMatrix(a)
}

// NewGaussian returns an m×d compressed sensing operator with N(0, 1/d)
// entries.
func NewGaussian(m, d int, src *rng.Source) (*Matrix, error) {
	return operator.NewGaussian(m, d, src)
}

// NewMask returns the inpainting operator keeping the listed coordinates.
func NewMask(d int, keep []int) (*Matrix, error) {
	return operator.NewMask(d, keep)
}

// RandomMask keeps m of d coordinates chosen uniformly.
func RandomMask(d, m int, src *rng.Source) (*Matrix, error) {
	return operator.RandomMask(d, m, src)
}

// NewParallelBeamCT returns the parallel-beam projection operator of a
// size×size image at numAngles equally spaced angles.
func NewParallelBeamCT(size, numAngles int) (*Matrix, error) {
	return operator.NewParallelBeamCT(size, numAngles)
}

// Residual returns y − A(x), broadcasting a [1, M] y over the batch.
func Residual(op Operator, x, y *tensor.Tensor) (*tensor.Tensor, error) {
	return operator.Residual(op, x, y)
}

// MeanResidual returns the mean row norm of y − A(x).
func MeanResidual(op Operator, x, y *tensor.Tensor) (float64, error) {
	return operator.MeanResidual(op, x, y)
}

// Project moves x a fraction lambda toward the affine set A x = y.
func Project(op Linear, x, y *tensor.Tensor, lambda, noiseStd float64) (*tensor.Tensor, error) {
	return operator.Project(op, x, y, lambda, noiseStd)
}
