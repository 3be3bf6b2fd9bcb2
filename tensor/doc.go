// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense float64 batch tensor used by the
// diffusion sampler for states, scores and measurements.
//
// # Overview
//
// A Tensor is a row-major buffer whose leading dimension is the batch:
//   - Shape{B, D} for flat states
//   - Shape{B, C, H, W} for images
//
// Rows are independent samples. Row returns a view, so per-row updates are
// visible in the tensor.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/diffusion/rng"
//	    "github.com/born-ml/diffusion/tensor"
//	)
//
//	func main() {
//	    x := tensor.Randn(tensor.Shape{4, 80}, rng.New(42))
//	    y := tensor.Zeros(tensor.Shape{4, 80})
//
//	    z := tensor.Combine(0.5, x, 2, y) // new tensor
//	    x.AddScaled(0.1, z)               // in place
//	}
//
// # In-place Operations
//
// Add, Sub, AddScaled, Scale and Mul modify the receiver and return it so
// updates chain. Combine and Clone allocate.
package tensor
