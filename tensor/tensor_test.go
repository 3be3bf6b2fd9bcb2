// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"testing"

	"github.com/born-ml/diffusion/rng"
	"github.com/born-ml/diffusion/tensor"
)

// TestConstructors verifies the public constructors expose the expected shapes.
func TestConstructors(t *testing.T) {
	z := tensor.Zeros(tensor.Shape{2, 3})
	if !z.Shape().Equal(tensor.Shape{2, 3}) {
		t.Errorf("Zeros shape = %v, want [2 3]", z.Shape())
	}
	if z.Batch() != 2 || z.RowSize() != 3 {
		t.Errorf("Batch, RowSize = %d, %d, want 2, 3", z.Batch(), z.RowSize())
	}

	f := tensor.Full(tensor.Shape{1, 4}, 2.5)
	for i, v := range f.Data() {
		if v != 2.5 {
			t.Errorf("Full[%d] = %v, want 2.5", i, v)
		}
	}

	x, err := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	if got := x.Row(1)[2]; got != 6 {
		t.Errorf("Row(1)[2] = %v, want 6", got)
	}

	if _, err := tensor.FromSlice([]float64{1, 2}, tensor.Shape{2, 3}); err == nil {
		t.Error("FromSlice accepted mismatched data length")
	}
}

// TestRowViews verifies that rows alias the tensor buffer.
func TestRowViews(t *testing.T) {
	x, err := tensor.FromRows([][]float64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("FromRows failed: %v", err)
	}
	x.Row(0)[1] = 9
	if x.Data()[1] != 9 {
		t.Errorf("Row is not a view: Data()[1] = %v", x.Data()[1])
	}

	if _, err := tensor.FromRows([][]float64{{1, 2}, {3}}); err == nil {
		t.Error("FromRows accepted ragged rows")
	}
}

// TestInPlaceChaining verifies in-place operations return the receiver.
func TestInPlaceChaining(t *testing.T) {
	x := tensor.Full(tensor.Shape{1, 2}, 1)
	y := tensor.Full(tensor.Shape{1, 2}, 2)

	got := x.Add(y).Scale(2).AddScaled(-1, y)
	if got != x {
		t.Error("in-place operations must return the receiver")
	}
	for _, v := range x.Data() {
		if v != 4 {
			t.Errorf("value = %v, want 4", v)
		}
	}

	c := tensor.Combine(0.5, x, 1, y)
	if c == x || c == y {
		t.Error("Combine must allocate")
	}
	if c.Data()[0] != 4 {
		t.Errorf("Combine = %v, want 4", c.Data()[0])
	}
}

// TestRandnSeeded verifies Randn is reproducible from a seed.
func TestRandnSeeded(t *testing.T) {
	a := tensor.Randn(tensor.Shape{3, 4}, rng.New(42))
	b := tensor.Randn(tensor.Shape{3, 4}, rng.New(42))
	if !a.Equal(b) {
		t.Error("same seed produced different draws")
	}
	if !a.IsFinite() {
		t.Error("Randn produced non-finite values")
	}
}
