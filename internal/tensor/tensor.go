// Package tensor implements the dense float64 batch tensor used for sampler
// states, scores and measurements.
//
// A Tensor is a row-major buffer with a Shape whose leading dimension is the
// batch. Rows are independent samples: every per-row operation touches only
// the row it is given, which is what makes row-parallel evaluation safe.
package tensor

import (
	"fmt"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
)

// Tensor is a dense float64 tensor with a leading batch dimension.
type Tensor struct {
	shape Shape
	data  []float64
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err) // Callers validate shapes at configuration time.
	}
	return &Tensor{shape: shape.Clone(), data: make([]float64, shape.NumElements())}
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Randn creates a tensor of N(0, 1) draws from src.
func Randn(shape Shape, src *rng.Source) *Tensor {
	t := Zeros(shape)
	src.FillNormal(t.data)
	return t
}

// FromSlice wraps data (without copying) as a tensor of the given shape.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, shape.NumElements())
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// FromRows stacks equally sized rows into a [len(rows), len(rows[0])] tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	n := len(rows[0])
	t := Zeros(Shape{len(rows), n})
	for b, r := range rows {
		if len(r) != n {
			return nil, errs.Shape("tensor.FromRows", []int{n}, []int{len(r)})
		}
		copy(t.Row(b), r)
	}
	return t, nil
}

// Shape returns the tensor shape. The returned value must not be modified.
func (t *Tensor) Shape() Shape { return t.shape }

// Data returns the underlying buffer.
func (t *Tensor) Data() []float64 { return t.data }

// Batch returns the batch size.
func (t *Tensor) Batch() int { return t.shape.Batch() }

// RowSize returns the number of elements per batch row.
func (t *Tensor) RowSize() int { return t.shape.RowSize() }

// Row returns a view of batch row b.
func (t *Tensor) Row(b int) []float64 {
	n := t.RowSize()
	return t.data[b*n : (b+1)*n : (b+1)*n]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// ZerosLike creates a zero tensor with the shape of t.
func (t *Tensor) ZerosLike() *Tensor { return Zeros(t.shape) }

// CopyFrom overwrites t with the values of other.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if err := t.CheckSameShape("tensor.CopyFrom", other); err != nil {
		return err
	}
	copy(t.data, other.data)
	return nil
}

// CheckSameShape returns a ShapeError unless other has the shape of t.
func (t *Tensor) CheckSameShape(op string, other *Tensor) error {
	if other == nil || !t.shape.Equal(other.shape) {
		var got []int
		if other != nil {
			got = other.shape
		}
		return errs.Shape(op, t.shape, got)
	}
	return nil
}

// Reshape returns a tensor sharing t's buffer with a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(t.data) {
		return nil, errs.Shape("tensor.Reshape", t.shape, shape)
	}
	return &Tensor{shape: shape.Clone(), data: t.data}, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", []int(t.shape))
}
