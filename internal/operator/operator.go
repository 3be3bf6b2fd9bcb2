// Package operator implements the forward measurement maps y = A(x) of
// inverse problems and the linear-algebra primitives guidance needs.
//
// States are [B, D] tensors and measurements [B, M]. A measurement with a
// single row is broadcast over the batch.
package operator

import (
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Operator is a forward measurement map from R^D to R^M applied row-wise.
type Operator interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	InputDim() int
	OutputDim() int
}

// Linear is an Operator given by a matrix A.
type Linear interface {
	Operator

	// Adjoint applies Aᵀ to a [B, M] batch.
	Adjoint(y *tensor.Tensor) (*tensor.Tensor, error)

	// RegularizedInverse applies Aᵀ(r2·AAᵀ + s2·I)⁻¹ to a [B, M] batch.
	// With s2 = 0 it is r2⁻¹ times the Moore-Penrose pseudo-inverse.
	RegularizedInverse(y *tensor.Tensor, r2, s2 float64) (*tensor.Tensor, error)

	// Dense returns A as an M×D matrix. It must not be modified.
	Dense() mat.Matrix
}

// Func is a row-wise, possibly non-linear operator. Guidance methods that
// need an adjoint fall back to numerical gradients for it.
type Func struct {
	In, Out int
	F       func(x, out []float64)
}

// InputDim implements Operator.
func (f *Func) InputDim() int { return f.In }

// OutputDim implements Operator.
func (f *Func) OutputDim() int { return f.Out }

// Forward implements Operator.
func (f *Func) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.RowSize() != f.In {
		return nil, errs.Shape("operator.Forward", tensor.Shape{x.Batch(), f.In}, x.Shape())
	}
	out := tensor.Zeros(tensor.Shape{x.Batch(), f.Out})
	for b := range x.Batch() {
		f.F(x.Row(b), out.Row(b))
	}
	return out, nil
}

// Broadcast checks that y is a [1, M] or [batch, M] measurement for op and
// returns it as a [batch, M] tensor.
func Broadcast(op Operator, y *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	m := op.OutputDim()
	if len(y.Shape()) != 2 || y.RowSize() != m || (y.Batch() != 1 && y.Batch() != batch) {
		return nil, errs.Shape("measurement", tensor.Shape{batch, m}, y.Shape())
	}
	if y.Batch() == batch {
		return y, nil
	}
	out := tensor.Zeros(tensor.Shape{batch, m})
	for b := range batch {
		copy(out.Row(b), y.Row(0))
	}
	return out, nil
}

// Residual returns y − A(x) with y broadcast over the batch of x.
func Residual(op Operator, x, y *tensor.Tensor) (*tensor.Tensor, error) {
	ax, err := op.Forward(x)
	if err != nil {
		return nil, err
	}
	yb, err := Broadcast(op, y, x.Batch())
	if err != nil {
		return nil, err
	}
	return yb.Clone().Sub(ax), nil
}

// MeanResidual returns the mean over rows of ‖y − A(x)‖.
func MeanResidual(op Operator, x, y *tensor.Tensor) (float64, error) {
	r, err := Residual(op, x, y)
	if err != nil {
		return 0, err
	}
	return r.MeanRowNorm(nil), nil
}

// NoisedMeasurement returns mean·y + std·A z for a fresh z ~ N(0, I) per
// row: the measurement pushed forward to noise level t.
func NoisedMeasurement(op Linear, y *tensor.Tensor, batch int, mean, std float64, src *rng.Source) (*tensor.Tensor, error) {
	yb, err := Broadcast(op, y, batch)
	if err != nil {
		return nil, err
	}
	z := tensor.Randn(tensor.Shape{batch, op.InputDim()}, src)
	az, err := op.Forward(z)
	if err != nil {
		return nil, err
	}
	return tensor.Combine(mean, yb, std, az), nil
}
