package operator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Matrix is a dense Linear operator. The thin SVD A = U diag(S) Vᵀ is
// computed once at construction and backs every inverse.
type Matrix struct {
	a    *mat.Dense
	u, v mat.Dense
	s    []float64
	tol  float64
}

// NewMatrix factorizes a and returns the operator. a is copied.
func NewMatrix(a mat.Matrix) (*Matrix, error) {
	m, d := a.Dims()
	if m == 0 || d == 0 {
		return nil, errs.Shape("operator.NewMatrix", []int{1, 1}, []int{m, d})
	}
	op := &Matrix{a: mat.DenseCopyOf(a)}

	var svd mat.SVD
	if !svd.Factorize(op.a, mat.SVDThin) {
		return nil, fmt.Errorf("operator: SVD of %dx%d matrix did not converge", m, d)
	}
	svd.UTo(&op.u)
	svd.VTo(&op.v)
	op.s = svd.Values(nil)

	smax := 0.0
	if len(op.s) > 0 {
		smax = op.s[0]
	}
	op.tol = float64(max(m, d)) * smax * 1e-12
	return op, nil
}

// NewGaussian returns an m×d operator with i.i.d. N(0, 1/d) entries.
func NewGaussian(m, d int, src *rng.Source) (*Matrix, error) {
	if m <= 0 || d <= 0 {
		return nil, errs.Configf("data.num_observed", "must be > 0, got %dx%d", m, d)
	}
	data := make([]float64, m*d)
	src.FillNormal(data)
	floats.Scale(1/math.Sqrt(float64(d)), data)
	return NewMatrix(mat.NewDense(m, d, data))
}

// NewMask returns the inpainting operator that keeps the listed coordinates
// of a d-dimensional state.
func NewMask(d int, keep []int) (*Matrix, error) {
	if len(keep) == 0 {
		return nil, errs.Config("data.mask", "[]", "mask keeps no coordinates")
	}
	a := mat.NewDense(len(keep), d, nil)
	seen := make(map[int]bool, len(keep))
	for i, j := range keep {
		if j < 0 || j >= d || seen[j] {
			return nil, errs.Configf("data.mask", "invalid or repeated index %d for dim %d", j, d)
		}
		seen[j] = true
		a.Set(i, j, 1)
	}
	return NewMatrix(a)
}

// RandomMask keeps m coordinates of d chosen uniformly without replacement.
func RandomMask(d, m int, src *rng.Source) (*Matrix, error) {
	if m <= 0 || m > d {
		return nil, errs.Configf("data.num_observed", "mask size must be in [1, %d], got %d", d, m)
	}
	keep := src.Perm(d)[:m]
	return NewMask(d, keep)
}

// InputDim implements Operator.
func (op *Matrix) InputDim() int {
	_, d := op.a.Dims()
	return d
}

// OutputDim implements Operator.
func (op *Matrix) OutputDim() int {
	m, _ := op.a.Dims()
	return m
}

// Dense implements Linear.
func (op *Matrix) Dense() mat.Matrix { return op.a }

// rows views a [B, n] tensor as a B×n matrix sharing its storage.
func rows(t *tensor.Tensor) *mat.Dense {
	return mat.NewDense(t.Batch(), t.RowSize(), t.Data())
}

// Forward implements Operator: row-wise A x.
func (op *Matrix) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m, d := op.a.Dims()
	if x.RowSize() != d {
		return nil, errs.Shape("operator.Forward", tensor.Shape{x.Batch(), d}, x.Shape())
	}
	out := tensor.Zeros(tensor.Shape{x.Batch(), m})
	rows(out).Mul(rows(x), op.a.T())
	return out, nil
}

// Adjoint implements Linear: row-wise Aᵀ y.
func (op *Matrix) Adjoint(y *tensor.Tensor) (*tensor.Tensor, error) {
	m, d := op.a.Dims()
	if y.RowSize() != m {
		return nil, errs.Shape("operator.Adjoint", tensor.Shape{y.Batch(), m}, y.Shape())
	}
	out := tensor.Zeros(tensor.Shape{y.Batch(), d})
	rows(out).Mul(rows(y), op.a)
	return out, nil
}

// RegularizedInverse implements Linear using
// Aᵀ(r2·AAᵀ + s2·I)⁻¹ = V diag(S / (r2·S² + s2)) Uᵀ.
func (op *Matrix) RegularizedInverse(y *tensor.Tensor, r2, s2 float64) (*tensor.Tensor, error) {
	m, d := op.a.Dims()
	if y.RowSize() != m {
		return nil, errs.Shape("operator.RegularizedInverse", tensor.Shape{y.Batch(), m}, y.Shape())
	}
	var z mat.Dense
	z.Mul(rows(y), &op.u)
	for k, sv := range op.s {
		w := 0.0
		if den := r2*sv*sv + s2; sv > op.tol && den > 0 {
			w = sv / den
		}
		for b := range y.Batch() {
			z.Set(b, k, z.At(b, k)*w)
		}
	}
	out := tensor.Zeros(tensor.Shape{y.Batch(), d})
	rows(out).Mul(&z, op.v.T())
	return out, nil
}

// PseudoInverse applies A⁺.
func (op *Matrix) PseudoInverse(y *tensor.Tensor) (*tensor.Tensor, error) {
	return op.RegularizedInverse(y, 1, 0)
}
