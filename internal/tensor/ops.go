package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// In-place arithmetic. Like gonum/floats, these panic when the operands
// have different lengths; shapes are checked where tensors enter the engine.

// Add sets t = t + other and returns t.
func (t *Tensor) Add(other *Tensor) *Tensor {
	floats.Add(t.data, other.data)
	return t
}

// Sub sets t = t - other and returns t.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	floats.Sub(t.data, other.data)
	return t
}

// AddScaled sets t = t + alpha*other and returns t.
func (t *Tensor) AddScaled(alpha float64, other *Tensor) *Tensor {
	floats.AddScaled(t.data, alpha, other.data)
	return t
}

// Scale sets t = c*t and returns t.
func (t *Tensor) Scale(c float64) *Tensor {
	floats.Scale(c, t.data)
	return t
}

// Mul sets t = t ⊙ other (elementwise) and returns t.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	floats.Mul(t.data, other.data)
	return t
}

// Combine returns a*x + b*y as a new tensor.
func Combine(a float64, x *Tensor, b float64, y *Tensor) *Tensor {
	out := x.Clone().Scale(a)
	floats.AddScaled(out.data, b, y.data)
	return out
}

// Dot returns the inner product of t and other over all elements.
func (t *Tensor) Dot(other *Tensor) float64 {
	return floats.Dot(t.data, other.data)
}

// Norm returns the Euclidean norm over all elements.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.data, 2)
}

// RowNorms returns the Euclidean norm of every batch row.
func (t *Tensor) RowNorms() []float64 {
	norms := make([]float64, t.Batch())
	for b := range norms {
		norms[b] = floats.Norm(t.Row(b), 2)
	}
	return norms
}

// MeanRowNorm returns the mean row norm over rows where live is true
// (all rows when live is nil). It returns 0 when no row is live.
func (t *Tensor) MeanRowNorm(live []bool) float64 {
	sum, n := 0.0, 0
	for b := 0; b < t.Batch(); b++ {
		if live != nil && !live[b] {
			continue
		}
		sum += floats.Norm(t.Row(b), 2)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// IsFinite reports whether every element is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// NonFiniteRows returns the indices of rows holding NaN or Inf values.
func (t *Tensor) NonFiniteRows() []int {
	var rows []int
	for b := 0; b < t.Batch(); b++ {
		for _, v := range t.Row(b) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				rows = append(rows, b)
				break
			}
		}
	}
	return rows
}

// Equal reports whether t and other have the same shape and bit-identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.data {
		if math.Float64bits(v) != math.Float64bits(other.data[i]) {
			return false
		}
	}
	return true
}

// EqualApprox reports whether t and other have the same shape and all
// elements within tol.
func (t *Tensor) EqualApprox(other *Tensor, tol float64) bool {
	return t.shape.Equal(other.shape) && floats.EqualApprox(t.data, other.data, tol)
}
