package guidance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/parallel"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// varianceFloor keeps innovation variances strictly positive.
const varianceFloor = 1e-12

// innovation holds what the Tweedie moment methods share: the residual
// y − A x̂0 and the scale of the posterior covariance Cov[x0 | x] = (std²/mean)·J.
type innovation struct {
	lin   operator.Linear
	res   *tensor.Tensor
	scale float64
}

func newInnovation(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*innovation, error) {
	lin, err := env.linear()
	if err != nil {
		return nil, err
	}
	mean, std := env.SDE.Marginal(t)
	x0 := sde.Tweedie(env.SDE, x, s, t)
	res, err := operator.Residual(lin, x0, env.Y)
	if err != nil {
		return nil, err
	}
	return &innovation{lin: lin, res: res, scale: std * std / mean}, nil
}

// covTimes returns A·Cov·Aᵀ·u for a [B, M] batch u.
func (in *innovation) covTimes(env *Env, x *tensor.Tensor, t float64, u *tensor.Tensor) (*tensor.Tensor, error) {
	atu, err := in.lin.Adjoint(u)
	if err != nil {
		return nil, err
	}
	jv, err := env.jacobianT(x, t, atu)
	if err != nil {
		return nil, err
	}
	out, err := in.lin.Forward(jv)
	if err != nil {
		return nil, err
	}
	return out.Scale(in.scale), nil
}

// pullBack returns Jᵀ Aᵀ w.
func (in *innovation) pullBack(env *Env, x *tensor.Tensor, t float64, w *tensor.Tensor) (*tensor.Tensor, error) {
	atw, err := in.lin.Adjoint(w)
	if err != nil {
		return nil, err
	}
	return env.jacobianT(x, t, atw)
}

// momentProjection is Tweedie moment projection with the innovation
// covariance reduced to its row sums: C = A·Cov·Aᵀ·1 + σ².
type momentProjection struct {
	noiseStd float64
}

func (momentProjection) Method() Method { return TMPD }

func (m momentProjection) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	if env.skip(t) {
		return nil, nil
	}
	in, err := newInnovation(env, x, t, s)
	if err != nil {
		return nil, err
	}
	c, err := in.covTimes(env, x, t, tensor.Full(in.res.Shape(), 1))
	if err != nil {
		return nil, err
	}
	w := in.res.Clone()
	noise := m.noiseStd * m.noiseStd
	for i, ci := range c.Data() {
		w.Data()[i] /= max(ci+noise, varianceFloor)
	}
	return in.pullBack(env, x, t, w)
}

func (momentProjection) Correct(*Env, *tensor.Tensor, float64) error { return nil }

// kalmanProjection solves the full innovation system
// (A·Cov·Aᵀ + σ²I) w = y − A x̂0 for every row and returns Jᵀ Aᵀ w, damped
// by 1 − exp(−rate·std) as std shrinks.
type kalmanProjection struct {
	noiseStd float64
	rate     float64
}

func (kalmanProjection) Method() Method { return KPSMLDPlus }

func (k kalmanProjection) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	if env.skip(t) {
		return nil, nil
	}
	in, err := newInnovation(env, x, t, s)
	if err != nil {
		return nil, err
	}
	batch, m := in.res.Batch(), in.res.RowSize()

	// Column j of every row's covariance comes from one batched product
	// with the unit vector e_j.
	full := make([]*mat.Dense, batch)
	for b := range full {
		full[b] = mat.NewDense(m, m, nil)
	}
	unit := tensor.Zeros(in.res.Shape())
	for j := range m {
		for b := range batch {
			unit.Row(b)[j] = 1
		}
		col, err := in.covTimes(env, x, t, unit)
		if err != nil {
			return nil, err
		}
		for b := range batch {
			unit.Row(b)[j] = 0
			full[b].SetCol(j, col.Row(b))
		}
	}

	// Rows are solved independently. A row with a non-finite residual or
	// covariance yields a non-finite w row for the caller to handle.
	noise := k.noiseStd * k.noiseStd
	w := tensor.Zeros(in.res.Shape())
	err = parallel.ForErr(batch, func(b int) error {
		if !allFinite(in.res.Row(b)) || !allFinite(full[b].RawMatrix().Data) {
			for i := range w.Row(b) {
				w.Row(b)[i] = math.NaN()
			}
			return nil
		}
		// The finite-difference fallback is only approximately symmetric.
		cov := mat.NewSymDense(m, nil)
		for i := range m {
			for j := i; j < m; j++ {
				cov.SetSym(i, j, 0.5*(full[b].At(i, j)+full[b].At(j, i)))
			}
			cov.SetSym(i, i, cov.At(i, i)+noise)
		}
		if err := solveSPD(cov, in.res.Row(b), w.Row(b)); err != nil {
			return fmt.Errorf("kpsmldplus row %d: %w", b, err)
		}
		return nil
	}, parallel.DefaultConfig())
	if err != nil {
		return nil, err
	}

	ls, err := in.pullBack(env, x, t, w)
	if err != nil {
		return nil, err
	}
	_, std := env.SDE.Marginal(t)
	return ls.Scale(attenuation(k.rate, std)), nil
}

func (kalmanProjection) Correct(*Env, *tensor.Tensor, float64) error { return nil }

// solveSPD solves C w = r by Cholesky, falling back to LU when C is not
// numerically positive definite.
func solveSPD(c *mat.SymDense, r, dst []float64) error {
	n := len(r)
	rhs := mat.NewVecDense(n, r)
	out := mat.NewVecDense(n, dst)

	var chol mat.Cholesky
	if chol.Factorize(c) {
		return chol.SolveVecTo(out, rhs)
	}
	return out.SolveVec(c, rhs)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
