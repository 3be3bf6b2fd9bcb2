// Package score wraps denoising networks behind a uniform score interface.
//
// A Provider returns an estimate of ∇x log p_t(x) for a batch of states at a
// shared time. Providers hold no run state and must be safe to call from
// concurrent sampling runs.
//
// Gradient-based guidance needs Jacobian-vector products of the score. A
// provider can expose them exactly by implementing JVPProvider; otherwise JVP
// falls back to central finite differences. The score Jacobian is the Hessian
// of a log-density, hence symmetric, so the same product serves as a
// vector-Jacobian product.
package score

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Provider estimates the score of the noised marginal at time t.
type Provider interface {
	Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error)
}

// JVPProvider is a Provider that also returns exact Jacobian-vector
// products J_score(x, t)·v.
type JVPProvider interface {
	Provider
	ScoreJVP(x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error)
}

// Func adapts a plain function to Provider.
type Func func(x *tensor.Tensor, t float64) (*tensor.Tensor, error)

// Score implements Provider.
func (f Func) Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error) { return f(x, t) }

// JVP returns J_score(x, t)·v. Rows of v are paired with rows of x.
func JVP(p Provider, x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error) {
	if err := x.CheckSameShape("score.JVP", v); err != nil {
		return nil, err
	}
	if jp, ok := p.(JVPProvider); ok {
		return jp.ScoreJVP(x, t, v)
	}
	return finiteJVP(p, x, t, v)
}

// finiteJVP approximates J·v by (s(x+hv) − s(x−hv)) / 2h with a step h
// chosen per row, so rows stay independent. Both evaluations are batched.
func finiteJVP(p Provider, x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error) {
	d := math.Sqrt(float64(v.RowSize()))
	xNorms, vNorms := x.RowNorms(), v.RowNorms()
	steps := make([]float64, v.Batch())
	plus, minus := x.Clone(), x.Clone()
	moved := false
	for b, vn := range vNorms {
		if vn == 0 {
			continue
		}
		moved = true
		h := 1e-5 * (1 + xNorms[b]/d) / (vn / d)
		steps[b] = h
		floats.AddScaled(plus.Row(b), h, v.Row(b))
		floats.AddScaled(minus.Row(b), -h, v.Row(b))
	}
	if !moved {
		return v.ZerosLike(), nil
	}

	sp, err := p.Score(plus, t)
	if err != nil {
		return nil, fmt.Errorf("jvp forward evaluation: %w", err)
	}
	sm, err := p.Score(minus, t)
	if err != nil {
		return nil, fmt.Errorf("jvp backward evaluation: %w", err)
	}
	out := sp.Sub(sm)
	for b, h := range steps {
		if h == 0 {
			clear(out.Row(b))
			continue
		}
		floats.Scale(1/(2*h), out.Row(b))
	}
	return out, nil
}

// Gradient returns the numerical gradient of a scalar function of the state
// by central differences with step h. It costs 2·len(x) evaluations of f and
// is the fallback for operators without an adjoint.
func Gradient(f func(*tensor.Tensor) (float64, error), x *tensor.Tensor, h float64) (*tensor.Tensor, error) {
	grad := x.ZerosLike()
	xs := x.Clone()
	data := xs.Data()
	for i := range data {
		orig := data[i]

		data[i] = orig + h
		fp, err := f(xs)
		if err != nil {
			return nil, err
		}
		data[i] = orig - h
		fm, err := f(xs)
		if err != nil {
			return nil, err
		}
		data[i] = orig

		grad.Data()[i] = (fp - fm) / (2 * h)
	}
	return grad, nil
}

// Tweedie evaluates the score at (x, t) and returns the posterior mean
// estimate of the clean sample together with the score.
func Tweedie(p Provider, s sde.SDE, x *tensor.Tensor, t float64) (x0, score *tensor.Tensor, err error) {
	score, err = p.Score(x, t)
	if err != nil {
		return nil, nil, err
	}
	if err := x.CheckSameShape("score.Tweedie", score); err != nil {
		return nil, nil, err
	}
	return sde.Tweedie(s, x, score, t), score, nil
}

// Counting wraps a Provider and counts evaluations.
type Counting struct {
	inner Provider
	evals atomic.Int64
	jvps  atomic.Int64
}

// NewCounting wraps p.
func NewCounting(p Provider) *Counting {
	return &Counting{inner: p}
}

// Score implements Provider.
func (c *Counting) Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	c.evals.Add(1)
	return c.inner.Score(x, t)
}

// ScoreJVP implements JVPProvider. Finite-difference products are built
// from counted Score calls.
func (c *Counting) ScoreJVP(x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error) {
	c.jvps.Add(1)
	if jp, ok := c.inner.(JVPProvider); ok {
		return jp.ScoreJVP(x, t, v)
	}
	return finiteJVP(c, x, t, v)
}

// Evals returns the number of Score calls.
func (c *Counting) Evals() int64 { return c.evals.Load() }

// JVPs returns the number of Jacobian-vector products.
func (c *Counting) JVPs() int64 { return c.jvps.Load() }
