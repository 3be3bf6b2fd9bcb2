// Package solver implements the numerical steps of reverse-time sampling:
// predictors that move the state from t to a smaller time, correctors that
// refine it at a fixed time, and the outer time schedules.
//
// Solvers are stateless. Everything a step needs arrives in a Step, so one
// solver value can serve concurrent runs.
package solver

import (
	"math"

	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Step is the context of one solver invocation.
type Step struct {
	SDE   sde.SDE
	Score score.Provider

	// T is the current time. Predictors move to TNext < T; correctors
	// ignore TNext.
	T, TNext float64

	// Index is the outer step number, counted from 0 at the prior.
	Index int

	// Noise supplies the stochastic draws of this run.
	Noise *rng.Source

	// ProbabilityFlow selects the deterministic ODE variant.
	ProbabilityFlow bool

	// Live marks rows that still take part in batch statistics. Nil means
	// every row.
	Live []bool
}

func (st *Step) noise(shape tensor.Shape) *tensor.Tensor {
	return tensor.Randn(shape, st.Noise)
}

// DDIMPosterior returns the mean and std of the DDIM transition from x at t
// to tNext < t given the score at (x, t):
//
//	x̂0 = (x + s²·score)/a,  ε̂ = −s·score
//	σ²  = η²·(sₙ²/s²)·(s² − (a/aₙ)²·sₙ²)
//	μ   = aₙ·x̂0 + √(sₙ² − σ²)·ε̂
func DDIMPosterior(s sde.SDE, x, sc *tensor.Tensor, t, tNext, eta float64) (*tensor.Tensor, float64) {
	a, std := s.Marginal(t)
	an, stdn := s.Marginal(tNext)

	v := eta * eta * (stdn * stdn / (std * std)) * (std*std - (a/an)*(a/an)*stdn*stdn)
	v = min(max(v, 0), stdn*stdn)

	x0 := sde.Tweedie(s, x, sc, t)
	mean := tensor.Combine(an, x0, -std*math.Sqrt(stdn*stdn-v), sc)
	return mean, math.Sqrt(v)
}
