package smc

import (
	"context"
	"fmt"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/parallel"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Objective is minimized by Optimize. It must be safe for concurrent use.
type Objective func(x []float64) float64

// Gamma is the inverse temperature as a function of diffusion time.
type Gamma func(t float64) float64

// LinearGamma grows from 0 at t = horizon to scale at t = 0.
func LinearGamma(scale, horizon float64) Gamma {
	return func(t float64) float64 { return scale * (1 - t/horizon) }
}

// Optimize runs SMC diffusion optimization: a bootstrap particle filter on
// the reverse DDIM chain whose potentials temper the model toward
// exp(−γ·f). Step k carries the potential −γ(t_k)·f(x_k) + γ(t_{k−1})·f(x_{k−1}),
// so the final weights target p_0(x)·exp(−γ(t_N)·f(x)).
func Optimize(ctx context.Context, s sde.SDE, p score.Provider, f Objective, gamma Gamma, dim int, cfg Config, src *rng.Source) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, errs.Configf("data.dim", "must be > 0, got %d", dim)
	}
	workers := parallel.DefaultConfig()
	n := cfg.Particles

	x := sde.Prior(s, tensor.Shape{n, dim}, src)
	prev := make([]float64, n)
	cur := make([]float64, n)
	inc := make([]float64, n)
	evaluate := func(dst []float64) {
		parallel.For(n, func(b int) { dst[b] = f(x.Row(b)) }, workers)
	}

	evaluate(prev)
	g0 := gamma(cfg.Times[0])
	for b := range inc {
		inc[b] = -g0 * prev[b]
	}
	pop := newPopulation(n, cfg.ESSThreshold)
	idx, err := pop.reweight(0, cfg.Times[0], x, inc, src)
	if err != nil {
		return nil, err
	}
	permute(prev, idx)

	for k := 0; k < len(cfg.Times)-1; k++ {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		t, tn := cfg.Times[k], cfg.Times[k+1]

		sc, err := p.Score(x, t)
		if err != nil {
			return nil, fmt.Errorf("smc optimize step %d: %w", k, err)
		}
		mu, tau := solver.DDIMPosterior(s, x, sc, t, tn, cfg.Eta)
		x = mu.AddScaled(tau, tensor.Randn(mu.Shape(), src))
		if rows := x.NonFiniteRows(); len(rows) > 0 {
			return nil, &errs.InstabilityError{Step: k, Time: tn, Stage: errs.StagePredictor, Row: rows[0]}
		}

		evaluate(cur)
		gn, gp := gamma(tn), gamma(t)
		for b := range inc {
			inc[b] = -gn*cur[b] + gp*prev[b]
		}
		idx, err := pop.reweight(k+1, tn, x, inc, src)
		if err != nil {
			return nil, err
		}
		permute(cur, idx)
		prev, cur = cur, prev
	}
	return pop.result(x), nil
}

// permute reorders v by ancestor indices; nil idx is the identity.
func permute(v []float64, idx []int) {
	if idx == nil {
		return
	}
	old := append([]float64(nil), v...)
	for i, j := range idx {
		v[i] = old[j]
	}
}

// Best returns the particle with the lowest objective value.
func (r *Result) Best(f Objective) ([]float64, float64) {
	best, bestVal := 0, f(r.Particles.Row(0))
	for b := 1; b < r.Particles.Batch(); b++ {
		if v := f(r.Particles.Row(b)); v < bestVal {
			best, bestVal = b, v
		}
	}
	return append([]float64(nil), r.Particles.Row(best)...), bestVal
}
