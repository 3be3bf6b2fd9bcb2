// Package smc implements sequential Monte Carlo samplers built on the DDIM
// posterior transition of a diffusion model.
//
// FPS is filtering posterior sampling for linear inverse problems: the
// reverse diffusion is treated as a state-space model whose observations
// are the measurement pushed forward to every noise level. Optimize tempers
// the same particle system toward the minimizers of an objective.
package smc

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Config controls the particle system.
type Config struct {
	// Particles is the number of particles.
	Particles int

	// ESSThreshold triggers resampling when ESS < ESSThreshold·Particles.
	ESSThreshold float64

	// Times is the decreasing time grid from T to the final time.
	Times []float64

	// Eta is the DDIM stochasticity of the transition kernel.
	Eta float64
}

// DefaultConfig returns 1000 particles with resampling at half the
// particle count.
func DefaultConfig() Config {
	return Config{Particles: 1000, ESSThreshold: 0.5, Eta: 1}
}

func (c Config) validate() error {
	switch {
	case c.Particles <= 0:
		return errs.Configf("sampling.num_particles", "must be > 0, got %d", c.Particles)
	case c.ESSThreshold <= 0 || c.ESSThreshold > 1:
		return errs.Configf("sampling.ess_threshold", "must be in (0, 1], got %g", c.ESSThreshold)
	case len(c.Times) < 2:
		return errs.Configf("solver.num_outer_steps", "particle filter needs at least one step, got %d times", len(c.Times))
	case c.Eta <= 0:
		return errs.Configf("solver.eta", "particle transitions need eta > 0, got %g", c.Eta)
	}
	return nil
}

// Result is the final particle population.
type Result struct {
	Particles  *tensor.Tensor // [P, D]
	LogWeights []float64      // normalized
	ESS        []float64      // effective sample size after every step
	Resamples  int
}

// Weights returns the normalized particle weights.
func (r *Result) Weights() []float64 {
	w := make([]float64, len(r.LogWeights))
	for i, lw := range r.LogWeights {
		w[i] = math.Exp(lw)
	}
	return w
}

// Mean returns the weighted particle mean.
func (r *Result) Mean() []float64 {
	w := r.Weights()
	d := r.Particles.RowSize()
	mean := make([]float64, d)
	col := make([]float64, len(w))
	for j := range d {
		for i := range col {
			col[i] = r.Particles.Row(i)[j]
		}
		mean[j] = stat.Mean(col, w)
	}
	return mean
}

// population tracks log weights and handles resampling.
type population struct {
	logW      []float64
	ess       []float64
	resamples int
	threshold float64
}

func newPopulation(n int, threshold float64) *population {
	return &population{logW: make([]float64, n), threshold: threshold}
}

// reweight adds the incremental log weights of the given step, records the
// ESS and resamples x in place when it drops below the threshold. It
// returns the ancestor indices, or nil when no resampling took place.
func (p *population) reweight(step int, t float64, x *tensor.Tensor, inc []float64, src *rng.Source) ([]int, error) {
	floats.Add(p.logW, inc)
	lse := floats.LogSumExp(p.logW)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil, &errs.InstabilityError{Step: step, Time: t, Stage: errs.StagePredictor, Row: -1}
	}
	floats.AddConst(-lse, p.logW)

	ess := ESS(p.logW)
	p.ess = append(p.ess, ess)
	if ess >= p.threshold*float64(len(p.logW)) {
		return nil, nil
	}

	idx := Systematic(p.logW, src.Float64())
	old := x.Clone()
	for i, j := range idx {
		copy(x.Row(i), old.Row(j))
	}
	uniform := -math.Log(float64(len(p.logW)))
	for i := range p.logW {
		p.logW[i] = uniform
	}
	p.resamples++
	return idx, nil
}

func (p *population) result(x *tensor.Tensor) *Result {
	return &Result{Particles: x, LogWeights: p.logW, ESS: p.ess, Resamples: p.resamples}
}

// ESS returns the effective sample size 1/Σw² of normalized log weights.
func ESS(logW []float64) float64 {
	sum := 0.0
	for _, lw := range logW {
		sum += math.Exp(2 * lw)
	}
	return 1 / sum
}

// Systematic returns ancestor indices drawn by systematic resampling from
// normalized log weights, using u ∈ [0, 1) as the single uniform draw.
func Systematic(logW []float64, u float64) []int {
	n := len(logW)
	idx := make([]int, n)
	cum, j := math.Exp(logW[0]), 0
	for i := range n {
		pos := (float64(i) + u) / float64(n)
		for (pos > cum || logW[j] == math.Inf(-1)) && j < n-1 {
			j++
			cum += math.Exp(logW[j])
		}
		idx[i] = j
	}
	return idx
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
