package score

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/parallel"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// GaussianMixture is an isotropic Gaussian mixture data distribution
// Σ w_k N(μ_k, σc²I). Its noised marginal at time t is again a mixture with
// components N(mean(t)·μ_k, (mean(t)²σc² + std(t)²)I), so the score and its
// Jacobian are available in closed form. It serves as the stand-in network
// for synthetic data.
type GaussianMixture struct {
	sde     sde.SDE
	means   [][]float64
	logW    []float64
	std     float64
	dim     int
	workers parallel.Config
}

// NewGaussianMixture validates the components and returns the model.
// Weights are normalized; nil weights mean uniform.
func NewGaussianMixture(s sde.SDE, means [][]float64, weights []float64, std float64) (*GaussianMixture, error) {
	if len(means) == 0 {
		return nil, errs.Config("model.mixture.components", "0", "mixture needs at least one component")
	}
	if std < 0 {
		return nil, errs.Configf("model.mixture.std", "must be >= 0, got %g", std)
	}
	dim := len(means[0])
	if dim == 0 {
		return nil, errs.Config("data.dim", "0", "must be > 0")
	}
	for _, m := range means {
		if len(m) != dim {
			return nil, errs.Shape("mixture mean", []int{dim}, []int{len(m)})
		}
	}
	if weights == nil {
		weights = make([]float64, len(means))
		floats.AddConst(1, weights)
	}
	if len(weights) != len(means) {
		return nil, errs.Shape("mixture weights", []int{len(means)}, []int{len(weights)})
	}
	total := floats.Sum(weights)
	logW := make([]float64, len(weights))
	for k, w := range weights {
		if w <= 0 {
			return nil, errs.Configf("data.weights", "weights must be > 0, got %g", w)
		}
		logW[k] = math.Log(w / total)
	}

	cp := make([][]float64, len(means))
	for k, m := range means {
		cp[k] = append([]float64(nil), m...)
	}
	return &GaussianMixture{
		sde:     s,
		means:   cp,
		logW:    logW,
		std:     std,
		dim:     dim,
		workers: parallel.DefaultConfig(),
	}, nil
}

// RandomGaussianMixture places k equally weighted components at random
// directions with norm spread.
func RandomGaussianMixture(s sde.SDE, dim, k int, spread, std float64, src *rng.Source) (*GaussianMixture, error) {
	if dim <= 0 {
		return nil, errs.Configf("data.dim", "must be > 0, got %d", dim)
	}
	if k <= 0 {
		return nil, errs.Configf("model.mixture.components", "must be > 0, got %d", k)
	}
	means := make([][]float64, k)
	for i := range means {
		m := make([]float64, dim)
		src.FillNormal(m)
		floats.Scale(spread/floats.Norm(m, 2), m)
		means[i] = m
	}
	return NewGaussianMixture(s, means, nil, std)
}

// Dim returns the data dimension.
func (g *GaussianMixture) Dim() int { return g.dim }

// Sample draws n clean samples.
func (g *GaussianMixture) Sample(n int, src *rng.Source) *tensor.Tensor {
	x := tensor.Zeros(tensor.Shape{n, g.dim})
	cdf := make([]float64, len(g.logW))
	acc := 0.0
	for k, lw := range g.logW {
		acc += math.Exp(lw)
		cdf[k] = acc
	}
	for b := range n {
		u := src.Float64() * acc
		k := 0
		for k < len(cdf)-1 && u > cdf[k] {
			k++
		}
		row := x.Row(b)
		src.FillNormal(row)
		floats.Scale(g.std, row)
		floats.Add(row, g.means[k])
	}
	return x
}

// marginal returns the scaled mean factor and the per-component variance at t.
func (g *GaussianMixture) marginal(t float64) (float64, float64) {
	m, s := g.sde.Marginal(t)
	return m, m*m*g.std*g.std + s*s
}

// responsibilities fills r with the posterior component probabilities of
// row x and d[k] with m·μ_k − x.
func (g *GaussianMixture) responsibilities(x []float64, m, v float64, r []float64, d [][]float64) {
	for k, mu := range g.means {
		dk := d[k]
		for i := range dk {
			dk[i] = m*mu[i] - x[i]
		}
		r[k] = g.logW[k] - floats.Dot(dk, dk)/(2*v)
	}
	lse := floats.LogSumExp(r)
	for k := range r {
		r[k] = math.Exp(r[k] - lse)
	}
}

func (g *GaussianMixture) checkShape(op string, x *tensor.Tensor) error {
	if x.RowSize() != g.dim {
		return errs.Shape(op, tensor.Shape{x.Batch(), g.dim}, x.Shape())
	}
	return nil
}

func (g *GaussianMixture) scratch() ([]float64, [][]float64) {
	d := make([][]float64, len(g.means))
	for k := range d {
		d[k] = make([]float64, g.dim)
	}
	return make([]float64, len(g.means)), d
}

// Score implements Provider: Σ_k r_k (m·μ_k − x) / v.
func (g *GaussianMixture) Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	if err := g.checkShape("mixture score", x); err != nil {
		return nil, err
	}
	m, v := g.marginal(t)
	out := x.ZerosLike()
	parallel.For(x.Batch(), func(b int) {
		r, d := g.scratch()
		g.responsibilities(x.Row(b), m, v, r, d)
		row := out.Row(b)
		for k := range d {
			floats.AddScaled(row, r[k]/v, d[k])
		}
	}, g.workers)
	return out, nil
}

// ScoreJVP implements JVPProvider with the exact Hessian of log p_t:
// H·u = −u/v + (Σ r_k d_k (d_k·u) − d̄ (d̄·u)) / v², d̄ = Σ r_k d_k.
func (g *GaussianMixture) ScoreJVP(x *tensor.Tensor, t float64, u *tensor.Tensor) (*tensor.Tensor, error) {
	if err := g.checkShape("mixture jvp", x); err != nil {
		return nil, err
	}
	if err := x.CheckSameShape("mixture jvp", u); err != nil {
		return nil, err
	}
	m, v := g.marginal(t)
	out := x.ZerosLike()
	parallel.For(x.Batch(), func(b int) {
		r, d := g.scratch()
		g.responsibilities(x.Row(b), m, v, r, d)
		ub := u.Row(b)
		row := out.Row(b)

		mean := make([]float64, g.dim)
		for k := range d {
			floats.AddScaled(mean, r[k], d[k])
			floats.AddScaled(row, r[k]*floats.Dot(d[k], ub), d[k])
		}
		floats.AddScaled(row, -floats.Dot(mean, ub), mean)
		floats.Scale(1/(v*v), row)
		floats.AddScaled(row, -1/v, ub)
	}, g.workers)
	return out, nil
}

// Posterior returns the exact E[x0 | x(t) = x] of the mixture, used to check
// Tweedie estimates.
func (g *GaussianMixture) Posterior(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	s, err := g.Score(x, t)
	if err != nil {
		return nil, err
	}
	return sde.Tweedie(g.sde, x, s, t), nil
}
