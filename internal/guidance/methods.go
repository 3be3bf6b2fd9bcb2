package guidance

import (
	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// gradStep is the central-difference step for non-linear operators.
const gradStep = 1e-4

type noGuide struct{}

func (noGuide) Method() Method { return None }

func (noGuide) Likelihood(*Env, *tensor.Tensor, float64, *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, nil
}

func (noGuide) Correct(*Env, *tensor.Tensor, float64) error { return nil }

// projector blends the state toward the measurement pushed forward to the
// current noise level.
type projector struct {
	lambda   float64
	n        int
	noiseStd float64
}

func (p projector) validate() error {
	switch {
	case p.n <= 0:
		return errs.Configf("sampling.n_projections", "must be > 0, got %d", p.n)
	case p.lambda <= 0 || p.lambda > 1:
		return errs.Configf("sampling.lambd", "must be in (0, 1], got %g", p.lambda)
	}
	return nil
}

func (projector) Method() Method { return Projection }

func (projector) Likelihood(*Env, *tensor.Tensor, float64, *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, nil
}

func (p projector) Correct(env *Env, x *tensor.Tensor, t float64) error {
	lin, err := env.linear()
	if err != nil {
		return err
	}
	mean, std := env.SDE.Marginal(t)
	yt, err := operator.NoisedMeasurement(lin, env.Y, x.Batch(), mean, std, env.Noise)
	if err != nil {
		return err
	}
	cur := x
	for range p.n {
		if cur, err = operator.Project(lin, cur, yt, p.lambda, p.noiseStd); err != nil {
			return err
		}
	}
	return x.CopyFrom(cur)
}

// posteriorSampling is diffusion posterior sampling:
// −ζ·∇x ‖A x̂0(x) − y‖².
type posteriorSampling struct {
	scale float64
}

func (posteriorSampling) Method() Method { return DPS }

func (d posteriorSampling) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	if env.skip(t) {
		return nil, nil
	}
	return d.term(env, x, t, s, d.scale)
}

func (posteriorSampling) Correct(*Env, *tensor.Tensor, float64) error { return nil }

func (posteriorSampling) term(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	x0 := sde.Tweedie(env.SDE, x, s, t)
	g, err := misfitGradient(env, x0)
	if err != nil {
		return nil, err
	}
	ls, err := env.jacobianT(x, t, g)
	if err != nil {
		return nil, err
	}
	return ls.Scale(-scale), nil
}

// misfitGradient returns ∇ ‖A(x0) − y‖² with respect to x0.
func misfitGradient(env *Env, x0 *tensor.Tensor) (*tensor.Tensor, error) {
	if lin, ok := env.Op.(operator.Linear); ok {
		r, err := operator.Residual(lin, x0, env.Y)
		if err != nil {
			return nil, err
		}
		g, err := lin.Adjoint(r)
		if err != nil {
			return nil, err
		}
		return g.Scale(-2), nil
	}
	misfit := func(z *tensor.Tensor) (float64, error) {
		r, err := operator.Residual(env.Op, z, env.Y)
		if err != nil {
			return 0, err
		}
		return r.Dot(r), nil
	}
	return score.Gradient(misfit, x0, gradStep)
}

// pseudoInverse is ΠGDM: coeff·Jᵀ Aᵀ(r²AAᵀ + σ²I)⁻¹(y − A x̂0) with
// r² = std²/(mean² + std²).
type pseudoInverse struct {
	coeff    float64
	noiseStd float64
}

func (pseudoInverse) Method() Method { return PiGDM }

func (p pseudoInverse) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	if env.skip(t) {
		return nil, nil
	}
	lin, err := env.linear()
	if err != nil {
		return nil, err
	}
	mean, std := env.SDE.Marginal(t)
	r2 := std * std / (mean*mean + std*std)

	x0 := sde.Tweedie(env.SDE, x, s, t)
	res, err := operator.Residual(lin, x0, env.Y)
	if err != nil {
		return nil, err
	}
	h, err := lin.RegularizedInverse(res, r2, p.noiseStd*p.noiseStd)
	if err != nil {
		return nil, err
	}
	ls, err := env.jacobianT(x, t, h)
	if err != nil {
		return nil, err
	}
	return ls.Scale(p.coeff), nil
}

func (pseudoInverse) Correct(*Env, *tensor.Tensor, float64) error { return nil }

// manifoldConstraint is the DPS term followed by a projection.
type manifoldConstraint struct {
	dps  posteriorSampling
	proj projector
}

func (manifoldConstraint) Method() Method { return MCG }

func (m manifoldConstraint) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	return m.dps.Likelihood(env, x, t, s)
}

func (m manifoldConstraint) Correct(env *Env, x *tensor.Tensor, t float64) error {
	return m.proj.Correct(env, x, t)
}

// stochasticSecondOrder adds to the DPS term a one-sample surrogate of the
// second-order correction, the DPS gradient evaluated at x + std·ε.
type stochasticSecondOrder struct {
	dps   posteriorSampling
	scale float64
}

func (stochasticSecondOrder) Method() Method { return STSL }

func (m stochasticSecondOrder) Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error) {
	if env.skip(t) {
		return nil, nil
	}
	first, err := m.dps.term(env, x, t, s, m.dps.scale)
	if err != nil {
		return nil, err
	}
	if m.scale == 0 {
		return first, nil
	}

	_, std := env.SDE.Marginal(t)
	perturbed := x.Clone().AddScaled(std, tensor.Randn(x.Shape(), env.Noise))
	ps, err := env.Score.Score(perturbed, t)
	if err != nil {
		return nil, err
	}
	second, err := m.dps.term(env, perturbed, t, ps, m.scale)
	if err != nil {
		return nil, err
	}
	return first.Add(second), nil
}

func (stochasticSecondOrder) Correct(*Env, *tensor.Tensor, float64) error { return nil }
