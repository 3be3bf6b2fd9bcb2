// Package guidance steers reverse-time sampling toward consistency with a
// measurement y = A(x) + noise.
//
// A Guide contributes in two places. Likelihood returns an additive term
// for the score, approximating ∇x log p(y | x(t)); the sampler wraps the
// unconditional provider so that predictors and correctors see the guided
// score. Correct edits the state after each predictor step, which is how
// projection methods enforce the measurement directly.
package guidance

import (
	"math"
	"sync/atomic"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Method identifies a guidance algorithm.
type Method int

// Guidance methods.
const (
	None Method = iota
	Projection
	PiGDM
	DPS
	MCG
	TMPD
	STSL
	KPSMLDPlus
)

var methodNames = map[Method]string{
	None:       "none",
	Projection: "projection",
	PiGDM:      "pigdm",
	DPS:        "dps",
	MCG:        "mcg",
	TMPD:       "tmpd",
	STSL:       "stsl",
	KPSMLDPlus: "kpsmldplus",
}

var aliases = map[string]Method{
	"":                        None,
	"vanilla":                 None,
	"pseudo_inverse_guidance": PiGDM,
	"pig":                     PiGDM,
	"tmp":                     TMPD,
}

// String implements fmt.Stringer.
func (m Method) String() string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	return "unknown"
}

// Parse maps a cs_method name to a Method.
func Parse(name string) (Method, error) {
	if m, ok := aliases[name]; ok {
		return m, nil
	}
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errs.Config("sampling.cs_method", name, "unknown guidance method")
}

// RequiresOperator reports whether the method reads a measurement.
func (m Method) RequiresOperator() bool { return m != None }

// RequiresLinear reports whether the method needs an operator with an
// adjoint and pseudo-inverse. DPS and STSL fall back to numerical
// gradients for non-linear operators.
func (m Method) RequiresLinear() bool {
	switch m {
	case None, DPS, STSL:
		return false
	}
	return true
}

// Params are the guidance hyperparameters.
type Params struct {
	Lambda       float64 // projection blend λ
	Coeff        float64 // pigdm scale
	NProjections int     // projection iterations per step
	NoiseStd     float64 // measurement noise σ_y
	DPSScale     float64 // ζ of the first-order gradient term
	STSLScale    float64 // ζ of the stochastic second-order term
	SigmaRate    float64 // kpsmldplus attenuation rate
}

// Env is what a guide may read during a run.
type Env struct {
	SDE   sde.SDE
	Score score.Provider // unconditional
	Op    operator.Operator
	Y     *tensor.Tensor // [B, M]
	Noise *rng.Source    // guidance stream, separate from the solver's

	// MinStd disables score-term corrections while std(t) < MinStd.
	MinStd float64

	// Isolate passes non-finite likelihood rows through to the caller,
	// which freezes them, instead of failing the evaluation.
	Isolate bool
}

func (env *Env) skip(t float64) bool {
	_, std := env.SDE.Marginal(t)
	return std < env.MinStd
}

func (env *Env) linear() (operator.Linear, error) {
	lin, ok := env.Op.(operator.Linear)
	if !ok {
		return nil, errs.Config("sampling.cs_method", "", "method needs a linear measurement operator")
	}
	return lin, nil
}

// Guide is one guidance algorithm.
type Guide interface {
	Method() Method

	// Likelihood returns the additive likelihood-score term at (x, t)
	// given the unconditional score s; nil means no term.
	Likelihood(env *Env, x *tensor.Tensor, t float64, s *tensor.Tensor) (*tensor.Tensor, error)

	// Correct applies a post-predictor state correction in place.
	Correct(env *Env, x *tensor.Tensor, t float64) error
}

// New builds the guide for m.
func New(m Method, p Params) (Guide, error) {
	if p.NoiseStd < 0 {
		return nil, errs.Configf("sampling.noise_std", "must be >= 0, got %g", p.NoiseStd)
	}
	proj := projector{lambda: p.Lambda, n: p.NProjections, noiseStd: p.NoiseStd}
	dps := posteriorSampling{scale: p.DPSScale}
	switch m {
	case None:
		return noGuide{}, nil
	case Projection:
		if err := proj.validate(); err != nil {
			return nil, err
		}
		return proj, nil
	case PiGDM:
		return pseudoInverse{coeff: p.Coeff, noiseStd: p.NoiseStd}, nil
	case DPS:
		return dps, nil
	case MCG:
		if err := proj.validate(); err != nil {
			return nil, err
		}
		return manifoldConstraint{dps: dps, proj: proj}, nil
	case TMPD:
		return momentProjection{noiseStd: p.NoiseStd}, nil
	case STSL:
		return stochasticSecondOrder{dps: dps, scale: p.STSLScale}, nil
	case KPSMLDPlus:
		if p.SigmaRate < 0 {
			return nil, errs.Configf("sampling.projection_sigma_rate", "must be >= 0, got %g", p.SigmaRate)
		}
		return kalmanProjection{noiseStd: p.NoiseStd, rate: p.SigmaRate}, nil
	}
	return nil, errs.Config("sampling.cs_method", m.String(), "unknown guidance method")
}

// Guided is the score provider seen by the solvers: the unconditional score
// plus the guide's likelihood term.
type Guided struct {
	guide Guide
	env   *Env
	calls atomic.Int64
}

// Wrap returns the guided provider for env.
func Wrap(g Guide, env *Env) *Guided {
	return &Guided{guide: g, env: env}
}

// Score implements score.Provider.
func (g *Guided) Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	s, err := g.env.Score.Score(x, t)
	if err != nil {
		return nil, err
	}
	if g.guide.Method() == None {
		return s, nil
	}
	g.calls.Add(1)
	ls, err := g.guide.Likelihood(g.env, x, t, s)
	if err != nil {
		return nil, err
	}
	if ls == nil {
		return s, nil
	}
	if rows := ls.NonFiniteRows(); len(rows) > 0 && !g.env.Isolate {
		return nil, &errs.InstabilityError{Step: -1, Time: t, Stage: errs.StageGuidance, Row: rows[0]}
	}
	return s.Add(ls), nil
}

// Correct runs the guide's post-predictor correction.
func (g *Guided) Correct(x *tensor.Tensor, t float64) error {
	if g.guide.Method() == None {
		return nil
	}
	g.calls.Add(1)
	return g.guide.Correct(g.env, x, t)
}

// Calls returns the number of guidance invocations.
func (g *Guided) Calls() int64 { return g.calls.Load() }

// jacobianT applies Jᵀ·v for the Tweedie denoiser x̂0(x) = (x + std²·s)/mean,
// J = (I + std²·∇s)/mean. ∇s is symmetric so one JVP suffices.
func (env *Env) jacobianT(x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error) {
	mean, std := env.SDE.Marginal(t)
	hv, err := score.JVP(env.Score, x, t, v)
	if err != nil {
		return nil, err
	}
	return v.Clone().AddScaled(std*std, hv).Scale(1 / mean), nil
}

// attenuation is 1 − exp(−rate·std), or 1 when rate is 0.
func attenuation(rate, std float64) float64 {
	if rate == 0 {
		return 1
	}
	return -math.Expm1(-rate * std)
}
