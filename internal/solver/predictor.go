package solver

import (
	"math"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Predictor advances the state from st.T to st.TNext.
type Predictor interface {
	Name() string
	Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error)
}

// PredictorOptions carry the tunables some predictors read.
type PredictorOptions struct {
	// Eta scales the stochasticity of DDIM: 0 is deterministic, 1 matches
	// ancestral sampling.
	Eta float64
}

var predictors = map[string]func(PredictorOptions) Predictor{
	"euler_maruyama":         func(PredictorOptions) Predictor { return EulerMaruyama{} },
	"reverse_diffusion":      func(PredictorOptions) Predictor { return ReverseDiffusion{} },
	"ancestral_sampling":     func(PredictorOptions) Predictor { return Ancestral{} },
	"ddim":                   func(o PredictorOptions) Predictor { return DDIM{Eta: o.Eta} },
	"exponential_integrator": func(PredictorOptions) Predictor { return ExponentialIntegrator{} },
	"none":                   func(PredictorOptions) Predictor { return NoPredictor{} },
}

// ParsePredictor returns the predictor registered under name.
func ParsePredictor(name string, opts PredictorOptions) (Predictor, error) {
	ctor, ok := predictors[name]
	if !ok {
		return nil, errs.Config("solver.outer_solver", name, "unknown predictor")
	}
	return ctor(opts), nil
}

// EulerMaruyama takes one Euler-Maruyama step of the reverse SDE
// dx = [f − g²·s] dt + g dw̄, or of the probability flow ODE
// dx = [f − ½g²·s] dt.
type EulerMaruyama struct{}

// Name implements Predictor.
func (EulerMaruyama) Name() string { return "euler_maruyama" }

// Predict implements Predictor.
func (EulerMaruyama) Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	dt := st.TNext - st.T
	fs, g := st.SDE.Coefficients(st.T)
	w := g * g
	if st.ProbabilityFlow {
		w *= 0.5
	}
	// x + (fs·x − w·s)·dt
	out := tensor.Combine(1+fs*dt, x, -w*dt, sc)
	if !st.ProbabilityFlow {
		out.AddScaled(g*math.Sqrt(-dt), st.noise(x.Shape()))
	}
	return out, nil
}

// ReverseDiffusion discretizes the reverse SDE with the same transition as
// the forward chain: x − f_d + G²·s + G·z.
type ReverseDiffusion struct{}

// Name implements Predictor.
func (ReverseDiffusion) Name() string { return "reverse_diffusion" }

// Predict implements Predictor.
func (ReverseDiffusion) Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	fs, g := st.SDE.Discretize(st.T, st.TNext)
	w := g * g
	if st.ProbabilityFlow {
		w *= 0.5
	}
	out := tensor.Combine(1-fs, x, w, sc)
	if !st.ProbabilityFlow {
		out.AddScaled(g, st.noise(x.Shape()))
	}
	return out, nil
}

// Ancestral samples the DDPM (VP family) or SMLD (VE) ancestral chain.
type Ancestral struct{}

// Name implements Predictor.
func (Ancestral) Name() string { return "ancestral_sampling" }

// Predict implements Predictor.
func (Ancestral) Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	if st.SDE.Kind() == sde.VE {
		_, sigma := st.SDE.Marginal(st.T)
		_, sigmaN := st.SDE.Marginal(st.TNext)
		d := sigma*sigma - sigmaN*sigmaN
		out := x.Clone().AddScaled(d, sc)
		if !st.ProbabilityFlow {
			out.AddScaled(math.Sqrt(max(sigmaN*sigmaN*d/(sigma*sigma), 0)), st.noise(x.Shape()))
		}
		return out, nil
	}

	m, _ := st.SDE.Marginal(st.T)
	mn, _ := st.SDE.Marginal(st.TNext)
	beta := min(max(1-(m*m)/(mn*mn), 0), 1-1e-12)
	out := x.Clone().AddScaled(beta, sc).Scale(1 / math.Sqrt(1-beta))
	if !st.ProbabilityFlow {
		out.AddScaled(math.Sqrt(beta), st.noise(x.Shape()))
	}
	return out, nil
}

// DDIM is the generalized DDIM update expressed through the marginal mean
// and std, so it applies to every SDE family.
type DDIM struct {
	Eta float64
}

// Name implements Predictor.
func (DDIM) Name() string { return "ddim" }

// Predict implements Predictor.
func (p DDIM) Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	eta := p.Eta
	if st.ProbabilityFlow {
		eta = 0
	}
	mean, std := DDIMPosterior(st.SDE, x, sc, st.T, st.TNext, eta)
	if std > 0 {
		mean.AddScaled(std, st.noise(x.Shape()))
	}
	return mean, nil
}

// ExponentialIntegrator is the second-order DPM-Solver step. It integrates
// the linear part of the probability flow exactly in log-SNR and evaluates
// the noise prediction at the midpoint time.
type ExponentialIntegrator struct{}

// Name implements Predictor.
func (ExponentialIntegrator) Name() string { return "exponential_integrator" }

// Predict implements Predictor.
func (ExponentialIntegrator) Predict(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	s := st.SDE
	tMid := 0.5 * (st.T + st.TNext)
	a, std := s.Marginal(st.T)
	aMid, stdMid := s.Marginal(tMid)
	an, stdn := s.Marginal(st.TNext)

	lambda := sde.LogSNR(s, st.T)
	h := sde.LogSNR(s, st.TNext) - lambda
	if h <= 0 {
		return x.Clone(), nil
	}
	r := (sde.LogSNR(s, tMid) - lambda) / h

	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	eps := sc.Clone().Scale(-std)

	u := tensor.Combine(aMid/a, x, -stdMid*math.Expm1(r*h), eps)
	scMid, err := st.Score.Score(u, tMid)
	if err != nil {
		return nil, err
	}
	epsMid := scMid.Scale(-stdMid)

	phi := math.Expm1(h)
	out := tensor.Combine(an/a, x, -stdn*phi, eps)
	out.AddScaled(-stdn*phi/(2*r), epsMid.Sub(eps))
	return out, nil
}

// NoPredictor leaves the state unchanged.
type NoPredictor struct{}

// Name implements Predictor.
func (NoPredictor) Name() string { return "none" }

// Predict implements Predictor.
func (NoPredictor) Predict(_ *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Clone(), nil
}
