package solver

import (
	"math"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Corrector refines the state at the fixed time st.T with one MCMC step
// targeting the noised marginal.
type Corrector interface {
	Name() string
	Correct(st *Step, x *tensor.Tensor) (*tensor.Tensor, error)
}

// CorrectorOptions carry the tunables of the Langevin correctors.
type CorrectorOptions struct {
	// SNR is the target signal-to-noise ratio that sets the step size.
	SNR float64
}

var correctors = map[string]func(CorrectorOptions) Corrector{
	"langevin": func(o CorrectorOptions) Corrector { return Langevin{SNR: o.SNR} },
	"ald":      func(o CorrectorOptions) Corrector { return AnnealedLangevin{SNR: o.SNR} },
	"none":     func(CorrectorOptions) Corrector { return NoCorrector{} },
}

// ParseCorrector returns the corrector registered under name.
func ParseCorrector(name string, opts CorrectorOptions) (Corrector, error) {
	ctor, ok := correctors[name]
	if !ok {
		return nil, errs.Config("solver.inner_solver", name, "unknown corrector")
	}
	if name != "none" && opts.SNR <= 0 {
		return nil, errs.Configf("solver.snr", "must be > 0 for %s, got %g", name, opts.SNR)
	}
	return ctor(opts), nil
}

// alpha is the discrete retention factor for VP-family processes and 1
// otherwise.
func alpha(s sde.SDE, t float64) float64 {
	if a, ok := s.(sde.Alpha); ok {
		return a.Alpha(t)
	}
	return 1
}

// langevinStep applies x + ε·s + √(2ε)·z.
func langevinStep(x, sc, z *tensor.Tensor, step float64) *tensor.Tensor {
	return tensor.Combine(1, x, step, sc).AddScaled(math.Sqrt(2*step), z)
}

// Langevin is the Langevin corrector whose step size follows the ratio of
// noise and score norms: ε = 2α(snr·‖z‖/‖s‖)², norms averaged over live rows.
type Langevin struct {
	SNR float64
}

// Name implements Corrector.
func (Langevin) Name() string { return "langevin" }

// Correct implements Corrector. A vanishing score leaves x unchanged.
// Without any finite live row the step is 0 and non-finite scores pass
// through to the caller.
func (c Langevin) Correct(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	z := st.noise(x.Shape())

	// Rows with a non-finite score are left out of the norms so they
	// diverge alone.
	gradNorms, noiseNorms := sc.RowNorms(), z.RowNorms()
	var gradSum, noiseSum float64
	n := 0
	for b, g := range gradNorms {
		if (st.Live != nil && !st.Live[b]) || math.IsNaN(g) || math.IsInf(g, 0) {
			continue
		}
		gradSum += g
		noiseSum += noiseNorms[b]
		n++
	}
	if n == 0 {
		return langevinStep(x, sc, z, 0), nil
	}
	if gradSum == 0 {
		return x.Clone(), nil
	}
	ratio := c.SNR * noiseSum / gradSum
	step := 2 * alpha(st.SDE, st.T) * ratio * ratio
	return langevinStep(x, sc, z, step), nil
}

// AnnealedLangevin is annealed Langevin dynamics with the step size set by
// the marginal std: ε = 2α(snr·std(t))².
type AnnealedLangevin struct {
	SNR float64
}

// Name implements Corrector.
func (AnnealedLangevin) Name() string { return "ald" }

// Correct implements Corrector.
func (c AnnealedLangevin) Correct(st *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	sc, err := st.Score.Score(x, st.T)
	if err != nil {
		return nil, err
	}
	z := st.noise(x.Shape())
	_, std := st.SDE.Marginal(st.T)
	r := c.SNR * std
	return langevinStep(x, sc, z, 2*alpha(st.SDE, st.T)*r*r), nil
}

// NoCorrector leaves the state unchanged.
type NoCorrector struct{}

// Name implements Corrector.
func (NoCorrector) Name() string { return "none" }

// Correct implements Corrector.
func (NoCorrector) Correct(_ *Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Clone(), nil
}
