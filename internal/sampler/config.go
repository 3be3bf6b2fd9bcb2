package sampler

import (
	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/guidance"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Method selects the sampling algorithm.
type Method int

// Sampling methods.
const (
	PC  Method = iota // Predictor-corrector on the reverse SDE.
	ODE               // Predictor-corrector on the probability flow ODE.
	SMC               // Filtering posterior sampling with particles.
)

var methodNames = map[Method]string{PC: "pc", ODE: "ode", SMC: "smc"}

// String implements fmt.Stringer.
func (m Method) String() string { return methodNames[m] }

// ParseMethod maps a sampling.method name to a Method. "sde" and the empty
// name select PC.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "sde":
		return PC, nil
	}
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errs.Config("sampling.method", name, "unknown sampling method (want pc, ode or smc)")
}

// Config is the typed configuration of a sampler.
type Config struct {
	// SDE is the forward process.
	SDE sde.SDE

	// Method is the sampling algorithm.
	Method Method

	// Predictor and Corrector name the solver variants.
	Predictor string
	Corrector string

	// NumSteps is the number of outer steps.
	NumSteps int

	// NumInnerSteps is the number of corrector iterations per outer step.
	NumInnerSteps int

	// Schedule spaces the outer time grid.
	Schedule solver.Schedule

	// Epsilon is the final time.
	Epsilon float64

	// SNR sets the corrector step size.
	SNR float64

	// Eta is the DDIM stochasticity.
	Eta float64

	// Denoise applies one Tweedie step after the final outer step.
	Denoise bool

	// StackSamples records the state after every outer step.
	StackSamples bool

	// Guidance selects the conditioning method.
	Guidance guidance.Method

	// GuidanceParams are the guidance hyperparameters.
	GuidanceParams guidance.Params

	// GuidanceMinStd disables score-term guidance while std(t) is below it.
	GuidanceMinStd float64

	// Shape is the state shape [B, ...].
	Shape tensor.Shape

	// Seed seeds the run's random streams.
	Seed uint64

	// ESSThreshold is the resampling threshold of the SMC method.
	ESSThreshold float64

	// IsolateFailures freezes diverged rows instead of failing the run.
	IsolateFailures bool
}

// DefaultConfig returns a VP predictor-corrector configuration:
// reverse_diffusion with one Langevin step at snr 0.16 over 1000 steps.
func DefaultConfig() Config {
	vp, _ := sde.NewVP(0.1, 20, 1000) //nolint:errcheck // constant parameters are valid
	return Config{
		SDE:           vp,
		Method:        PC,
		Predictor:     "reverse_diffusion",
		Corrector:     "langevin",
		NumSteps:      1000,
		NumInnerSteps: 1,
		Schedule:      solver.Uniform,
		Epsilon:       1e-3,
		SNR:           0.16,
		Eta:           1,
		Guidance:      guidance.None,
		Shape:         tensor.Shape{1, 1},
		ESSThreshold:  0.5,
	}
}

func (c *Config) validate() error {
	if c.SDE == nil {
		return errs.Config("model.sde", "", "no SDE configured")
	}
	if err := c.Shape.Validate(); err != nil {
		return errs.Configf("data.shape", "%v", err)
	}
	if c.NumInnerSteps < 0 {
		return errs.Configf("solver.num_inner_steps", "must be >= 0, got %d", c.NumInnerSteps)
	}
	if c.Eta < 0 {
		return errs.Configf("solver.eta", "must be >= 0, got %g", c.Eta)
	}
	if c.GuidanceMinStd < 0 {
		return errs.Configf("sampling.guidance_min_std", "must be >= 0, got %g", c.GuidanceMinStd)
	}
	return nil
}
