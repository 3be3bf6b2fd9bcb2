package config

import (
	"fmt"
	"strconv"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/guidance"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/sampler"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

const (
	defaultPredictor  = "reverse_diffusion"
	defaultCorrector  = "langevin"
	defaultOuterSteps = 1000
	defaultInnerSteps = 1
)

// Measurement tasks.
const (
	TaskNone             = ""
	TaskInpainting       = "inpainting"
	TaskRandomProjection = "random_projection"
	TaskDenoising        = "denoising"
	TaskCT               = "ct"
)

// Resolved holds the engine components a configuration describes.
type Resolved struct {
	SDE     sde.SDE
	Sampler sampler.Config

	// Model is the analytic score model over the flattened state.
	Model *score.GaussianMixture

	// Operator is the measurement operator of the task, nil without one.
	Operator operator.Operator

	// Runs is the number of batches needed for eval.num_samples.
	Runs int

	// Concurrency bounds parallel batches; 0 leaves the sampler default.
	Concurrency int
}

// Validate checks every option and option combination without sampling.
func (c *Config) Validate() error {
	r, err := c.Resolve()
	if err != nil {
		return err
	}
	var opts []sampler.Option
	if r.Operator != nil {
		opts = append(opts, sampler.WithMeasurement(r.Operator, tensor.Zeros(tensor.Shape{1, r.Operator.OutputDim()})))
	}
	_, err = sampler.New(r.Sampler, r.Model, opts...)
	return err
}

// Resolve builds the SDE, score model, operator and sampler options.
func (c *Config) Resolve() (*Resolved, error) {
	s, err := c.SDE()
	if err != nil {
		return nil, err
	}
	scfg, err := c.SamplerConfig(s)
	if err != nil {
		return nil, err
	}
	model, err := score.RandomGaussianMixture(s, scfg.Shape.RowSize(), c.Model.Mixture.Components,
		c.Model.Mixture.Spread, c.Model.Mixture.Std, rng.New(c.Model.Mixture.Seed))
	if err != nil {
		return nil, err
	}
	op, err := c.Operator(scfg.Shape, rng.New(c.Seed).Split(1))
	if err != nil {
		return nil, err
	}
	if scfg.Guidance.RequiresOperator() && op == nil {
		return nil, errs.Config("sampling.task", c.Sampling.Task,
			fmt.Sprintf("cs_method %s needs a measurement task", scfg.Guidance))
	}
	if scfg.Method == sampler.SMC && op == nil {
		return nil, errs.Config("sampling.task", c.Sampling.Task, "smc sampling needs a measurement task")
	}
	if c.Eval.NumSamples <= 0 {
		return nil, errs.Configf("eval.num_samples", "must be > 0, got %d", c.Eval.NumSamples)
	}
	if c.Sampling.Concurrency < 0 {
		return nil, errs.Configf("sampling.concurrency", "must be >= 0, got %d", c.Sampling.Concurrency)
	}
	return &Resolved{
		SDE:         s,
		Sampler:     scfg,
		Model:       model,
		Operator:    op,
		Runs:        (c.Eval.NumSamples + c.Eval.BatchSize - 1) / c.Eval.BatchSize,
		Concurrency: c.Sampling.Concurrency,
	}, nil
}

// SDE builds the forward process named by model.sde.
func (c *Config) SDE() (sde.SDE, error) {
	kind, err := sde.Parse(c.Model.SDE)
	if err != nil {
		return nil, err
	}
	m := c.Model
	switch kind {
	case sde.VP:
		return sde.NewVP(m.BetaMin, m.BetaMax, m.NumScales)
	case sde.SubVP:
		return sde.NewSubVP(m.BetaMin, m.BetaMax, m.NumScales)
	default:
		return sde.NewVE(m.SigmaMin, m.SigmaMax, m.NumScales)
	}
}

// NetworkOptions returns how a score network trained under this
// configuration should be read.
func (c *Config) NetworkOptions() (score.Options, error) {
	opts := score.Options{Continuous: c.Model.Continuous, ScoreScaling: c.Model.ScaleBySigma}
	switch c.Model.Output {
	case "", "score":
		opts.Output = score.ScoreOutput
	case "epsilon", "noise":
		opts.Output = score.EpsilonOutput
	default:
		return opts, errs.Config("model.output", c.Model.Output, "unknown output parameterization (want score or epsilon)")
	}
	return opts, nil
}

// Shape returns the state shape of one batch.
func (c *Config) Shape() (tensor.Shape, error) {
	b := c.Eval.BatchSize
	if b <= 0 {
		return nil, errs.Configf("eval.batch_size", "must be > 0, got %d", b)
	}
	if c.Data.Dim < 0 {
		return nil, errs.Configf("data.dim", "must be >= 0, got %d", c.Data.Dim)
	}
	if c.Data.Dim > 0 {
		if c.Data.ImageSize != 0 || c.Data.NumChannels != 0 {
			return nil, errs.Config("data.image_size", strconv.Itoa(c.Data.ImageSize),
				"image keys need the image layout; set data.dim to 0")
		}
		return tensor.Shape{b, c.Data.Dim}, nil
	}
	if c.Data.NumChannels <= 0 || c.Data.ImageSize <= 0 {
		return nil, errs.Configf("data.image_size", "image layout needs positive num_channels and image_size, got %d and %d",
			c.Data.NumChannels, c.Data.ImageSize)
	}
	return tensor.Shape{b, c.Data.NumChannels, c.Data.ImageSize, c.Data.ImageSize}, nil
}

// SamplerConfig resolves the sampling and solver groups against s.
func (c *Config) SamplerConfig(s sde.SDE) (sampler.Config, error) {
	sc := sampler.DefaultConfig()
	sc.SDE = s
	sc.Seed = c.Seed

	var err error
	if sc.Shape, err = c.Shape(); err != nil {
		return sc, err
	}
	if sc.Method, err = sampler.ParseMethod(c.Sampling.Method); err != nil {
		return sc, err
	}
	if c.Sampling.ProbabilityFlow {
		if sc.Method == sampler.SMC {
			return sc, errs.Config("sampling.probability_flow", "true", "smc transitions are stochastic")
		}
		sc.Method = sampler.ODE
	}

	if sc.Predictor, err = synonym("sampling.predictor", c.Sampling.Predictor, "solver.outer_solver", c.Solver.OuterSolver, defaultPredictor); err != nil {
		return sc, err
	}
	if sc.Corrector, err = synonym("sampling.corrector", c.Sampling.Corrector, "solver.inner_solver", c.Solver.InnerSolver, defaultCorrector); err != nil {
		return sc, err
	}
	if sc.NumInnerSteps, err = innerSteps(c.Sampling.NStepsEach, c.Solver.NumInnerSteps); err != nil {
		return sc, err
	}

	sc.Epsilon = c.Solver.Epsilon
	outer := c.Solver.NumOuterSteps
	if c.Solver.DT == 0 && outer == 0 {
		outer = defaultOuterSteps
	}
	if sc.NumSteps, err = solver.NumSteps(s.T(), c.Solver.Epsilon, c.Solver.DT, outer); err != nil {
		return sc, err
	}
	if sc.Schedule, err = solver.ParseSchedule(c.Solver.Schedule); err != nil {
		return sc, err
	}
	sc.SNR = c.Sampling.SNR
	if c.Solver.SNR > 0 {
		sc.SNR = c.Solver.SNR
	}
	sc.Eta = c.Solver.Eta

	sc.Denoise = c.Sampling.Denoise || c.Sampling.DenoiseOverride || c.Sampling.NoiseRemoval
	sc.StackSamples = c.Sampling.StackSamples
	sc.IsolateFailures = c.Sampling.IsolateFailures
	sc.ESSThreshold = c.Sampling.ESSThreshold

	if sc.Guidance, err = guidance.Parse(c.Sampling.CSMethod); err != nil {
		return sc, err
	}
	sc.GuidanceParams = guidance.Params{
		Lambda:       c.Sampling.Lambd,
		Coeff:        c.Sampling.Coeff,
		NProjections: c.Sampling.NProjections,
		NoiseStd:     c.Sampling.NoiseStd,
		DPSScale:     c.Sampling.DPSScale,
		STSLScale:    c.Sampling.STSLScale,
		SigmaRate:    c.Sampling.SigmaRate,
	}
	sc.GuidanceMinStd = c.Sampling.GuidanceMinStd
	return sc, nil
}

// synonym reconciles two names for the same option.
func synonym(keyA, a, keyB, b, def string) (string, error) {
	switch {
	case a != "" && b != "" && a != b:
		return "", errs.Config(keyB, b, fmt.Sprintf("conflicts with %s=%s", keyA, a))
	case a != "":
		return a, nil
	case b != "":
		return b, nil
	}
	return def, nil
}

func innerSteps(each, inner *int) (int, error) {
	switch {
	case each != nil && inner != nil && *each != *inner:
		return 0, errs.Configf("solver.num_inner_steps", "%d conflicts with sampling.n_steps_each=%d", *inner, *each)
	case each != nil:
		return *each, nil
	case inner != nil:
		return *inner, nil
	}
	return defaultInnerSteps, nil
}

// Operator builds the measurement operator of sampling.task for states of
// the given shape, or nil when no task is set.
func (c *Config) Operator(shape tensor.Shape, src *rng.Source) (operator.Operator, error) {
	d := shape.RowSize()
	observed := c.Data.NumObserved
	if observed == 0 {
		observed = max(d/2, 1)
	}
	switch c.Sampling.Task {
	case TaskNone, "none":
		return nil, nil
	case TaskInpainting:
		return operator.RandomMask(d, observed, src)
	case TaskRandomProjection:
		return operator.NewGaussian(observed, d, src)
	case TaskDenoising:
		keep := make([]int, d)
		for i := range keep {
			keep[i] = i
		}
		return operator.NewMask(d, keep)
	case TaskCT:
		if len(shape) != 4 || shape[1] != 1 {
			return nil, errs.Config("sampling.task", TaskCT, "ct needs single-channel image states (data.dim = 0, data.num_channels = 1)")
		}
		return operator.NewParallelBeamCT(c.Data.ImageSize, c.Data.NumAngles)
	}
	return nil, errs.Config("sampling.task", c.Sampling.Task, "unknown task (want inpainting, random_projection, denoising or ct)")
}

// Measure draws a ground-truth sample from the model and observes it
// through the operator with sampling.noise_std Gaussian noise.
func (r *Resolved) Measure(src *rng.Source) (truth, y *tensor.Tensor, err error) {
	if r.Operator == nil {
		return nil, nil, errs.Config("sampling.task", "", "no measurement task configured")
	}
	truth = r.Model.Sample(1, src)
	y, err = r.Operator.Forward(truth)
	if err != nil {
		return nil, nil, err
	}
	if sd := r.Sampler.GuidanceParams.NoiseStd; sd > 0 {
		y.AddScaled(sd, tensor.Randn(y.Shape(), src))
	}
	return truth, y, nil
}
