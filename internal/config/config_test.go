package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const inpaintingYAML = `
seed: 42
model:
  sde: vpsde
  beta_min: 0.1
  beta_max: 20
  num_scales: 1000
  mixture:
    components: 3
    spread: 2
    std: 0.4
sampling:
  predictor: reverse_diffusion
  corrector: langevin
  n_steps_each: 2
  snr: 0.16
  cs_method: projection
  task: inpainting
  lambd: 0.5
  n_projections: 23
  noise_removal: true
solver:
  num_outer_steps: 200
  epsilon: 0.001
data:
  dim: 80
  num_observed: 40
eval:
  batch_size: 4
  num_samples: 10
training:
  n_iters: 100000
  snapshot_freq: 5000
optim:
  lr: 0.0002
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("empty document differs from defaults (-want +got):\n%s", diff)
	}
	require.NoError(t, cfg.Validate())
}

func TestParse_Document(t *testing.T) {
	cfg, err := Parse([]byte(inpaintingYAML), nil)
	require.NoError(t, err)

	want := Default()
	want.Seed = 42
	want.Model.Mixture = MixtureConfig{Components: 3, Spread: 2, Std: 0.4}
	want.Sampling.Predictor = "reverse_diffusion"
	want.Sampling.Corrector = "langevin"
	two := 2
	want.Sampling.NStepsEach = &two
	want.Sampling.CSMethod = "projection"
	want.Sampling.Task = TaskInpainting
	want.Sampling.Lambd = 0.5
	want.Sampling.NProjections = 23
	want.Sampling.NoiseRemoval = true
	want.Solver.NumOuterSteps = 200
	want.Data.Dim = 80
	want.Data.NumObserved = 40
	want.Eval = EvalConfig{BatchSize: 4, NumSamples: 10}
	want.Training = map[string]any{"n_iters": 100000, "snapshot_freq": 5000}
	want.Optim = map[string]any{"lr": 0.0002}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("decoded config mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve(t *testing.T) {
	cfg, err := Parse([]byte(inpaintingYAML), nil)
	require.NoError(t, err)
	r, err := cfg.Resolve()
	require.NoError(t, err)

	sc := r.Sampler
	assert.Equal(t, tensor.Shape{4, 80}, sc.Shape)
	assert.Equal(t, 200, sc.NumSteps)
	assert.Equal(t, 2, sc.NumInnerSteps)
	assert.Equal(t, sampler.PC, sc.Method)
	assert.Equal(t, guidance.Projection, sc.Guidance)
	assert.Equal(t, 23, sc.GuidanceParams.NProjections)
	assert.True(t, sc.Denoise)
	assert.Equal(t, uint64(42), sc.Seed)
	assert.Equal(t, sde.VP, r.SDE.Kind())
	assert.Equal(t, 80, r.Model.Dim())
	assert.Equal(t, 3, r.Runs)

	require.NotNil(t, r.Operator)
	assert.Equal(t, 80, r.Operator.InputDim())
	assert.Equal(t, 40, r.Operator.OutputDim())
	require.NoError(t, cfg.Validate())

	truth, y, err := r.Measure(rng.New(3))
	require.NoError(t, err)
	res, err := operator.MeanResidual(r.Operator, truth, y)
	require.NoError(t, err)
	assert.InDelta(t, 0, res, 1e-12)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(inpaintingYAML), []string{
		"sampling.cs_method=dps",
		"sampling.dps_scale_hyperparameter=0.5",
		"solver.schedule=quadratic",
		"model.mixture.seed=9",
		"seed=7",
		"eval.batch_size='8'",
	})
	require.NoError(t, err)
	assert.Equal(t, "dps", cfg.Sampling.CSMethod)
	assert.InDelta(t, 0.5, cfg.Sampling.DPSScale, 0)
	assert.Equal(t, "quadratic", cfg.Solver.Schedule)
	assert.Equal(t, uint64(9), cfg.Model.Mixture.Seed)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, 8, cfg.Eval.BatchSize)

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, solver.Quadratic, r.Sampler.Schedule)
	assert.Equal(t, guidance.DPS, r.Sampler.Guidance)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		overrides []string
	}{
		{name: "unknown key", doc: "sampling:\n  cs_methd: dps\n"},
		{name: "unknown group", doc: "dataset:\n  name: mnist\n"},
		{name: "wrong type", doc: "solver:\n  num_outer_steps: many\n"},
		{name: "invalid yaml", doc: "model: [\n"},
		{name: "override without value", overrides: []string{"sampling.snr"}},
		{name: "override through scalar", overrides: []string{"seed.value=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.overrides)
			assert.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		overrides []string
	}{
		{name: "unknown outer solver", overrides: []string{"solver.outer_solver=heun"}},
		{name: "unknown predictor", overrides: []string{"sampling.predictor=rk45"}},
		{name: "unknown corrector", overrides: []string{"sampling.corrector=hmc"}},
		{name: "unknown cs_method", overrides: []string{"sampling.cs_method=dds"}},
		{name: "unknown sde", overrides: []string{"model.sde=edm"}},
		{name: "unknown method", overrides: []string{"sampling.method=mala"}},
		{name: "unknown schedule", overrides: []string{"solver.schedule=cosine"}},
		{name: "unknown task", overrides: []string{"sampling.task=deblur", "sampling.cs_method=dps"}},
		{name: "predictor conflict", overrides: []string{"sampling.predictor=ddim", "solver.outer_solver=euler_maruyama"}},
		{name: "inner steps conflict", overrides: []string{"sampling.n_steps_each=1", "solver.num_inner_steps=3"}},
		{name: "dt conflict", overrides: []string{"solver.dt=0.01", "solver.num_outer_steps=50"}},
		{name: "guidance without task", overrides: []string{"sampling.cs_method=dps"}},
		{name: "smc without task", overrides: []string{"sampling.method=smc"}},
		{name: "bad lambda", overrides: []string{"sampling.cs_method=projection", "sampling.task=inpainting", "sampling.lambd=2"}},
		{name: "ct on flat states", overrides: []string{"sampling.task=ct", "sampling.cs_method=pigdm"}},
		{name: "bad batch", overrides: []string{"eval.batch_size=0"}},
		{name: "image keys on flat states", overrides: []string{"data.image_size=80", "data.num_channels=1"}},
		{name: "negative dim", overrides: []string{"data.dim=-1"}},
		{name: "image layout without size", overrides: []string{"data.dim=0"}},
		{name: "bad output", overrides: []string{"model.output=velocity"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(nil, tt.overrides)
			require.NoError(t, err)
			err = cfg.Validate()
			if tt.name == "bad output" {
				_, err = cfg.NetworkOptions()
			}
			assert.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}

func TestSamplerConfig_Synonyms(t *testing.T) {
	cfg, err := Parse(nil, []string{
		"solver.outer_solver=ddim",
		"solver.inner_solver=none",
		"solver.num_inner_steps=0",
		"solver.dt=0.01",
		"solver.snr=0.2",
		"solver.eta=0",
		"sampling.probability_flow=true",
		"sampling.denoise_override=true",
	})
	require.NoError(t, err)
	s, err := cfg.SDE()
	require.NoError(t, err)
	sc, err := cfg.SamplerConfig(s)
	require.NoError(t, err)

	assert.Equal(t, "ddim", sc.Predictor)
	assert.Equal(t, "none", sc.Corrector)
	assert.Equal(t, 0, sc.NumInnerSteps)
	assert.Equal(t, 100, sc.NumSteps)
	assert.InDelta(t, 0.2, sc.SNR, 0)
	assert.Equal(t, sampler.ODE, sc.Method)
	assert.True(t, sc.Denoise)
}

func TestImageTasks(t *testing.T) {
	cfg, err := Parse(nil, []string{
		"data.dim=0",
		"data.image_size=8",
		"data.num_channels=1",
		"data.num_angles=6",
		"sampling.task=ct",
		"sampling.cs_method=pigdm",
		"eval.batch_size=2",
		"model.sde=vesde",
	})
	require.NoError(t, err)
	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1, 8, 8}, r.Sampler.Shape)
	assert.Equal(t, 64, r.Operator.InputDim())
	assert.Equal(t, 48, r.Operator.OutputDim())
	assert.Equal(t, sde.VE, r.SDE.Kind())
	require.NoError(t, cfg.Validate())
}

func TestNetworkOptions(t *testing.T) {
	cfg, err := Parse(nil, []string{"model.output=epsilon", "model.scale_by_sigma=true", "model.continuous=false"})
	require.NoError(t, err)
	opts, err := cfg.NetworkOptions()
	require.NoError(t, err)
	assert.Equal(t, score.Options{Continuous: false, ScoreScaling: true, Output: score.EpsilonOutput}, opts)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inpainting.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inpaintingYAML), 0o600))

	cfg, err := Load(path, []string{"seed=1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.Seed)

	out, err := cfg.YAML()
	require.NoError(t, err)
	back, err := Parse(out, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, back); diff != "" {
		t.Errorf("YAML round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestShippedConfigs(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "configs", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			cfg, err := Load(path, nil)
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
		})
	}
}
