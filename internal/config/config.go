// Package config loads experiment configurations.
//
// A configuration is a YAML document grouped as model, sampling, solver,
// data and eval, plus a top-level seed. Loading decodes it over Default,
// applies key.path=value overrides, and rejects unknown keys. Resolve turns
// a validated configuration into the typed options of the sampler together
// with the score model and measurement operator it names.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/diffusion/internal/errs"
)

// Config is the full configuration surface.
type Config struct {
	Seed     uint64         `mapstructure:"seed" yaml:"seed"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Sampling SamplingConfig `mapstructure:"sampling" yaml:"sampling"`
	Solver   SolverConfig   `mapstructure:"solver" yaml:"solver"`
	Data     DataConfig     `mapstructure:"data" yaml:"data"`
	Eval     EvalConfig     `mapstructure:"eval" yaml:"eval"`

	// Training and Optim belong to model training and are accepted
	// unchecked.
	Training map[string]any `mapstructure:"training" yaml:"training,omitempty"`
	Optim    map[string]any `mapstructure:"optim" yaml:"optim,omitempty"`
}

// ModelConfig describes the forward SDE and the score model.
type ModelConfig struct {
	SDE          string  `mapstructure:"sde" yaml:"sde"`
	BetaMin      float64 `mapstructure:"beta_min" yaml:"beta_min"`
	BetaMax      float64 `mapstructure:"beta_max" yaml:"beta_max"`
	SigmaMin     float64 `mapstructure:"sigma_min" yaml:"sigma_min"`
	SigmaMax     float64 `mapstructure:"sigma_max" yaml:"sigma_max"`
	NumScales    int     `mapstructure:"num_scales" yaml:"num_scales"`
	Continuous   bool    `mapstructure:"continuous" yaml:"continuous"`
	ScaleBySigma bool    `mapstructure:"scale_by_sigma" yaml:"scale_by_sigma"`
	Output       string  `mapstructure:"output" yaml:"output"`

	// Network architecture options, consumed by the external score network.
	Dropout       float64 `mapstructure:"dropout" yaml:"dropout"`
	EmbeddingType string  `mapstructure:"embedding_type" yaml:"embedding_type"`

	// Mixture parameterizes the analytic Gaussian-mixture score model.
	Mixture MixtureConfig `mapstructure:"mixture" yaml:"mixture"`
}

// MixtureConfig describes a random Gaussian mixture.
type MixtureConfig struct {
	Components int     `mapstructure:"components" yaml:"components"`
	Spread     float64 `mapstructure:"spread" yaml:"spread"`
	Std        float64 `mapstructure:"std" yaml:"std"`
	Seed       uint64  `mapstructure:"seed" yaml:"seed"`
}

// SamplingConfig selects the sampling algorithm and its guidance.
type SamplingConfig struct {
	Method          string  `mapstructure:"method" yaml:"method"`
	Predictor       string  `mapstructure:"predictor" yaml:"predictor,omitempty"`
	Corrector       string  `mapstructure:"corrector" yaml:"corrector,omitempty"`
	NStepsEach      *int    `mapstructure:"n_steps_each" yaml:"n_steps_each,omitempty"`
	SNR             float64 `mapstructure:"snr" yaml:"snr"`
	ProbabilityFlow bool    `mapstructure:"probability_flow" yaml:"probability_flow"`

	// Denoise, DenoiseOverride and NoiseRemoval all request the final
	// Tweedie step.
	Denoise         bool `mapstructure:"denoise" yaml:"denoise"`
	DenoiseOverride bool `mapstructure:"denoise_override" yaml:"denoise_override"`
	NoiseRemoval    bool `mapstructure:"noise_removal" yaml:"noise_removal"`

	StackSamples    bool `mapstructure:"stack_samples" yaml:"stack_samples"`
	IsolateFailures bool `mapstructure:"isolate_failures" yaml:"isolate_failures"`

	CSMethod       string  `mapstructure:"cs_method" yaml:"cs_method"`
	Task           string  `mapstructure:"task" yaml:"task"`
	Lambd          float64 `mapstructure:"lambd" yaml:"lambd"`
	Coeff          float64 `mapstructure:"coeff" yaml:"coeff"`
	NProjections   int     `mapstructure:"n_projections" yaml:"n_projections"`
	NoiseStd       float64 `mapstructure:"noise_std" yaml:"noise_std"`
	DPSScale       float64 `mapstructure:"dps_scale_hyperparameter" yaml:"dps_scale_hyperparameter"`
	STSLScale      float64 `mapstructure:"stsl_scale_hyperparameter" yaml:"stsl_scale_hyperparameter"`
	SigmaRate      float64 `mapstructure:"projection_sigma_rate" yaml:"projection_sigma_rate"`
	GuidanceMinStd float64 `mapstructure:"guidance_min_std" yaml:"guidance_min_std"`
	ESSThreshold   float64 `mapstructure:"ess_threshold" yaml:"ess_threshold"`
	Concurrency    int     `mapstructure:"concurrency" yaml:"concurrency"`
}

// SolverConfig is the solver-centric naming of the step controls. Where a
// field duplicates a sampling field the two must agree; SNR overrides
// sampling.snr when positive.
type SolverConfig struct {
	OuterSolver   string  `mapstructure:"outer_solver" yaml:"outer_solver"`
	InnerSolver   string  `mapstructure:"inner_solver" yaml:"inner_solver"`
	NumOuterSteps int     `mapstructure:"num_outer_steps" yaml:"num_outer_steps"`
	NumInnerSteps *int    `mapstructure:"num_inner_steps" yaml:"num_inner_steps,omitempty"`
	DT            float64 `mapstructure:"dt" yaml:"dt"`
	Epsilon       float64 `mapstructure:"epsilon" yaml:"epsilon"`
	Eta           float64 `mapstructure:"eta" yaml:"eta"`
	SNR           float64 `mapstructure:"snr" yaml:"snr"`
	Schedule      string  `mapstructure:"schedule" yaml:"schedule"`
}

// DataConfig is the state layout. A non-zero Dim selects flat [B, Dim]
// states and excludes the image keys; dim 0 selects [B, C, S, S] images.
type DataConfig struct {
	ImageSize   int `mapstructure:"image_size" yaml:"image_size"`
	NumChannels int `mapstructure:"num_channels" yaml:"num_channels"`
	Dim         int `mapstructure:"dim" yaml:"dim"`

	// NumObserved is the measurement size of inpainting and random
	// projection tasks.
	NumObserved int `mapstructure:"num_observed" yaml:"num_observed"`

	// NumAngles is the number of CT projection angles.
	NumAngles int `mapstructure:"num_angles" yaml:"num_angles"`
}

// EvalConfig controls how many samples are drawn.
type EvalConfig struct {
	BatchSize  int `mapstructure:"batch_size" yaml:"batch_size"`
	NumSamples int `mapstructure:"num_samples" yaml:"num_samples"`
}

// Default returns a VP predictor-corrector configuration over a flat
// 2-dimensional mixture.
func Default() *Config {
	return &Config{
		Seed: 0,
		Model: ModelConfig{
			SDE:        "vpsde",
			BetaMin:    0.1,
			BetaMax:    20,
			SigmaMin:   0.01,
			SigmaMax:   50,
			NumScales:  1000,
			Continuous: true,
			Mixture: MixtureConfig{
				Components: 4,
				Spread:     3,
				Std:        0.5,
			},
		},
		Sampling: SamplingConfig{
			Method:       "pc",
			SNR:          0.16,
			CSMethod:     "none",
			Lambd:        1,
			Coeff:        1,
			NProjections: 1,
			ESSThreshold: 0.5,
		},
		Solver: SolverConfig{
			Epsilon:  1e-3,
			Eta:      1,
			Schedule: "uniform",
		},
		Data: DataConfig{
			Dim: 2,
		},
		Eval: EvalConfig{
			BatchSize:  64,
			NumSamples: 64,
		},
	}
}

// Load reads the YAML file at path, or starts from Default when path is
// empty, and applies overrides.
func Load(path string, overrides []string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Parse(data, overrides)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default and applies key.path=value
// overrides. Unknown keys are errors.
func Parse(data []byte, overrides []string) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Configf("config", "invalid YAML: %v", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	for _, o := range overrides {
		if err := applyOverride(raw, o); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errs.Configf("config", "%v", err)
	}
	return cfg, nil
}

// applyOverride sets a dotted key to a YAML scalar, creating intermediate
// groups as needed.
func applyOverride(raw map[string]any, override string) error {
	key, value, ok := strings.Cut(override, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return errs.Config("override", override, "want key.path=value")
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return errs.Configf(key, "invalid override value %q: %v", value, err)
	}

	parts := strings.Split(key, ".")
	m := raw
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			if _, exists := m[p]; exists {
				return errs.Config(key, value, fmt.Sprintf("%s is not a group", p))
			}
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
