// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sampler draws samples by reversing a diffusion process, and
// conditions them on measurements to solve inverse problems.
//
// # Overview
//
// A Sampler combines an SDE, a score Provider and named solver components:
//   - a predictor advancing the state from t to the next grid time
//   - a corrector refining the state with Langevin steps at fixed t
//   - a guidance method adding a likelihood term to the score or
//     projecting the state toward the measurement
//
// Components are resolved by name when the Sampler is built, so unknown
// names fail before any sampling work.
//
// # Basic Usage
//
//	vp, _ := sde.NewVP(0.1, 20, 1000)
//	cfg := sampler.DefaultConfig()
//	cfg.SDE = vp
//	cfg.Shape = tensor.Shape{16, 80}
//	cfg.Guidance = sampler.Projection
//	cfg.GuidanceParams = sampler.GuidanceParams{Lambda: 0.5, NProjections: 23}
//
//	s, err := sampler.New(cfg, model, sampler.WithMeasurement(mask, y))
//	if err != nil {
//	    return err
//	}
//	res, err := s.Run(ctx)
//
// # Predictors and Correctors
//
// Predictors: euler_maruyama, reverse_diffusion, ancestral_sampling, ddim,
// exponential_integrator, none. Correctors: langevin, ald, none.
//
// # Guidance
//
// projection, pigdm, dps, mcg, tmpd, stsl and kpsmldplus. All need a
// measurement; all but dps and stsl need a linear operator.
//
// # Methods
//
// PC runs predictor-corrector sampling on the reverse SDE, ODE on the
// probability flow ODE. SMC runs filtering posterior sampling with the
// batch as the particle population.
//
// # Optimization
//
// Sampler.Optimize minimizes an objective by SMC diffusion optimization,
// tempering the model toward exp(−γ·f):
//
//	res, err := s.Optimize(ctx, f, sampler.LinearGamma(50, 1))
//	best := res.Best
package sampler

import (
	"log/slog"

	"github.com/born-ml/diffusion/internal/guidance"
	"github.com/born-ml/diffusion/internal/sampler"
	"github.com/born-ml/diffusion/internal/smc"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/operator"
	"github.com/born-ml/diffusion/score"
	"github.com/born-ml/diffusion/tensor"
)

// Config is the typed configuration of a sampler.
type Config = sampler.Config

// DefaultConfig returns a VP reverse_diffusion + langevin configuration
// with 1000 steps.
func DefaultConfig() Config {
	return sampler.DefaultConfig()
}

// Sampler holds resolved sampling components. It is safe for concurrent runs.
type Sampler = sampler.Sampler

// Result is the outcome of a run.
type Result = sampler.Result

// Particles is the weighted particle population of an SMC run.
type Particles = smc.Result

// Objective is a function minimized by Sampler.Optimize. It must be safe
// for concurrent use.
type Objective = smc.Objective

// Gamma is the inverse temperature of SMC optimization over diffusion time.
type Gamma = smc.Gamma

// LinearGamma grows from 0 at t = horizon to scale at t = 0.
func LinearGamma(scale, horizon float64) Gamma {
	return smc.LinearGamma(scale, horizon)
}

// Stats counts the work done by a run.
type Stats = sampler.Stats

// Progress reports the completion of one outer step.
type Progress = sampler.Progress

// Option configures a Sampler.
type Option = sampler.Option

// RunOption configures a single run.
type RunOption = sampler.RunOption

// Method selects the sampling algorithm.
type Method = sampler.Method

// Sampling methods.
const (
	PC  Method = sampler.PC
	ODE Method = sampler.ODE
	SMC Method = sampler.SMC
)

// GuidanceMethod selects the conditioning method.
type GuidanceMethod = guidance.Method

// Guidance methods.
const (
	NoGuidance GuidanceMethod = guidance.None
	Projection GuidanceMethod = guidance.Projection
	PiGDM      GuidanceMethod = guidance.PiGDM
	DPS        GuidanceMethod = guidance.DPS
	MCG        GuidanceMethod = guidance.MCG
	TMPD       GuidanceMethod = guidance.TMPD
	STSL       GuidanceMethod = guidance.STSL
	KPSMLDPlus GuidanceMethod = guidance.KPSMLDPlus
)

// GuidanceParams are the guidance hyperparameters.
type GuidanceParams = guidance.Params

// Schedule spaces the outer time grid.
type Schedule = solver.Schedule

// Time schedules.
const (
	Uniform   Schedule = solver.Uniform
	Discrete  Schedule = solver.Discrete
	Quadratic Schedule = solver.Quadratic
)

// New validates cfg and resolves its named components.
func New(cfg Config, p score.Provider, opts ...Option) (*Sampler, error) {
	return sampler.New(cfg, p, opts...)
}

// ParseGuidance maps a cs_method name to a GuidanceMethod.
func ParseGuidance(name string) (GuidanceMethod, error) {
	return guidance.Parse(name)
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return sampler.WithLogger(l) }

// WithProgress registers a per-step progress callback.
func WithProgress(fn func(Progress)) Option { return sampler.WithProgress(fn) }

// WithMeasurement sets the measurement operator and observation.
func WithMeasurement(op operator.Operator, y *tensor.Tensor) Option {
	return sampler.WithMeasurement(op, y)
}

// WithConcurrency bounds the runs RunMany executes at once.
func WithConcurrency(n int) Option { return sampler.WithConcurrency(n) }

// WithSeed overrides the configured seed for one run.
func WithSeed(seed uint64) RunOption { return sampler.WithSeed(seed) }

// WithInitialState starts a run from x instead of a prior draw.
func WithInitialState(x *tensor.Tensor) RunOption { return sampler.WithInitialState(x) }

// ParseMethod maps a sampling.method name to a Method.
func ParseMethod(name string) (Method, error) {
	return sampler.ParseMethod(name)
}
