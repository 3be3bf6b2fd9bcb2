package sampler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/smc"
)

// Optimize minimizes f by SMC diffusion optimization over the configured
// SDE, score provider and time grid. The batch is the particle population
// and each particle is one flattened state row; gamma sets the inverse
// temperature over time. The result carries the population in Particles,
// reshaped into Sample, and the best particle in Best.
func (s *Sampler) Optimize(ctx context.Context, f smc.Objective, gamma smc.Gamma, opts ...RunOption) (*Result, error) {
	switch {
	case f == nil:
		return nil, errs.Config("sampling.method", "smc_optimize", "objective is required")
	case gamma == nil:
		return nil, errs.Config("sampling.method", "smc_optimize", "inverse temperature schedule is required")
	case s.cfg.Guidance.RequiresOperator():
		return nil, errs.Config("sampling.cs_method", s.cfg.Guidance.String(), "smc optimization takes no guidance; use none")
	}
	ro := runOptions{seed: s.cfg.Seed}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.initial != nil {
		return nil, errs.Config("sampling.method", "smc_optimize", "particles start from the prior; initial state not supported")
	}

	res := &Result{RunID: uuid.New(), Seed: ro.seed, Times: s.Times()}
	logger := s.opts.logger.With("run", res.RunID.String(), "seed", ro.seed)
	start := time.Now()

	counting := score.NewCounting(s.provider)
	cfg := smc.Config{
		Particles:    s.cfg.Shape.Batch(),
		ESSThreshold: s.cfg.ESSThreshold,
		Times:        s.times,
		Eta:          s.cfg.Eta,
	}
	out, err := smc.Optimize(ctx, s.cfg.SDE, counting, f, gamma, s.cfg.Shape.RowSize(), cfg, rng.New(ro.seed).Split(streamSolver))
	if err != nil {
		logger.Error("optimization failed", "error", err)
		return nil, err
	}
	sample, err := out.Particles.Reshape(s.cfg.Shape)
	if err != nil {
		return nil, err
	}
	res.Sample = sample
	res.Particles = out
	res.Best, res.BestValue = out.Best(f)
	res.Stats.PredictorCalls = len(s.times) - 1
	res.Stats.ScoreEvals = counting.Evals()
	res.Duration = time.Since(start)
	logger.Info("optimization finished",
		"steps", len(s.times)-1,
		"best", res.BestValue,
		"resamples", out.Resamples,
		"duration", res.Duration)
	return res, nil
}
