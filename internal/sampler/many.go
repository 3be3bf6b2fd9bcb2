package sampler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
)

// RunMany executes n independent runs, at most WithConcurrency of them at
// once. Run i is seeded from the i-th split of the base seed, so results
// do not depend on scheduling. The first failure cancels the remaining
// runs. Results are ordered by run index.
func (s *Sampler) RunMany(ctx context.Context, n int, opts ...RunOption) ([]*Result, error) {
	if n <= 0 {
		return nil, errs.Configf("sampling.num_runs", "must be > 0, got %d", n)
	}
	ro := runOptions{seed: s.cfg.Seed}
	for _, opt := range opts {
		opt(&ro)
	}
	base := rng.New(ro.seed)

	results := make([]*Result, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.concurrency)
	for i := range n {
		seed := base.Split(uint64(i)).Uint64()
		runOpts := append(opts[:len(opts):len(opts)], WithSeed(seed))
		g.Go(func() error {
			res, err := s.Run(gctx, runOpts...)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
