package smc

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

// standardNormal returns a VP process and the exact score of N(0, I) data,
// whose marginals are N(0, I) at every time.
func standardNormal(t *testing.T) (sde.SDE, score.Provider) {
	t.Helper()
	vp, err := sde.NewVP(0.1, 20, 1000)
	require.NoError(t, err)
	g, err := score.NewGaussianMixture(vp, [][]float64{{0, 0}}, nil, 1)
	require.NoError(t, err)
	return vp, g
}

func testConfig(t *testing.T, particles, steps int) Config {
	t.Helper()
	ts, err := solver.Times(solver.Uniform, 1, 1e-3, steps, 1000)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Particles = particles
	cfg.Times = ts
	return cfg
}

func TestSystematic(t *testing.T) {
	inf := math.Inf(-1)
	assert.Equal(t, []int{2, 2, 2, 2}, Systematic([]float64{inf, inf, 0, inf}, 0.5))

	uniform := math.Log(0.25)
	assert.Equal(t, []int{0, 1, 2, 3}, Systematic([]float64{uniform, uniform, uniform, uniform}, 0.5))

	half := math.Log(0.5)
	assert.Equal(t, []int{0, 0, 3, 3}, Systematic([]float64{half, inf, inf, half}, 0.5))
}

func TestESS(t *testing.T) {
	uniform := math.Log(0.25)
	assert.InDelta(t, 4.0, ESS([]float64{uniform, uniform, uniform, uniform}), 1e-12)
	assert.InDelta(t, 1.0, ESS([]float64{0, math.Inf(-1), math.Inf(-1)}), 1e-12)
}

func TestFPS_LinearGaussianPosterior(t *testing.T) {
	s, p := standardNormal(t)
	op, err := operator.NewMask(2, []int{0})
	require.NoError(t, err)
	y := tensor.Full(tensor.Shape{1, 1}, 1.5)
	const sigmaY = 0.1

	res, err := FPS(context.Background(), s, p, Problem{Op: op, Y: y, NoiseStd: sigmaY}, testConfig(t, 1000, 100), rng.New(42))
	require.NoError(t, err)
	require.Len(t, res.ESS, 100)
	require.True(t, res.Particles.IsFinite())

	// x0 | y ~ N(y/(1+σ²), σ²/(1+σ²)) in the observed coordinate, N(0, 1) in the other.
	mean := res.Mean()
	assert.InDelta(t, 1.5/(1+sigmaY*sigmaY), mean[0], 0.15)
	assert.InDelta(t, 0.0, mean[1], 0.3)
	assert.InDelta(t, 1.0, sumWeights(res), 1e-9)
}

func sumWeights(r *Result) float64 {
	sum := 0.0
	for _, w := range r.Weights() {
		sum += w
	}
	return sum
}

func TestFPS_Validation(t *testing.T) {
	s, p := standardNormal(t)
	op, err := operator.NewMask(2, []int{0})
	require.NoError(t, err)
	prob := Problem{Op: op, Y: tensor.Zeros(tensor.Shape{1, 1})}

	cfg := testConfig(t, 0, 10)
	_, err = FPS(context.Background(), s, p, prob, cfg, rng.New(1))
	assert.ErrorIs(t, err, errs.ErrConfig)

	cfg = testConfig(t, 10, 10)
	cfg.ESSThreshold = 0
	_, err = FPS(context.Background(), s, p, prob, cfg, rng.New(1))
	assert.ErrorIs(t, err, errs.ErrConfig)

	bad := Problem{Op: op, Y: tensor.Zeros(tensor.Shape{1, 2})}
	_, err = FPS(context.Background(), s, p, bad, testConfig(t, 10, 10), rng.New(1))
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestFPS_Cancelled(t *testing.T) {
	s, p := standardNormal(t)
	op, err := operator.NewMask(2, []int{0})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = FPS(ctx, s, p, Problem{Op: op, Y: tensor.Zeros(tensor.Shape{1, 1})}, testConfig(t, 10, 10), rng.New(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimize_ConcentratesNearMinimizer(t *testing.T) {
	s, p := standardNormal(t)
	target := []float64{1, 1}
	f := func(x []float64) float64 {
		d0, d1 := x[0]-target[0], x[1]-target[1]
		return d0*d0 + d1*d1
	}

	res, err := Optimize(context.Background(), s, p, f, LinearGamma(50, 1), 2, testConfig(t, 500, 100), rng.New(3))
	require.NoError(t, err)
	require.Len(t, res.ESS, 101)

	// The tempered target N(0, I)·exp(−50‖x − c‖²) has mean 100c/101.
	mean := res.Mean()
	assert.InDelta(t, 100.0/101, mean[0], 0.15)
	assert.InDelta(t, 100.0/101, mean[1], 0.15)

	best, val := res.Best(f)
	assert.Len(t, best, 2)
	assert.Less(t, val, 0.1)
}

func TestOptimize_Deterministic(t *testing.T) {
	s, p := standardNormal(t)
	f := func(x []float64) float64 { return x[0] * x[0] }
	cfg := testConfig(t, 50, 20)

	a, err := Optimize(context.Background(), s, p, f, LinearGamma(5, 1), 2, cfg, rng.New(8))
	require.NoError(t, err)
	b, err := Optimize(context.Background(), s, p, f, LinearGamma(5, 1), 2, cfg, rng.New(8))
	require.NoError(t, err)
	assert.True(t, a.Particles.Equal(b.Particles))
	assert.Equal(t, a.LogWeights, b.LogWeights)
}
