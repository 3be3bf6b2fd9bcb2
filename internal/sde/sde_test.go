package sde

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

func allSDEs(t *testing.T) map[string]SDE {
	t.Helper()
	vp, err := NewVP(0.1, 25, 1000)
	require.NoError(t, err)
	subvp, err := NewSubVP(0.1, 20, 1000)
	require.NoError(t, err)
	ve, err := NewVE(0.01, 50, 1000)
	require.NoError(t, err)
	return map[string]SDE{"vpsde": vp, "subvpsde": subvp, "vesde": ve}
}

func TestMarginalStd_Properties(t *testing.T) {
	for name, s := range allSDEs(t) {
		t.Run(name, func(t *testing.T) {
			_, std0 := s.Marginal(0)
			assert.GreaterOrEqual(t, std0, StdFloor, "std must be clamped away from zero")
			assert.LessOrEqual(t, std0, 0.01+1e-12, "std at t=0 must be near zero")

			_, stdT := s.Marginal(s.T())
			assert.Equal(t, s.PriorStd(), stdT, "terminal std must equal the prior scale")

			prev := std0
			for i := 1; i <= 200; i++ {
				_, std := s.Marginal(float64(i) / 200)
				assert.GreaterOrEqual(t, std, prev, "std must be monotonically increasing (i=%d)", i)
				prev = std
			}
		})
	}
}

func TestVPSDE_ClosedForm(t *testing.T) {
	s, err := NewVP(0.1, 20, 1000)
	require.NoError(t, err)

	mean, std := s.Marginal(0.5)
	lm := -0.25*0.25*19.9 - 0.5*0.5*0.1
	assert.InDelta(t, math.Exp(lm), mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1-math.Exp(2*lm)), std, 1e-12)
	assert.InDelta(t, 1.0, mean*mean+std*std, 1e-12, "VP preserves variance")

	drift, g := s.Coefficients(0.5)
	beta := 0.1 + 0.5*19.9
	assert.InDelta(t, -0.5*beta, drift, 1e-12)
	assert.InDelta(t, math.Sqrt(beta), g, 1e-12)

	assert.InDelta(t, 1-0.1/1000, s.Alpha(0), 1e-12)
	assert.InDelta(t, 1-20.0/1000, s.Alpha(1), 1e-12)
}

func TestVESDE_ClosedForm(t *testing.T) {
	s, err := NewVE(0.01, 50, 1000)
	require.NoError(t, err)

	mean, std := s.Marginal(1)
	assert.Equal(t, 1.0, mean)
	assert.InDelta(t, 50.0, std, 1e-9)

	_, g := s.Coefficients(0.3)
	sigma := 0.01 * math.Pow(5000, 0.3)
	assert.InDelta(t, sigma*math.Sqrt(2*math.Log(5000)), g, 1e-9)

	_, isAlpha := any(s).(Alpha)
	assert.False(t, isAlpha, "VE correctors use α = 1")
}

func TestDiscretize_MatchesMarginals(t *testing.T) {
	for name, s := range allSDEs(t) {
		t.Run(name, func(t *testing.T) {
			tt, tn := 0.6, 0.55
			fScale, g := s.Discretize(tt, tn)

			m, std := s.Marginal(tt)
			mn, stdn := s.Marginal(tn)
			ratio := 1 + fScale
			assert.InDelta(t, m/mn, ratio, 1e-12)
			assert.InDelta(t, std*std, ratio*ratio*stdn*stdn+g*g, 1e-9)
		})
	}
}

func TestPriorAndTweedie(t *testing.T) {
	s, err := NewVE(0.01, 50, 1000)
	require.NoError(t, err)

	x := Prior(s, tensor.Shape{4000, 1}, rng.New(3))
	assert.InDelta(t, 50.0, x.Norm()/math.Sqrt(4000), 2.5)

	// With the exact score of N(0, σ²) at x, Tweedie recovers the clean mean 0.
	_, std := s.Marginal(1)
	score := x.Clone().Scale(-1 / (std * std))
	x0 := Tweedie(s, x, score, 1)
	assert.InDelta(t, 0.0, x0.Norm(), 1e-9)
}

func TestParse(t *testing.T) {
	k, err := Parse("vesde")
	require.NoError(t, err)
	assert.Equal(t, VE, k)
	assert.Equal(t, "vpsde", VP.String())

	_, err = Parse("cosine")
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestConstructorsRejectBadParameters(t *testing.T) {
	_, err := NewVP(1, 0.5, 1000)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewSubVP(0.1, 20, 0)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewVE(0, 50, 10)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewVE(1, 0.5, 10)
	assert.ErrorIs(t, err, errs.ErrConfig)
}
