package score

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

func newVP(t *testing.T) sde.SDE {
	t.Helper()
	s, err := sde.NewVP(0.1, 20, 1000)
	require.NoError(t, err)
	return s
}

func newMixture(t *testing.T, s sde.SDE) *GaussianMixture {
	t.Helper()
	g, err := RandomGaussianMixture(s, 6, 3, 4, 0.3, rng.New(11))
	require.NoError(t, err)
	return g
}

func TestNetworkProvider_Labels(t *testing.T) {
	vp := newVP(t)
	ve, err := sde.NewVE(0.01, 50, 1000)
	require.NoError(t, err)

	ident := NetworkFunc(func(x *tensor.Tensor, _ float64) (*tensor.Tensor, error) { return x, nil })

	assert.InDelta(t, 499.5, FromNetwork(ident, vp, Options{Continuous: true}).Label(0.5), 1e-12)
	assert.Equal(t, 500.0, FromNetwork(ident, vp, Options{}).Label(0.5))

	_, sigma := ve.Marginal(0.25)
	assert.InDelta(t, sigma, FromNetwork(ident, ve, Options{Continuous: true}).Label(0.25), 1e-12)
	assert.Equal(t, 749.0, FromNetwork(ident, ve, Options{}).Label(0.25))
}

func TestNetworkProvider_EpsilonScaling(t *testing.T) {
	vp := newVP(t)
	ones := NetworkFunc(func(x *tensor.Tensor, _ float64) (*tensor.Tensor, error) {
		return tensor.Full(x.Shape(), 1), nil
	})
	p := FromNetwork(ones, vp, Options{Continuous: true, ScoreScaling: true, Output: EpsilonOutput})

	x := tensor.Zeros(tensor.Shape{2, 3})
	s, err := p.Score(x, 0.4)
	require.NoError(t, err)

	_, std := vp.Marginal(0.4)
	for _, v := range s.Data() {
		assert.InDelta(t, -1/std, v, 1e-12)
	}
}

func TestNetworkProvider_Errors(t *testing.T) {
	vp := newVP(t)
	wrong := NetworkFunc(func(*tensor.Tensor, float64) (*tensor.Tensor, error) {
		return tensor.Zeros(tensor.Shape{1, 1}), nil
	})
	_, err := FromNetwork(wrong, vp, Options{}).Score(tensor.Zeros(tensor.Shape{2, 3}), 0.5)
	assert.ErrorIs(t, err, errs.ErrShape)

	boom := errors.New("boom")
	failing := NetworkFunc(func(*tensor.Tensor, float64) (*tensor.Tensor, error) { return nil, boom })
	_, err = FromNetwork(failing, vp, Options{}).Score(tensor.Zeros(tensor.Shape{2, 3}), 0.5)
	assert.ErrorIs(t, err, boom)
}

func TestGaussianMixture_SingleComponentScore(t *testing.T) {
	vp := newVP(t)
	mu := []float64{1, -2, 0.5}
	g, err := NewGaussianMixture(vp, [][]float64{mu}, nil, 0)
	require.NoError(t, err)

	x, err := tensor.FromRows([][]float64{{0.3, 0.1, -0.7}})
	require.NoError(t, err)
	s, err := g.Score(x, 0.5)
	require.NoError(t, err)

	m, std := vp.Marginal(0.5)
	for i, v := range s.Data() {
		assert.InDelta(t, (m*mu[i]-x.Data()[i])/(std*std), v, 1e-9)
	}

	// A point mass has posterior mean μ everywhere.
	x0, err := g.Posterior(x, 0.5)
	require.NoError(t, err)
	for i, v := range x0.Data() {
		assert.InDelta(t, mu[i], v, 1e-9)
	}
}

func TestGaussianMixture_JVPMatchesFiniteDifference(t *testing.T) {
	vp := newVP(t)
	g := newMixture(t, vp)
	src := rng.New(5)
	x := tensor.Randn(tensor.Shape{4, g.Dim()}, src).Scale(2)
	v := tensor.Randn(tensor.Shape{4, g.Dim()}, src)

	exact, err := JVP(g, x, 0.3, v)
	require.NoError(t, err)

	fd, err := JVP(Func(g.Score), x, 0.3, v)
	require.NoError(t, err)

	scale := exact.Norm()
	require.Greater(t, scale, 0.0)
	assert.True(t, exact.EqualApprox(fd, 1e-4*scale), "exact %v\nfd %v", exact, fd)
}

func TestGaussianMixture_JVPSymmetric(t *testing.T) {
	vp := newVP(t)
	g := newMixture(t, vp)
	src := rng.New(6)
	x := tensor.Randn(tensor.Shape{1, g.Dim()}, src)
	u := tensor.Randn(tensor.Shape{1, g.Dim()}, src)
	w := tensor.Randn(tensor.Shape{1, g.Dim()}, src)

	hu, err := g.ScoreJVP(x, 0.2, u)
	require.NoError(t, err)
	hw, err := g.ScoreJVP(x, 0.2, w)
	require.NoError(t, err)

	assert.InDelta(t, w.Dot(hu), u.Dot(hw), 1e-9)
}

func TestGaussianMixture_ShapeMismatch(t *testing.T) {
	g := newMixture(t, newVP(t))
	_, err := g.Score(tensor.Zeros(tensor.Shape{2, g.Dim() + 1}), 0.5)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestGaussianMixture_Sample(t *testing.T) {
	vp := newVP(t)
	g, err := NewGaussianMixture(vp, [][]float64{{3, 3}}, nil, 0.1)
	require.NoError(t, err)

	x := g.Sample(2000, rng.New(9))
	var sum [2]float64
	for b := range x.Batch() {
		row := x.Row(b)
		sum[0] += row[0]
		sum[1] += row[1]
	}
	assert.InDelta(t, 3.0, sum[0]/2000, 0.02)
	assert.InDelta(t, 3.0, sum[1]/2000, 0.02)
}

func TestGradient(t *testing.T) {
	x, err := tensor.FromRows([][]float64{{1, -2}, {0.5, 3}})
	require.NoError(t, err)

	sq := func(x *tensor.Tensor) (float64, error) { return x.Dot(x), nil }
	g, err := Gradient(sq, x, 1e-4)
	require.NoError(t, err)

	want := x.Clone().Scale(2)
	assert.True(t, want.EqualApprox(g, 1e-6), "got %v", g)
}

func TestCounting(t *testing.T) {
	vp := newVP(t)
	g := newMixture(t, vp)
	c := NewCounting(g)
	x := tensor.Zeros(tensor.Shape{1, g.Dim()})

	for range 3 {
		_, err := c.Score(x, 0.5)
		require.NoError(t, err)
	}
	_, err := JVP(c, x, 0.5, x.Clone().Add(tensor.Full(x.Shape(), 1)))
	require.NoError(t, err)

	assert.Equal(t, int64(3), c.Evals())
	assert.Equal(t, int64(1), c.JVPs())

	// Without exact products the fallback goes through Score twice.
	fd := NewCounting(Func(g.Score))
	_, err = JVP(fd, x, 0.5, tensor.Full(x.Shape(), 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), fd.Evals())
}

func TestFiniteJVP_ZeroDirection(t *testing.T) {
	g := newMixture(t, newVP(t))
	x := tensor.Full(tensor.Shape{1, g.Dim()}, 0.5)
	out, err := JVP(Func(g.Score), x, 0.5, x.ZerosLike())
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Norm())
	assert.False(t, math.IsNaN(out.Norm()))
}

func TestFiniteJVP_RowsIndependent(t *testing.T) {
	g := newMixture(t, newVP(t))
	src := rng.New(11)
	x := tensor.Randn(tensor.Shape{3, g.Dim()}, src)
	v := tensor.Randn(tensor.Shape{3, g.Dim()}, src)
	v.Row(1)[0] = math.NaN()
	v.Row(2)[0] = 1e6

	out, err := JVP(Func(g.Score), x, 0.4, v)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, out.NonFiniteRows())

	row0, err := tensor.FromSlice(append([]float64(nil), x.Row(0)...), tensor.Shape{1, g.Dim()})
	require.NoError(t, err)
	dir0, err := tensor.FromSlice(append([]float64(nil), v.Row(0)...), tensor.Shape{1, g.Dim()})
	require.NoError(t, err)
	alone, err := JVP(Func(g.Score), row0, 0.4, dir0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, alone.Row(0), out.Row(0), 1e-9)
}
