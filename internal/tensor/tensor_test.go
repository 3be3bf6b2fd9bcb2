package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
)

func TestShape(t *testing.T) {
	s := Shape{4, 3, 8, 8}

	assert.Equal(t, 768, s.NumElements())
	assert.Equal(t, 4, s.Batch())
	assert.Equal(t, 192, s.RowSize())
	assert.True(t, s.WithBatch(1).Equal(Shape{1, 3, 8, 8}))
	assert.Equal(t, 4, s[0], "WithBatch must not modify the receiver")

	assert.Error(t, Shape{}.Validate())
	assert.Error(t, Shape{2, 0}.Validate())
	assert.NoError(t, Shape{2, 80}.Validate())
}

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	require.NoError(t, err)

	assert.Equal(t, []float64{4, 5, 6}, x.Row(1))

	_, err = FromSlice([]float64{1, 2}, Shape{2, 3})
	assert.Error(t, err)
}

func TestFromRows(t *testing.T) {
	x, err := FromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.True(t, x.Shape().Equal(Shape{2, 2}))

	_, err = FromRows([][]float64{{1, 2}, {3}})
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestRowIsView(t *testing.T) {
	x := Zeros(Shape{3, 2})
	x.Row(1)[0] = 7

	assert.Equal(t, []float64{0, 0, 7, 0, 0, 0}, x.Data())
	assert.Panics(t, func() {
		r := x.Row(0)
		_ = r[:3] // capacity is clipped to the row
	})
}

func TestArithmetic(t *testing.T) {
	x, _ := FromSlice([]float64{1, 2, 3, 4}, Shape{2, 2})
	y, _ := FromSlice([]float64{1, 1, 1, 1}, Shape{2, 2})

	z := x.Clone().AddScaled(2, y)
	assert.Equal(t, []float64{3, 4, 5, 6}, z.Data())
	assert.Equal(t, []float64{1, 2, 3, 4}, x.Data(), "Clone must not alias")

	c := Combine(0.5, x, -1, y)
	assert.Equal(t, []float64{-0.5, 0, 0.5, 1}, c.Data())

	assert.InDelta(t, 10.0, x.Dot(y), 1e-12)
	assert.InDelta(t, math.Sqrt(30), x.Norm(), 1e-12)
	assert.InDeltaSlice(t, []float64{math.Sqrt(5), 5}, x.RowNorms(), 1e-12)
	assert.InDelta(t, 5.0, x.MeanRowNorm([]bool{false, true}), 1e-12)
	assert.Zero(t, x.MeanRowNorm([]bool{false, false}))
}

func TestFiniteness(t *testing.T) {
	x := Zeros(Shape{3, 2})
	assert.True(t, x.IsFinite())

	x.Row(2)[1] = math.NaN()
	x.Row(0)[0] = math.Inf(1)
	assert.False(t, x.IsFinite())
	assert.Equal(t, []int{0, 2}, x.NonFiniteRows())
}

func TestCheckSameShape(t *testing.T) {
	x := Zeros(Shape{2, 3})

	assert.NoError(t, x.CheckSameShape("op", Zeros(Shape{2, 3})))
	assert.ErrorIs(t, x.CheckSameShape("op", Zeros(Shape{3, 2})), errs.ErrShape)
	assert.ErrorIs(t, x.CheckSameShape("op", nil), errs.ErrShape)
	assert.ErrorIs(t, x.CopyFrom(Zeros(Shape{1, 3})), errs.ErrShape)
}

func TestRandnDeterministic(t *testing.T) {
	a := Randn(Shape{2, 5}, rng.New(9))
	b := Randn(Shape{2, 5}, rng.New(9))

	assert.True(t, a.Equal(b))
	assert.True(t, a.EqualApprox(b, 0))
}
