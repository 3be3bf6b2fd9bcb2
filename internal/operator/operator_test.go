package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

func gaussianOp(t *testing.T, m, d int) *Matrix {
	t.Helper()
	op, err := NewGaussian(m, d, rng.New(1))
	require.NoError(t, err)
	return op
}

func TestMatrix_AdjointIdentity(t *testing.T) {
	op := gaussianOp(t, 5, 12)
	src := rng.New(2)
	x := tensor.Randn(tensor.Shape{3, 12}, src)
	y := tensor.Randn(tensor.Shape{3, 5}, src)

	ax, err := op.Forward(x)
	require.NoError(t, err)
	aty, err := op.Adjoint(y)
	require.NoError(t, err)

	assert.InDelta(t, ax.Dot(y), x.Dot(aty), 1e-10)
}

func TestMatrix_PseudoInverseIsRightInverse(t *testing.T) {
	op := gaussianOp(t, 5, 12)
	y := tensor.Randn(tensor.Shape{2, 5}, rng.New(3))

	x, err := op.PseudoInverse(y)
	require.NoError(t, err)
	ax, err := op.Forward(x)
	require.NoError(t, err)
	assert.True(t, ax.EqualApprox(y, 1e-9), "A A⁺ y = %v, want %v", ax, y)
}

func TestMatrix_RegularizedInverseMatchesDirectSolve(t *testing.T) {
	op := gaussianOp(t, 4, 7)
	y := tensor.Randn(tensor.Shape{1, 4}, rng.New(4))
	const r2, s2 = 0.3, 0.05

	got, err := op.RegularizedInverse(y, r2, s2)
	require.NoError(t, err)

	a := op.Dense()
	var gram mat.Dense
	gram.Mul(a, a.T())
	gram.Scale(r2, &gram)
	for i := range 4 {
		gram.Set(i, i, gram.At(i, i)+s2)
	}
	var w mat.VecDense
	require.NoError(t, w.SolveVec(&gram, mat.NewVecDense(4, y.Data())))
	var want mat.VecDense
	want.MulVec(a.T(), &w)

	for i, v := range got.Data() {
		assert.InDelta(t, want.AtVec(i), v, 1e-9)
	}
}

func TestProject_IdempotentOnConsistentState(t *testing.T) {
	op := gaussianOp(t, 6, 10)
	x := tensor.Randn(tensor.Shape{3, 10}, rng.New(5))
	y, err := op.Forward(x)
	require.NoError(t, err)

	for _, noise := range []float64{0, 0.1} {
		p, err := Project(op, x, y, 1, noise)
		require.NoError(t, err)
		assert.True(t, p.Equal(x), "noise=%g", noise)
	}
}

func TestProject_ReachesMeasurement(t *testing.T) {
	op := gaussianOp(t, 6, 10)
	src := rng.New(6)
	x := tensor.Randn(tensor.Shape{3, 10}, src)
	y := tensor.Randn(tensor.Shape{1, 6}, src)

	before, err := MeanResidual(op, x, y)
	require.NoError(t, err)
	p, err := Project(op, x, y, 1, 0)
	require.NoError(t, err)
	after, err := MeanResidual(op, p, y)
	require.NoError(t, err)

	assert.Greater(t, before, 0.1)
	assert.Less(t, after, 1e-9)
}

func TestMask(t *testing.T) {
	op, err := NewMask(5, []int{4, 1})
	require.NoError(t, err)
	x, err := tensor.FromRows([][]float64{{10, 11, 12, 13, 14}})
	require.NoError(t, err)

	y, err := op.Forward(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{14, 11}, y.Data(), 1e-12)

	back, err := op.PseudoInverse(y)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 11, 0, 0, 14}, back.Data(), 1e-12)

	_, err = NewMask(5, []int{1, 1})
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewMask(5, []int{5})
	assert.ErrorIs(t, err, errs.ErrConfig)

	rm, err := RandomMask(20, 7, rng.New(1))
	require.NoError(t, err)
	assert.Equal(t, 7, rm.OutputDim())
}

func TestBroadcast(t *testing.T) {
	op := gaussianOp(t, 3, 4)
	y := tensor.Full(tensor.Shape{1, 3}, 2)

	yb, err := Broadcast(op, y, 4)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 3}, yb.Shape())

	_, err = Broadcast(op, tensor.Zeros(tensor.Shape{2, 3}), 4)
	assert.ErrorIs(t, err, errs.ErrShape)
	_, err = Broadcast(op, tensor.Zeros(tensor.Shape{1, 5}), 4)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestForward_ShapeMismatch(t *testing.T) {
	op := gaussianOp(t, 3, 4)
	_, err := op.Forward(tensor.Zeros(tensor.Shape{2, 5}))
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestParallelBeamCT(t *testing.T) {
	const size, angles = 9, 4
	op, err := NewParallelBeamCT(size, angles)
	require.NoError(t, err)
	assert.Equal(t, size*size, op.InputDim())
	assert.Equal(t, angles*size, op.OutputDim())

	// The center pixel projects fully onto the detector at every angle.
	centerCol := (size/2)*size + size/2
	sum := 0.0
	for r := range op.OutputDim() {
		sum += op.Dense().At(r, centerCol)
	}
	assert.InDelta(t, float64(angles), sum, 1e-12)

	_, err = NewParallelBeamCT(size, 0)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestNoisedMeasurement_ZeroStd(t *testing.T) {
	op := gaussianOp(t, 3, 4)
	y := tensor.Full(tensor.Shape{1, 3}, 1)
	yt, err := NoisedMeasurement(op, y, 2, 0.5, 0, rng.New(1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, yt.Data(), 1e-12)
}

func TestFunc(t *testing.T) {
	sq := &Func{In: 2, Out: 2, F: func(x, out []float64) {
		out[0], out[1] = x[0]*x[0], x[0]*x[1]
	}}
	x, err := tensor.FromRows([][]float64{{2, 3}})
	require.NoError(t, err)
	y, err := sq.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, y.Data())
}
