package rng

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat"
)

func TestSource_Deterministic(t *testing.T) {
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Normal(), b.Normal())
	}
}

func TestSource_SplitIndependentOfConsumption(t *testing.T) {
	a, b := New(7), New(7)
	for i := 0; i < 10; i++ {
		a.Normal()
	}

	ca, cb := a.Split(3), b.Split(3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, ca.Normal(), cb.Normal())
	}
}

func TestSource_SplitChildrenDiffer(t *testing.T) {
	root := New(1)
	c0, c1 := root.Split(0), root.Split(1)

	same := 0
	for i := 0; i < 32; i++ {
		if c0.Normal() == c1.Normal() {
			same++
		}
	}
	assert.Zero(t, same)
	assert.NotEqual(t, root.Split(0).Uint64(), root.Split(0).Split(0).Uint64())
}

func TestSource_FillNormalMoments(t *testing.T) {
	src := New(123)
	xs := make([]float64, 20000)
	src.FillNormal(xs)

	mean, std := stat.MeanStdDev(xs, nil)
	assert.InDelta(t, 0.0, mean, 0.05)
	assert.InDelta(t, 1.0, std, 0.05)
	for _, x := range xs {
		assert.False(t, math.IsNaN(x))
	}
}
