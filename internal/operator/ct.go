package operator

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/diffusion/internal/errs"
)

// NewParallelBeamCT returns the sparse-view parallel-beam Radon transform of
// a size×size image as a dense matrix with numAngles·size rows. Angles are
// spread uniformly over [0, π); every pixel is splatted onto the two
// detector bins nearest its projected center.
func NewParallelBeamCT(size, numAngles int) (*Matrix, error) {
	switch {
	case size <= 0:
		return nil, errs.Configf("data.image_size", "must be > 0, got %d", size)
	case numAngles <= 0:
		return nil, errs.Configf("data.num_angles", "must be > 0, got %d", numAngles)
	}
	a := mat.NewDense(numAngles*size, size*size, nil)
	center := float64(size-1) / 2

	for k := range numAngles {
		theta := math.Pi * float64(k) / float64(numAngles)
		c, s := math.Cos(theta), math.Sin(theta)
		for py := range size {
			for px := range size {
				pos := (float64(px)-center)*c + (float64(py)-center)*s + center
				lo := math.Floor(pos)
				frac := pos - lo
				col := py*size + px
				splat(a, k*size, size, int(lo), 1-frac, col)
				splat(a, k*size, size, int(lo)+1, frac, col)
			}
		}
	}
	return NewMatrix(a)
}

func splat(a *mat.Dense, base, size, bin int, w float64, col int) {
	if bin < 0 || bin >= size || w == 0 {
		return
	}
	a.Set(base+bin, col, a.At(base+bin, col)+w)
}
