package operator

import (
	"github.com/born-ml/diffusion/internal/tensor"
)

// Project moves x toward measurement consistency:
//
//	x + λ·A⁺(y − Ax)                  if noiseStd == 0
//	x + λ·Aᵀ(AAᵀ + σ²I)⁻¹(y − Ax)     otherwise
//
// y may be [1, M] or [B, M]. A state with Ax = y is returned unchanged.
func Project(op Linear, x, y *tensor.Tensor, lambda, noiseStd float64) (*tensor.Tensor, error) {
	r, err := Residual(op, x, y)
	if err != nil {
		return nil, err
	}
	step, err := op.RegularizedInverse(r, 1, noiseStd*noiseStd)
	if err != nil {
		return nil, err
	}
	return x.Clone().AddScaled(lambda, step), nil
}
