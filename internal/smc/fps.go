package smc

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

// varianceFloor bounds the observation and transition variances away from
// zero at the end of the trajectory.
const varianceFloor = 1e-10

// Problem is a linear inverse problem y = A x + σ_y·n.
type Problem struct {
	Op       operator.Linear
	Y        *tensor.Tensor // [1, M]
	NoiseStd float64
}

// FPS runs filtering posterior sampling. Particles move with the DDIM
// posterior transition N(μ, τ²I); the observation at time t_k is
// y_k = mean_k·y + std_k·Aε for one shared ε, with variance v = mean_k²σ_y².
// Each particle is drawn from the locally optimal proposal
//
//	Σ* = (I/τ² + AᵀA/v)⁻¹,  μ* = Σ*(μ/τ² + Aᵀy_k/v)
//
// and weighted by log N(y_k; Aμ, vI + τ²AAᵀ).
func FPS(ctx context.Context, s sde.SDE, p score.Provider, prob Problem, cfg Config, src *rng.Source) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prob.NoiseStd < 0 {
		return nil, errs.Configf("sampling.noise_std", "must be >= 0, got %g", prob.NoiseStd)
	}
	op := prob.Op
	y, err := operator.Broadcast(op, prob.Y, 1)
	if err != nil {
		return nil, err
	}
	d, m := op.InputDim(), op.OutputDim()
	a := op.Dense()

	var ata, aat mat.SymDense
	ata.SymOuterK(1, a.T())
	aat.SymOuterK(1, a)

	aeps, err := op.Forward(tensor.Randn(tensor.Shape{1, d}, src))
	if err != nil {
		return nil, err
	}

	x := sde.Prior(s, tensor.Shape{cfg.Particles, d}, src)
	pop := newPopulation(cfg.Particles, cfg.ESSThreshold)
	inc := make([]float64, cfg.Particles)
	diff := make([]float64, m)

	for k := 0; k < len(cfg.Times)-1; k++ {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		t, tn := cfg.Times[k], cfg.Times[k+1]

		sc, err := p.Score(x, t)
		if err != nil {
			return nil, fmt.Errorf("fps step %d: %w", k, err)
		}
		mu, tau := solver.DDIMPosterior(s, x, sc, t, tn, cfg.Eta)
		tau2 := max(tau*tau, varianceFloor)

		an, sn := s.Marginal(tn)
		yk := tensor.Combine(an, y, sn, aeps).Data()
		v := max(an*an*prob.NoiseStd*prob.NoiseStd, varianceFloor)

		// Incremental weights.
		cov := mat.NewSymDense(m, nil)
		cov.ScaleSym(tau2, &aat)
		for i := range m {
			cov.SetSym(i, i, cov.At(i, i)+v)
		}
		lik, ok := distmv.NewNormal(make([]float64, m), cov, nil)
		if !ok {
			return nil, &errs.InstabilityError{Step: k, Time: tn, Stage: errs.StagePredictor, Row: -1}
		}
		amu, err := op.Forward(mu)
		if err != nil {
			return nil, err
		}
		for b := range inc {
			for i, ai := range amu.Row(b) {
				diff[i] = yk[i] - ai
			}
			inc[b] = lik.LogProb(diff)
		}

		// Optimal proposal.
		prec := mat.NewSymDense(d, nil)
		prec.ScaleSym(1/v, &ata)
		for i := range d {
			prec.SetSym(i, i, prec.At(i, i)+1/tau2)
		}
		var precChol mat.Cholesky
		if !precChol.Factorize(prec) {
			return nil, &errs.InstabilityError{Step: k, Time: tn, Stage: errs.StagePredictor, Row: -1}
		}
		var sigma mat.SymDense
		if err := precChol.InverseTo(&sigma); err != nil {
			return nil, fmt.Errorf("fps step %d: proposal covariance: %w", k, err)
		}
		var sigmaChol mat.Cholesky
		if !sigmaChol.Factorize(&sigma) {
			return nil, &errs.InstabilityError{Step: k, Time: tn, Stage: errs.StagePredictor, Row: -1}
		}
		var l mat.TriDense
		sigmaChol.LTo(&l)

		aty := mat.NewVecDense(d, nil)
		aty.MulVec(a.T(), mat.NewVecDense(m, yk))
		aty.ScaleVec(1/v, aty)

		rhs := mat.NewVecDense(d, nil)
		muStar := mat.NewVecDense(d, nil)
		z := make([]float64, d)
		lz := mat.NewVecDense(d, nil)
		for b := range cfg.Particles {
			rhs.AddScaledVec(aty, 1/tau2, mat.NewVecDense(d, mu.Row(b)))
			muStar.MulVec(&sigma, rhs)
			src.FillNormal(z)
			lz.MulVec(&l, mat.NewVecDense(d, z))
			row := x.Row(b)
			for i := range row {
				row[i] = muStar.AtVec(i) + lz.AtVec(i)
			}
		}
		if rows := x.NonFiniteRows(); len(rows) > 0 {
			return nil, &errs.InstabilityError{Step: k, Time: tn, Stage: errs.StagePredictor, Row: rows[0]}
		}

		if _, err := pop.reweight(k, tn, x, inc, src); err != nil {
			return nil, err
		}
	}
	return pop.result(x), nil
}
