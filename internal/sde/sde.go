// Package sde defines the forward noising processes whose reversal the
// sampler simulates.
//
// All supported processes have a drift linear in the state,
// f(x, t) = DriftScale(t)·x, and a state-independent diffusion g(t), so the
// marginal given a clean sample x0 is N(mean(t)·x0, std(t)²·I).
package sde

import (
	"math"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/tensor"
)

// StdFloor is the smallest marginal std ever reported. Guidance and score
// rescaling divide by the std, so it is never exactly zero.
const StdFloor = 1e-5

// SDE is a forward noising process on [0, T].
type SDE interface {
	// Kind returns the family of the process.
	Kind() Kind

	// T returns the terminal time.
	T() float64

	// NumScales returns the number of discrete noise levels.
	NumScales() int

	// Coefficients returns the drift scale and diffusion at t:
	// dx = DriftScale(t)·x dt + g(t) dw.
	Coefficients(t float64) (driftScale, diffusion float64)

	// Marginal returns the mean scale and std of x(t) given x(0).
	// The std is clamped to at least StdFloor.
	Marginal(t float64) (mean, std float64)

	// PriorStd returns the std of the prior at t = T.
	PriorStd() float64

	// Discretize returns the one-step transition between t and tNext < t
	// of the discretized forward chain: x(t) = (1+fScale)·x(tNext) + g·z.
	Discretize(t, tNext float64) (fScale, g float64)
}

// Alpha is implemented by processes whose Langevin corrector step is
// rescaled by the discrete retention factor α(t).
type Alpha interface {
	Alpha(t float64) float64
}

// Kind identifies an SDE family.
type Kind int

// SDE families.
const (
	VP Kind = iota + 1
	SubVP
	VE
)

var kindNames = map[Kind]string{
	VP:    "vpsde",
	SubVP: "subvpsde",
	VE:    "vesde",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Parse maps a configuration name to a Kind.
func Parse(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errs.Config("model.sde", name, "unknown SDE (want vpsde, subvpsde or vesde)")
}

// Prior draws a sample of the given shape from the prior N(0, PriorStd()²).
func Prior(s SDE, shape tensor.Shape, src *rng.Source) *tensor.Tensor {
	return tensor.Randn(shape, src).Scale(s.PriorStd())
}

// Tweedie returns the posterior mean E[x0 | x(t) = x] given the score at
// (x, t): (x + std²·score) / mean.
func Tweedie(s SDE, x, score *tensor.Tensor, t float64) *tensor.Tensor {
	mean, std := s.Marginal(t)
	return x.Clone().AddScaled(std*std, score).Scale(1 / mean)
}

// LogSNR returns log(mean/std) at t.
func LogSNR(s SDE, t float64) float64 {
	mean, std := s.Marginal(t)
	return math.Log(mean) - math.Log(std)
}

func clampStd(std float64) float64 {
	if std < StdFloor || math.IsNaN(std) {
		return StdFloor
	}
	return std
}
