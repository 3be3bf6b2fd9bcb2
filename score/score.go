// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package score adapts score models to the diffusion sampler.
//
// A Provider maps a batch x at time t to ∇x log p_t(x). Networks trained
// under different conventions are wrapped with FromNetwork, which converts
// time labels, undoes noise parameterizations and applies score scaling.
// GaussianMixture is an exact analytic model for tests and synthetic
// experiments; it also provides exact Jacobian-vector products.
package score

import (
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/rng"
	"github.com/born-ml/diffusion/sde"
	"github.com/born-ml/diffusion/tensor"
)

// Provider evaluates the score of a batch at time t.
type Provider = score.Provider

// JVPProvider is a Provider that also computes Jacobian-vector products
// of its score. Providers without it fall back to finite differences.
type JVPProvider = score.JVPProvider

// Func adapts a plain function to Provider.
type Func = score.Func

// Network is a raw score or noise network taking a conditioning label.
type Network = score.Network

// NetworkFunc adapts a plain function to Network.
type NetworkFunc = score.NetworkFunc

// Options configure how raw network output becomes a score.
type Options = score.Options

// Parameterization is what the raw network output estimates.
type Parameterization = score.Parameterization

// Output parameterizations.
const (
	ScoreOutput   Parameterization = score.ScoreOutput
	EpsilonOutput Parameterization = score.EpsilonOutput
)

// NetworkProvider turns a Network into a Provider.
type NetworkProvider = score.NetworkProvider

// FromNetwork builds a Provider around net.
//
// Example:
//
//	p := score.FromNetwork(net, vp, score.Options{Continuous: true, Output: score.EpsilonOutput})
//	s, err := p.Score(x, 0.5)
func FromNetwork(net Network, s sde.SDE, opts Options) *NetworkProvider {
	return score.FromNetwork(net, s, opts)
}

// GaussianMixture is the exact score of a Gaussian mixture diffused by an SDE.
type GaussianMixture = score.GaussianMixture

// NewGaussianMixture builds a mixture with isotropic components of the
// given std. Nil weights mean equal weights.
func NewGaussianMixture(s sde.SDE, means [][]float64, weights []float64, std float64) (*GaussianMixture, error) {
	return score.NewGaussianMixture(s, means, weights, std)
}

// RandomGaussianMixture places k equally weighted components at random
// directions with norm spread.
func RandomGaussianMixture(s sde.SDE, dim, k int, spread, std float64, src *rng.Source) (*GaussianMixture, error) {
	return score.RandomGaussianMixture(s, dim, k, spread, std, src)
}

// JVP returns ∇s(x, t)·v, exactly when p supports it.
func JVP(p Provider, x *tensor.Tensor, t float64, v *tensor.Tensor) (*tensor.Tensor, error) {
	return score.JVP(p, x, t, v)
}
