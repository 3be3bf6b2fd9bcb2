// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sde provides the forward diffusion processes.
//
// Three families are supported, each exposing drift and diffusion
// coefficients, the perturbation kernel N(mean(t)·x0, std(t)²I) and the
// one-step discretization used by the reverse solvers:
//   - VP: variance preserving, beta linear in t
//   - SubVP: variance bounded by the VP variance
//   - VE: variance exploding, sigma geometric in t
//
// Example:
//
//	vp, err := sde.NewVP(0.1, 20, 1000)
//	mean, std := vp.Marginal(0.5)
package sde

import (
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/rng"
	"github.com/born-ml/diffusion/tensor"
)

// SDE is a forward diffusion process on [0, T].
type SDE = sde.SDE

// Kind identifies an SDE family.
type Kind = sde.Kind

// SDE families.
const (
	VP    Kind = sde.VP
	SubVP Kind = sde.SubVP
	VE    Kind = sde.VE
)

// StdFloor is the lower clamp applied to marginal standard deviations.
const StdFloor = sde.StdFloor

// Process types.
type (
	VPSDE    = sde.VPSDE
	SubVPSDE = sde.SubVPSDE
	VESDE    = sde.VESDE
)

// NewVP returns the variance preserving SDE with beta(t) linear from
// betaMin to betaMax.
func NewVP(betaMin, betaMax float64, numScales int) (*VPSDE, error) {
	return sde.NewVP(betaMin, betaMax, numScales)
}

// NewSubVP returns the sub-VP SDE.
func NewSubVP(betaMin, betaMax float64, numScales int) (*SubVPSDE, error) {
	return sde.NewSubVP(betaMin, betaMax, numScales)
}

// NewVE returns the variance exploding SDE with sigma(t) geometric from
// sigmaMin to sigmaMax.
func NewVE(sigmaMin, sigmaMax float64, numScales int) (*VESDE, error) {
	return sde.NewVE(sigmaMin, sigmaMax, numScales)
}

// Parse maps vpsde, subvpsde or vesde to a Kind.
func Parse(name string) (Kind, error) {
	return sde.Parse(name)
}

// Prior draws a batch from the prior at t = T.
func Prior(s SDE, shape tensor.Shape, src *rng.Source) *tensor.Tensor {
	return sde.Prior(s, shape, src)
}

// Tweedie returns E[x0 | x(t) = x] from the score at (x, t).
func Tweedie(s SDE, x, score *tensor.Tensor, t float64) *tensor.Tensor {
	return sde.Tweedie(s, x, score, t)
}
