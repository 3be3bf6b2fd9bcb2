// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rng provides the seedable, splittable random source of the
// diffusion sampler.
//
// Split derives independent children from a source's key alone, so a
// fixed seed reproduces every stream no matter how much each consumed.
package rng

import "github.com/born-ml/diffusion/internal/rng"

// Source is a deterministic random source. It is not safe for concurrent
// use; give each goroutine its own Split.
type Source = rng.Source

// New returns the root source for seed.
func New(seed uint64) *Source {
	return rng.New(seed)
}
