// Package rng provides the seedable, splittable random source used by the
// sampling engine.
//
// A Source is identified by a (seed, stream) key. Split derives child keys
// from the key alone, never from consumed state, so the noise stream of a
// run depends only on the root seed and the split path that produced it.
package rng

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Source is a deterministic random source. It is not safe for concurrent
// use; give each goroutine its own Split.
type Source struct {
	seed   uint64
	stream uint64
	rnd    *rand.Rand
	normal distuv.Normal
}

// New returns the root source for seed.
func New(seed uint64) *Source {
	return newSource(seed, 0)
}

func newSource(seed, stream uint64) *Source {
	rnd := rand.New(rand.NewPCG(seed, stream)) //nolint:gosec // Deterministic seed for reproducibility
	return &Source{
		seed:   seed,
		stream: stream,
		rnd:    rnd,
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rnd},
	}
}

// Split returns the i-th child of s. Children with different indices
// produce independent streams; the same index always yields the same child.
func (s *Source) Split(i uint64) *Source {
	return newSource(splitmix(s.seed^splitmix(s.stream+0x9e3779b97f4a7c15)), splitmix(i+1))
}

// Uint64 implements rand.Source.
func (s *Source) Uint64() uint64 { return s.rnd.Uint64() }

// Normal draws from N(0, 1).
func (s *Source) Normal() float64 { return s.normal.Rand() }

// Float64 draws from U[0, 1).
func (s *Source) Float64() float64 { return s.rnd.Float64() }

// FillNormal fills dst with N(0, 1) draws.
func (s *Source) FillNormal(dst []float64) {
	for i := range dst {
		dst[i] = s.normal.Rand()
	}
}

// Perm returns a pseudo-random permutation of [0, n).
func (s *Source) Perm(n int) []int { return s.rnd.Perm(n) }

// splitmix is the SplitMix64 finalizer.
func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
