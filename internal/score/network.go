package score

import (
	"fmt"
	"math"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Network is the external trained denoising model. It receives the noisy
// batch and a time label and returns a tensor of the same shape. The engine
// never trains or mutates it.
type Network interface {
	Forward(x *tensor.Tensor, label float64) (*tensor.Tensor, error)
}

// NetworkFunc adapts a plain function to Network.
type NetworkFunc func(x *tensor.Tensor, label float64) (*tensor.Tensor, error)

// Forward implements Network.
func (f NetworkFunc) Forward(x *tensor.Tensor, label float64) (*tensor.Tensor, error) {
	return f(x, label)
}

// Parameterization is what the raw network output estimates.
type Parameterization int

// Output parameterizations.
const (
	ScoreOutput   Parameterization = iota // Output is the score itself.
	EpsilonOutput                         // Output is the injected noise; score = −ε/std.
)

// Options configure how raw network output becomes a score.
type Options struct {
	// Continuous selects continuous time labels instead of discrete level indices.
	Continuous bool

	// ScoreScaling divides the raw output by the marginal std at t.
	ScoreScaling bool

	// Output is the network parameterization.
	Output Parameterization
}

// NetworkProvider turns a Network into a Provider.
type NetworkProvider struct {
	net  Network
	sde  sde.SDE
	opts Options
}

// FromNetwork builds a Provider around net.
func FromNetwork(net Network, s sde.SDE, opts Options) *NetworkProvider {
	return &NetworkProvider{net: net, sde: s, opts: opts}
}

// Label converts a time to the conditioning label the network was trained with.
//
//   - VP family, continuous: 999·t
//   - VP family, discrete:   round(t·(N−1))
//   - VE, continuous:        σ(t)
//   - VE, discrete:          round((T−t)·(N−1))
func (p *NetworkProvider) Label(t float64) float64 {
	n := float64(p.sde.NumScales() - 1)
	if p.sde.Kind() == sde.VE {
		if p.opts.Continuous {
			_, std := p.sde.Marginal(t)
			return std
		}
		return math.Round((p.sde.T() - t) * n)
	}
	if p.opts.Continuous {
		return 999 * t
	}
	return math.Round(t * n)
}

// Score implements Provider.
func (p *NetworkProvider) Score(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	out, err := p.net.Forward(x, p.Label(t))
	if err != nil {
		return nil, fmt.Errorf("score network at t=%g: %w", t, err)
	}
	if !out.Shape().Equal(x.Shape()) {
		return nil, errs.Shape("score network output", x.Shape(), out.Shape())
	}
	out = out.Clone()
	if p.opts.Output == EpsilonOutput {
		out.Scale(-1)
	}
	if p.opts.ScoreScaling {
		_, std := p.sde.Marginal(t)
		out.Scale(1 / std)
	}
	return out, nil
}
