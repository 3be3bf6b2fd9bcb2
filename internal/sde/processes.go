package sde

import (
	"math"

	"github.com/born-ml/diffusion/internal/errs"
)

// VPSDE is the variance-preserving process with a linear noise schedule
// β(t) = βmin + t(βmax − βmin).
type VPSDE struct {
	BetaMin, BetaMax float64
	N                int
}

// NewVP validates the parameters and returns a VPSDE.
func NewVP(betaMin, betaMax float64, numScales int) (*VPSDE, error) {
	if err := checkBetas(betaMin, betaMax, numScales); err != nil {
		return nil, err
	}
	return &VPSDE{BetaMin: betaMin, BetaMax: betaMax, N: numScales}, nil
}

// Kind implements SDE.
func (s *VPSDE) Kind() Kind { return VP }

// T implements SDE.
func (s *VPSDE) T() float64 { return 1 }

// NumScales implements SDE.
func (s *VPSDE) NumScales() int { return s.N }

func (s *VPSDE) beta(t float64) float64 { return s.BetaMin + t*(s.BetaMax-s.BetaMin) }

// logMean is log mean(t) = −¼t²(βmax−βmin) − ½tβmin.
func (s *VPSDE) logMean(t float64) float64 {
	return -0.25*t*t*(s.BetaMax-s.BetaMin) - 0.5*t*s.BetaMin
}

// Coefficients implements SDE.
func (s *VPSDE) Coefficients(t float64) (float64, float64) {
	b := s.beta(t)
	return -0.5 * b, math.Sqrt(b)
}

// Marginal implements SDE.
func (s *VPSDE) Marginal(t float64) (float64, float64) {
	lm := s.logMean(t)
	return math.Exp(lm), clampStd(math.Sqrt(-math.Expm1(2 * lm)))
}

// PriorStd implements SDE.
func (s *VPSDE) PriorStd() float64 {
	_, std := s.Marginal(s.T())
	return std
}

// Discretize implements SDE.
func (s *VPSDE) Discretize(t, tNext float64) (float64, float64) {
	return discretize(s, t, tNext)
}

// Alpha returns 1 − β_i of the discrete DDPM chain at the level nearest t.
func (s *VPSDE) Alpha(t float64) float64 {
	return 1 - discreteBeta(s.BetaMin, s.BetaMax, s.N, t)
}

// SubVPSDE is the sub-variance-preserving process: same drift as VPSDE but
// diffusion g² = β(t)(1 − e^{−2∫β}), giving std(t) = 1 − mean(t)².
type SubVPSDE struct {
	BetaMin, BetaMax float64
	N                int
}

// NewSubVP validates the parameters and returns a SubVPSDE.
func NewSubVP(betaMin, betaMax float64, numScales int) (*SubVPSDE, error) {
	if err := checkBetas(betaMin, betaMax, numScales); err != nil {
		return nil, err
	}
	return &SubVPSDE{BetaMin: betaMin, BetaMax: betaMax, N: numScales}, nil
}

// Kind implements SDE.
func (s *SubVPSDE) Kind() Kind { return SubVP }

// T implements SDE.
func (s *SubVPSDE) T() float64 { return 1 }

// NumScales implements SDE.
func (s *SubVPSDE) NumScales() int { return s.N }

func (s *SubVPSDE) logMean(t float64) float64 {
	return -0.25*t*t*(s.BetaMax-s.BetaMin) - 0.5*t*s.BetaMin
}

// Coefficients implements SDE.
func (s *SubVPSDE) Coefficients(t float64) (float64, float64) {
	b := s.BetaMin + t*(s.BetaMax-s.BetaMin)
	discount := -math.Expm1(4 * s.logMean(t))
	return -0.5 * b, math.Sqrt(b * discount)
}

// Marginal implements SDE.
func (s *SubVPSDE) Marginal(t float64) (float64, float64) {
	lm := s.logMean(t)
	return math.Exp(lm), clampStd(-math.Expm1(2 * lm))
}

// PriorStd implements SDE.
func (s *SubVPSDE) PriorStd() float64 {
	_, std := s.Marginal(s.T())
	return std
}

// Discretize implements SDE.
func (s *SubVPSDE) Discretize(t, tNext float64) (float64, float64) {
	return discretize(s, t, tNext)
}

// Alpha implements Alpha.
func (s *SubVPSDE) Alpha(t float64) float64 {
	return 1 - discreteBeta(s.BetaMin, s.BetaMax, s.N, t)
}

// VESDE is the variance-exploding process σ(t) = σmin(σmax/σmin)^t.
type VESDE struct {
	SigmaMin, SigmaMax float64
	N                  int
}

// NewVE validates the parameters and returns a VESDE.
func NewVE(sigmaMin, sigmaMax float64, numScales int) (*VESDE, error) {
	switch {
	case sigmaMin <= 0:
		return nil, errs.Configf("model.sigma_min", "must be > 0, got %g", sigmaMin)
	case sigmaMax <= sigmaMin:
		return nil, errs.Configf("model.sigma_max", "must exceed sigma_min (%g), got %g", sigmaMin, sigmaMax)
	case numScales <= 0:
		return nil, errs.Configf("model.num_scales", "must be > 0, got %d", numScales)
	}
	return &VESDE{SigmaMin: sigmaMin, SigmaMax: sigmaMax, N: numScales}, nil
}

// Kind implements SDE.
func (s *VESDE) Kind() Kind { return VE }

// T implements SDE.
func (s *VESDE) T() float64 { return 1 }

// NumScales implements SDE.
func (s *VESDE) NumScales() int { return s.N }

func (s *VESDE) sigma(t float64) float64 {
	return s.SigmaMin * math.Pow(s.SigmaMax/s.SigmaMin, t)
}

// Coefficients implements SDE.
func (s *VESDE) Coefficients(t float64) (float64, float64) {
	return 0, s.sigma(t) * math.Sqrt(2*math.Log(s.SigmaMax/s.SigmaMin))
}

// Marginal implements SDE.
func (s *VESDE) Marginal(t float64) (float64, float64) {
	return 1, clampStd(s.sigma(t))
}

// PriorStd implements SDE.
func (s *VESDE) PriorStd() float64 { return s.SigmaMax }

// Discretize implements SDE.
func (s *VESDE) Discretize(t, tNext float64) (float64, float64) {
	return discretize(s, t, tNext)
}

// discretize derives the exact Gaussian transition x(tNext) → x(t) from the
// marginals: ratio = mean(t)/mean(tNext), var = std(t)² − ratio²·std(tNext)².
func discretize(s SDE, t, tNext float64) (float64, float64) {
	m, std := s.Marginal(t)
	mn, stdn := s.Marginal(tNext)
	ratio := m / mn
	v := std*std - ratio*ratio*stdn*stdn
	if v < 0 {
		v = 0
	}
	return ratio - 1, math.Sqrt(v)
}

// discreteBeta is β_i of the DDPM chain with betas linspace(βmin/N, βmax/N, N)
// at index i = ⌊t(N−1)⌋.
func discreteBeta(betaMin, betaMax float64, n int, t float64) float64 {
	if n <= 1 {
		return betaMin / float64(max(n, 1))
	}
	i := int(t * float64(n-1))
	i = min(max(i, 0), n-1)
	lo, hi := betaMin/float64(n), betaMax/float64(n)
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

func checkBetas(betaMin, betaMax float64, numScales int) error {
	switch {
	case betaMin < 0:
		return errs.Configf("model.beta_min", "must be >= 0, got %g", betaMin)
	case betaMax <= betaMin:
		return errs.Configf("model.beta_max", "must exceed beta_min (%g), got %g", betaMin, betaMax)
	case numScales <= 0:
		return errs.Configf("model.num_scales", "must be > 0, got %d", numScales)
	}
	return nil
}
