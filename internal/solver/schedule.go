package solver

import (
	"math"

	"github.com/born-ml/diffusion/internal/errs"
)

// Schedule selects how the outer time grid is spaced.
type Schedule int

// Time schedules.
const (
	Uniform   Schedule = iota // Evenly spaced from T to eps.
	Discrete                  // Aligned to the training noise levels.
	Quadratic                 // Dense near eps.
)

var scheduleNames = map[Schedule]string{
	Uniform:   "uniform",
	Discrete:  "discrete",
	Quadratic: "quadratic",
}

// String implements fmt.Stringer.
func (s Schedule) String() string { return scheduleNames[s] }

// ParseSchedule maps a configuration name to a Schedule. The empty name
// selects Uniform.
func ParseSchedule(name string) (Schedule, error) {
	if name == "" {
		return Uniform, nil
	}
	for s, n := range scheduleNames {
		if n == name {
			return s, nil
		}
	}
	return 0, errs.Config("solver.schedule", name, "unknown schedule (want uniform, discrete or quadratic)")
}

// NumSteps resolves the outer step count from dt and numOuter. Either may
// be zero; when both are given they must agree.
func NumSteps(horizon, eps, dt float64, numOuter int) (int, error) {
	if eps <= 0 || eps >= horizon {
		return 0, errs.Configf("solver.epsilon", "must be in (0, %g), got %g", horizon, eps)
	}
	if dt < 0 {
		return 0, errs.Configf("solver.dt", "must be >= 0, got %g", dt)
	}
	if numOuter < 0 {
		return 0, errs.Configf("solver.num_outer_steps", "must be >= 0, got %d", numOuter)
	}
	if dt == 0 {
		if numOuter == 0 {
			return 0, errs.Config("solver.num_outer_steps", "0", "one of solver.dt or solver.num_outer_steps is required")
		}
		return numOuter, nil
	}
	n := int(math.Ceil((horizon-eps)/dt - 1e-9))
	if numOuter > 0 && numOuter != n {
		return 0, errs.Configf("solver.dt", "dt=%g gives %d steps but num_outer_steps=%d", dt, n, numOuter)
	}
	return n, nil
}

// Times returns the n+1 grid points from horizon down to the final time of
// the schedule. numScales is the training level count used by Discrete.
func Times(s Schedule, horizon, eps float64, n, numScales int) ([]float64, error) {
	if n <= 0 {
		return nil, errs.Configf("solver.num_outer_steps", "must be > 0, got %d", n)
	}
	ts := make([]float64, n+1)
	switch s {
	case Uniform:
		for i := range ts {
			ts[i] = horizon + float64(i)*(eps-horizon)/float64(n)
		}
		ts[n] = eps
	case Quadratic:
		for i := range ts {
			frac := float64(n-i) / float64(n)
			ts[i] = eps + (horizon-eps)*frac*frac
		}
	case Discrete:
		if n > numScales-1 {
			return nil, errs.Configf("solver.num_outer_steps", "discrete schedule allows at most %d steps, got %d", numScales-1, n)
		}
		m := float64(numScales)
		for i := range ts {
			k := math.Round(float64(n-i) * (m - 1) / float64(n))
			ts[i] = horizon * (k + 1) / m
		}
	default:
		return nil, errs.Configf("solver.schedule", "unknown schedule %d", int(s))
	}
	return ts, nil
}
