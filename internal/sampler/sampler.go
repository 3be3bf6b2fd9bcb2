// Package sampler runs reverse-time diffusion sampling.
//
// A run moves a batch from the prior at t = T down to the final time:
//
//	INIT → {PREDICT → GUIDE → CORRECT×n}×N → [DENOISE] → DONE
//
// The predictor and corrector see the guided score, the guide's
// post-predictor correction runs at the new time, and an optional Tweedie
// step removes the residual noise at the end.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/guidance"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/score"
	"github.com/born-ml/diffusion/internal/sde"
	"github.com/born-ml/diffusion/internal/smc"
	"github.com/born-ml/diffusion/internal/solver"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Child streams of a run's root source.
const (
	streamInit uint64 = iota
	streamSolver
	streamGuidance
)

// Progress reports the completion of one outer step.
type Progress struct {
	RunID uuid.UUID
	Step  int // 1-based
	Total int
	Time  float64
}

// Option configures a Sampler.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	progress    func(Progress)
	op          operator.Operator
	y           *tensor.Tensor
	concurrency int
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProgress registers a callback invoked after every outer step. It is
// called from the goroutine running the sample.
func WithProgress(fn func(Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// WithMeasurement sets the measurement operator and the observed y,
// shaped [1, M] or [B, M].
func WithMeasurement(op operator.Operator, y *tensor.Tensor) Option {
	return func(o *options) {
		o.op = op
		o.y = y
	}
}

// WithConcurrency bounds the number of runs RunMany executes at once.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	seed    uint64
	initial *tensor.Tensor
}

// WithSeed overrides the configured seed.
func WithSeed(seed uint64) RunOption {
	return func(o *runOptions) { o.seed = seed }
}

// WithInitialState starts the run from x instead of a prior draw. x must
// have the configured shape and is not modified.
func WithInitialState(x *tensor.Tensor) RunOption {
	return func(o *runOptions) { o.initial = x }
}

// Stats counts the work done by a run.
type Stats struct {
	PredictorCalls int
	CorrectorCalls int
	GuidanceCalls  int64
	ScoreEvals     int64
	JVPs           int64
}

// Result is the outcome of a run.
type Result struct {
	RunID uuid.UUID
	Seed  uint64

	// Sample is the terminal state.
	Sample *tensor.Tensor

	// Trajectory holds the state after every outer step when StackSamples
	// is set.
	Trajectory []*tensor.Tensor

	// Times is the outer time grid, N+1 points from T to the final time.
	Times []float64

	Stats Stats

	// Diverged lists rows frozen after producing non-finite values.
	Diverged []int

	// Particles is the weighted population of an SMC run.
	Particles *smc.Result

	// Best is the lowest-objective particle of an Optimize run, with its
	// objective value.
	Best      []float64
	BestValue float64

	Duration time.Duration
}

// Sampler holds the resolved components of a sampling configuration. It is
// immutable and safe for concurrent runs.
type Sampler struct {
	cfg       Config
	provider  score.Provider
	predictor solver.Predictor
	corrector solver.Corrector
	guide     guidance.Guide
	times     []float64
	opts      options
}

// New validates cfg and resolves its named components. All configuration
// errors surface here, before any sampling state exists.
func New(cfg Config, p score.Provider, opts ...Option) (*Sampler, error) {
	if p == nil {
		return nil, errs.Config("model.score", "", "no score provider")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := options{
		logger:      slog.New(slog.DiscardHandler),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		return nil, errs.Configf("sampling.concurrency", "must be > 0, got %d", o.concurrency)
	}

	pred, err := solver.ParsePredictor(cfg.Predictor, solver.PredictorOptions{Eta: cfg.Eta})
	if err != nil {
		return nil, err
	}
	corr, err := solver.ParseCorrector(cfg.Corrector, solver.CorrectorOptions{SNR: cfg.SNR})
	if err != nil {
		return nil, err
	}
	guide, err := guidance.New(cfg.Guidance, cfg.GuidanceParams)
	if err != nil {
		return nil, err
	}
	horizon := cfg.SDE.T()
	if cfg.Epsilon <= 0 || cfg.Epsilon >= horizon {
		return nil, errs.Configf("solver.epsilon", "must be in (0, %g), got %g", horizon, cfg.Epsilon)
	}
	times, err := solver.Times(cfg.Schedule, horizon, cfg.Epsilon, cfg.NumSteps, cfg.SDE.NumScales())
	if err != nil {
		return nil, err
	}

	s := &Sampler{
		cfg:       cfg,
		provider:  p,
		predictor: pred,
		corrector: corr,
		guide:     guide,
		times:     times,
		opts:      o,
	}
	if err := s.checkMeasurement(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sampler) checkMeasurement() error {
	cfg, op := s.cfg, s.opts.op
	needOp := cfg.Guidance.RequiresOperator() || cfg.Method == SMC
	if op == nil {
		if needOp {
			return errs.Config("sampling.task", "", fmt.Sprintf("%s sampling needs a measurement operator", s.conditioning()))
		}
		return nil
	}
	_, linear := op.(operator.Linear)
	if (cfg.Guidance.RequiresLinear() || cfg.Method == SMC) && !linear {
		return errs.Config("sampling.task", "", fmt.Sprintf("%s sampling needs a linear measurement operator", s.conditioning()))
	}
	if cfg.Method == SMC && cfg.Guidance != guidance.None {
		return errs.Config("sampling.cs_method", cfg.Guidance.String(), "smc conditions on the measurement itself; use none")
	}
	if cfg.Shape.RowSize() != op.InputDim() {
		return errs.Shape("sampler.measurement", []int{op.InputDim()}, []int{cfg.Shape.RowSize()})
	}
	if s.opts.y == nil {
		return errs.Config("sampling.task", "", "measurement operator given without y")
	}
	batch := cfg.Shape.Batch()
	if cfg.Method == SMC {
		batch = 1
	}
	_, err := operator.Broadcast(op, s.opts.y, batch)
	return err
}

func (s *Sampler) conditioning() string {
	if s.cfg.Method == SMC {
		return "smc"
	}
	return s.cfg.Guidance.String()
}

// Config returns the configuration the sampler was built from.
func (s *Sampler) Config() Config { return s.cfg }

// Times returns the outer time grid.
func (s *Sampler) Times() []float64 { return append([]float64(nil), s.times...) }

// Run draws one batch of samples.
func (s *Sampler) Run(ctx context.Context, opts ...RunOption) (*Result, error) {
	ro := runOptions{seed: s.cfg.Seed}
	for _, opt := range opts {
		opt(&ro)
	}
	res := &Result{RunID: uuid.New(), Seed: ro.seed, Times: s.Times()}
	logger := s.opts.logger.With("run", res.RunID.String(), "seed", ro.seed)
	start := time.Now()

	root := rng.New(ro.seed)
	var err error
	if s.cfg.Method == SMC {
		if ro.initial != nil {
			return nil, errs.Config("sampling.method", "smc", "particle filter starts from the prior; initial state not supported")
		}
		err = s.runSMC(ctx, res, root)
	} else {
		err = s.runPC(ctx, res, ro.initial, root, logger)
	}
	if err != nil {
		logger.Error("sampling failed", "error", err)
		return nil, err
	}
	res.Duration = time.Since(start)
	logger.Info("sampling finished",
		"method", s.cfg.Method.String(),
		"steps", len(s.times)-1,
		"score_evals", res.Stats.ScoreEvals,
		"diverged", len(res.Diverged),
		"duration", res.Duration)
	return res, nil
}

func (s *Sampler) runPC(ctx context.Context, res *Result, initial *tensor.Tensor, root *rng.Source, logger *slog.Logger) error {
	cfg := s.cfg
	x, err := s.initialState(initial, root.Split(streamInit))
	if err != nil {
		return err
	}

	counting := score.NewCounting(s.provider)
	env := &guidance.Env{
		SDE:     cfg.SDE,
		Score:   counting,
		Op:      s.opts.op,
		Noise:   root.Split(streamGuidance),
		MinStd:  cfg.GuidanceMinStd,
		Isolate: cfg.IsolateFailures,
	}
	if s.opts.op != nil {
		y, err := operator.Broadcast(s.opts.op, s.opts.y, cfg.Shape.Batch())
		if err != nil {
			return err
		}
		env.Y = y
	}
	guided := guidance.Wrap(s.guide, env)

	st := newRunState(x, cfg.IsolateFailures)
	if err := st.settle(x, nil, errs.StageInit, 0, s.times[0]); err != nil {
		return err
	}
	step := &solver.Step{
		SDE:             cfg.SDE,
		Score:           guided,
		Noise:           root.Split(streamSolver),
		ProbabilityFlow: cfg.Method == ODE,
		Live:            st.live,
	}

	n := len(s.times) - 1
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, tn := s.times[i], s.times[i+1]
		step.T, step.TNext, step.Index = t, tn, i

		prev := st.snapshot(x)
		x, err = s.predictor.Predict(step, x)
		res.Stats.PredictorCalls++
		if err != nil {
			return atStep(err, i, errs.StagePredictor)
		}
		if err := st.settle(x, prev, errs.StagePredictor, i, tn); err != nil {
			return err
		}

		prev = st.snapshot(x)
		if err := guided.Correct(x, tn); err != nil {
			return atStep(err, i, errs.StageGuidance)
		}
		if err := st.settle(x, prev, errs.StageGuidance, i, tn); err != nil {
			return err
		}

		step.T = tn
		for range cfg.NumInnerSteps {
			prev = st.snapshot(x)
			x, err = s.corrector.Correct(step, x)
			res.Stats.CorrectorCalls++
			if err != nil {
				return atStep(err, i, errs.StageCorrector)
			}
			if err := st.settle(x, prev, errs.StageCorrector, i, tn); err != nil {
				return err
			}
		}

		if cfg.StackSamples {
			res.Trajectory = append(res.Trajectory, x.Clone())
		}
		if s.opts.progress != nil {
			s.opts.progress(Progress{RunID: res.RunID, Step: i + 1, Total: n, Time: tn})
		}
		logger.Debug("outer step", "step", i+1, "t", tn, "live", st.numLive())
	}

	if cfg.Denoise {
		tEnd := s.times[n]
		prev := st.snapshot(x)
		x0, _, err := score.Tweedie(counting, cfg.SDE, x, tEnd)
		if err != nil {
			return atStep(err, n, errs.StageDenoise)
		}
		if err := st.settle(x0, prev, errs.StageDenoise, n, tEnd); err != nil {
			return err
		}
		x = x0
	}

	res.Sample = x
	res.Diverged = st.diverged
	res.Stats.GuidanceCalls = guided.Calls()
	res.Stats.ScoreEvals = counting.Evals()
	res.Stats.JVPs = counting.JVPs()
	return nil
}

func (s *Sampler) initialState(x *tensor.Tensor, src *rng.Source) (*tensor.Tensor, error) {
	if x == nil {
		return sde.Prior(s.cfg.SDE, s.cfg.Shape, src), nil
	}
	if !x.Shape().Equal(s.cfg.Shape) {
		return nil, errs.Shape("sampler.initial_state", s.cfg.Shape, x.Shape())
	}
	return x.Clone(), nil
}

func (s *Sampler) runSMC(ctx context.Context, res *Result, root *rng.Source) error {
	cfg := s.cfg
	counting := score.NewCounting(s.provider)
	prob := smc.Problem{
		Op:       s.opts.op.(operator.Linear),
		Y:        s.opts.y,
		NoiseStd: cfg.GuidanceParams.NoiseStd,
	}
	smcCfg := smc.Config{
		Particles:    cfg.Shape.Batch(),
		ESSThreshold: cfg.ESSThreshold,
		Times:        s.times,
		Eta:          cfg.Eta,
	}
	out, err := smc.FPS(ctx, cfg.SDE, counting, prob, smcCfg, root.Split(streamSolver))
	if err != nil {
		return err
	}
	sample, err := out.Particles.Reshape(cfg.Shape)
	if err != nil {
		return err
	}
	res.Sample = sample
	res.Particles = out
	res.Stats.PredictorCalls = len(s.times) - 1
	res.Stats.ScoreEvals = counting.Evals()
	return nil
}

// atStep fills in the step of an instability raised below the loop and
// annotates other errors with their position.
func atStep(err error, step int, stage errs.Stage) error {
	var ie *errs.InstabilityError
	if errors.As(err, &ie) {
		if ie.Step < 0 {
			ie.Step = step
		}
		return err
	}
	if errors.Is(err, errs.ErrConfig) || errors.Is(err, errs.ErrShape) {
		return err
	}
	return fmt.Errorf("step %d %s: %w", step, stage, err)
}

// runState tracks row liveness when failures are isolated.
type runState struct {
	isolate  bool
	live     []bool
	frozen   *tensor.Tensor
	diverged []int
}

func newRunState(x *tensor.Tensor, isolate bool) *runState {
	st := &runState{isolate: isolate}
	if isolate {
		st.live = make([]bool, x.Batch())
		for i := range st.live {
			st.live[i] = true
		}
		st.frozen = x.ZerosLike()
	}
	return st
}

// snapshot returns the pre-stage state needed to freeze rows, or nil when
// failures are not isolated.
func (st *runState) snapshot(x *tensor.Tensor) *tensor.Tensor {
	if !st.isolate {
		return nil
	}
	return x.Clone()
}

func (st *runState) numLive() int {
	if !st.isolate {
		return -1
	}
	n := 0
	for _, ok := range st.live {
		if ok {
			n++
		}
	}
	return n
}

// settle restores frozen rows of x and checks the rest for non-finite
// values. Newly diverged rows are frozen at their value in prev; the run
// fails when no row is left.
func (st *runState) settle(x, prev *tensor.Tensor, stage errs.Stage, step int, t float64) error {
	for b, ok := range st.live {
		if !ok {
			copy(x.Row(b), st.frozen.Row(b))
		}
	}
	rows := x.NonFiniteRows()
	if len(rows) == 0 {
		return nil
	}
	if !st.isolate || prev == nil {
		return &errs.InstabilityError{Step: step, Time: t, Stage: stage, Row: rows[0]}
	}
	for _, b := range rows {
		st.live[b] = false
		st.diverged = append(st.diverged, b)
		copy(st.frozen.Row(b), prev.Row(b))
		copy(x.Row(b), prev.Row(b))
	}
	if st.numLive() == 0 {
		return &errs.InstabilityError{Step: step, Time: t, Stage: stage, Row: rows[0]}
	}
	return nil
}
