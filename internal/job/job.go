// Package job runs one repetition of a CMA-ES benchmark experiment: it
// binds an optimizer to a benchmark instance, steps it one generation per
// iteration, derives the reported metrics and checkpoints optimizer state.
package job

import (
	"context"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/logging"
	"github.com/copyleftdev/esbench/internal/optimization"
	"github.com/copyleftdev/esbench/internal/optimization/adapter"
	"github.com/copyleftdev/esbench/internal/optimization/benchmark"
)

const component = "job"

// DefaultCheckpointEvery is the save cadence used when none is configured.
const DefaultCheckpointEvery = 50

// Lifecycle is the state of a Job.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Ready
	Iterating
	Finalized
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Iterating:
		return "iterating"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Job is bound to exactly one repetition. It has a single owner and is not
// safe for concurrent use.
type Job struct {
	state Lifecycle
	rep   int

	problem optimization.Problem
	opt     optimization.Optimizer
	next    int

	store        CheckpointStore
	ownsStore    bool
	saveFailures int

	logger *logging.Logger
	zap    *zap.Logger
}

// Option configures a Job.
type Option func(*Job)

// WithStore sets the checkpoint store. The job does not close a store it
// was given. Without this option the job opens the configured backend in
// Initialize and closes it in Finalize.
func WithStore(store CheckpointStore) Option {
	return func(j *Job) { j.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(j *Job) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// New returns an uninitialized job.
func New(opts ...Option) *Job {
	j := &Job{logger: logging.Nop()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// State returns the lifecycle state.
func (j *Job) State() Lifecycle { return j.state }

// Rep returns the bound repetition, or -1 before Initialize.
func (j *Job) Rep() int {
	if j.state == Uninitialized {
		return -1
	}
	return j.rep
}

// Problem returns the bound benchmark instance.
func (j *Job) Problem() optimization.Problem { return j.problem }

// Optimizer returns the bound optimizer.
func (j *Job) Optimizer() optimization.Optimizer { return j.opt }

// NextIteration returns the index the next Iterate call must use.
func (j *Job) NextIteration() int { return j.next }

// Initialize builds the benchmark instance for rep and an optimizer
// centered at x_init·N(0, I).
func (j *Job) Initialize(ctx context.Context, cfg *config.Config, rep int) error {
	const op = "Job.Initialize"

	if j.state != Uninitialized {
		return j.stateError(op, "already initialized")
	}
	if cfg == nil {
		return errors.New(errors.KindConfiguration, "config is nil").WithOperation(op).WithComponent(component)
	}
	if cfg.OptimParams.XInit == nil {
		return errors.New(errors.KindConfiguration, "optim_params.x_init is required").WithOperation(op).WithComponent(component)
	}
	if cfg.OptimParams.NSamples < 2 {
		return errors.Errorf(errors.KindConfiguration, "optim_params.n_samples must be at least 2, got %d", cfg.OptimParams.NSamples).
			WithOperation(op).WithComponent(component)
	}
	if !(cfg.OptimParams.InitSigma > 0) || math.IsInf(cfg.OptimParams.InitSigma, 1) {
		return errors.Errorf(errors.KindConfiguration, "optim_params.init_sigma must be positive and finite, got %g", cfg.OptimParams.InitSigma).
			WithOperation(op).WithComponent(component)
	}

	logger := j.logger.WithFields(map[string]interface{}{"rep": rep, "component": component})
	zl := logging.NewZapLogger(logger)

	problem, err := benchmark.New(cfg.Problem.FunctionID, cfg.Problem.Dim, rep, benchmark.WithLogger(zl))
	if err != nil {
		return errors.Wrap(err, errors.KindUnknown, op)
	}

	// The start point and the optimizer's sampling stream are both derived
	// from (seed, rep), so a repetition is reproducible on its own.
	src := rand.NewPCG(cfg.Seed, uint64(rep))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	xInit := make([]float64, cfg.Problem.Dim)
	for i := range xInit {
		xInit[i] = *cfg.OptimParams.XInit * normal.Rand()
	}

	opt := adapter.New(adapter.WithSeed(src.Uint64()), adapter.WithLogger(zl))
	if err := opt.Initialize(xInit, cfg.OptimParams.InitSigma, cfg.OptimParams.NSamples, cfg.OptimParams.Overrides); err != nil {
		return errors.Wrap(err, errors.KindUnknown, op)
	}

	if j.store == nil {
		store, err := OpenStore(cfg, j.logger)
		if err != nil {
			return errors.Wrap(err, errors.KindUnknown, op)
		}
		j.store = store
		j.ownsStore = true
	}

	j.rep = rep
	j.problem = problem
	j.opt = opt
	j.next = 0
	j.logger = logger
	j.zap = zl
	j.state = Ready

	logger.Info("Job initialized", map[string]interface{}{
		"function":   problem.Name(),
		"f_id":       problem.FunctionID(),
		"dim":        problem.Dim(),
		"popsize":    opt.PopulationSize(),
		"init_sigma": cfg.OptimParams.InitSigma,
		"fopt":       problem.Optimum(),
	})
	return nil
}

// Iterate runs one ask/evaluate/tell cycle and reports it. n must be the
// next iteration index: 0 after Initialize, or the value RestoreState
// returned after a resume.
func (j *Job) Iterate(ctx context.Context, cfg *config.Config, rep, n int) (IterationRecord, error) {
	const op = "Job.Iterate"

	if err := j.checkBound(op, rep); err != nil {
		return IterationRecord{}, err
	}
	if n != j.next {
		return IterationRecord{}, errors.Errorf(errors.KindState, "iteration %d out of order, expected %d", n, j.next).
			WithOperation(op).WithComponent(component)
	}
	j.state = Iterating

	points, err := j.opt.Ask()
	if err != nil {
		return IterationRecord{}, errors.Wrap(err, errors.KindUnknown, op)
	}
	fitness, err := j.problem.Evaluate(points)
	if err != nil {
		return IterationRecord{}, errors.Wrap(err, errors.KindUnknown, op)
	}
	if err := j.opt.Tell(points, fitness); err != nil {
		return IterationRecord{}, errors.Wrapf(err, errors.KindUnknown, "%s: iteration %d", op, n)
	}

	fopt := j.problem.Optimum()
	atMean, err := j.problem.EvaluateOne(j.opt.Mean())
	if err != nil {
		return IterationRecord{}, errors.Wrap(err, errors.KindUnknown, op)
	}
	if math.IsNaN(atMean) || math.IsInf(atMean, 0) {
		return IterationRecord{}, errors.Errorf(errors.KindNumerical, "non-finite fitness %v at the mean in iteration %d", atMean, n).
			WithOperation(op).WithComponent(component)
	}
	entropy, err := j.opt.Entropy()
	if err != nil {
		return IterationRecord{}, errors.Wrapf(err, errors.KindUnknown, "%s: iteration %d", op, n)
	}

	record := IterationRecord{
		Rep:          rep,
		Iteration:    n,
		FunctionID:   j.problem.FunctionID(),
		CurrentOpt:   atMean - fopt,
		MeanOpt:      mean(fitness) - fopt,
		MedianOpt:    median(fitness) - fopt,
		Entropy:      entropy,
		TotalSamples: (n + 1) * cfg.OptimParams.NSamples,
		Sigma:        j.opt.Sigma(),
	}
	j.next = n + 1

	j.logger.Debug("Iteration complete", map[string]interface{}{
		"iteration":   n,
		"current_opt": record.CurrentOpt,
		"mean_opt":    record.MeanOpt,
		"sigma":       record.Sigma,
		"entropy":     record.Entropy,
	})
	return record, nil
}

// SaveState writes the optimizer checkpoint when n is a multiple of the
// configured cadence and does nothing otherwise. A failed write is logged
// and swallowed until max_failures consecutive writes have failed.
func (j *Job) SaveState(ctx context.Context, cfg *config.Config, rep, n int) error {
	const op = "Job.SaveState"

	if err := j.checkBound(op, rep); err != nil {
		return err
	}
	every := cfg.Checkpoint.Every
	if every <= 0 {
		every = DefaultCheckpointEvery
	}
	if n%every != 0 {
		return nil
	}

	blob, err := j.opt.MarshalBinary()
	if err == nil {
		err = j.store.Save(ctx, rep, blob)
	}
	if err != nil {
		j.saveFailures++
		j.logger.WithError(err).Warn("Checkpoint failed", map[string]interface{}{
			"iteration": n,
			"failures":  j.saveFailures,
		})
		if j.saveFailures >= cfg.Checkpoint.MaxFailures {
			return errors.Wrapf(err, errors.KindCheckpointIO, "%d consecutive checkpoint failures", j.saveFailures)
		}
		return nil
	}

	j.saveFailures = 0
	j.logger.Debug("Checkpoint saved", map[string]interface{}{
		"iteration": n,
		"bytes":     len(blob),
	})
	return nil
}

// RestoreState resumes from the repetition's checkpoint when
// checkpoint.resume is set, and returns the next iteration index. The
// restored optimizer is bound to the benchmark instance built by
// Initialize. Without resume, or without a checkpoint, it returns 0 and
// leaves the fresh optimizer in place.
func (j *Job) RestoreState(ctx context.Context, cfg *config.Config, rep int) (int, error) {
	const op = "Job.RestoreState"

	if err := j.checkBound(op, rep); err != nil {
		return 0, err
	}
	if j.state != Ready {
		return 0, j.stateError(op, "restore must precede the first iteration")
	}
	if !cfg.Checkpoint.Resume {
		return 0, nil
	}

	blob, err := j.store.Load(ctx, rep)
	if errors.Is(err, ErrCheckpointNotFound) {
		j.logger.Info("No checkpoint found, starting fresh")
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.KindCheckpointIO, op)
	}

	restored := adapter.New(adapter.WithLogger(j.zap))
	if err := restored.UnmarshalBinary(blob); err != nil {
		return 0, errors.Wrap(err, errors.KindCheckpointIO, op)
	}
	if restored.Dim() != j.problem.Dim() {
		return 0, errors.Errorf(errors.KindCheckpointIO, "checkpoint dimension %d does not match problem dimension %d",
			restored.Dim(), j.problem.Dim()).WithOperation(op).WithComponent(component)
	}
	if restored.PopulationSize() != cfg.OptimParams.NSamples {
		return 0, errors.Errorf(errors.KindCheckpointIO, "checkpoint population %d does not match n_samples %d",
			restored.PopulationSize(), cfg.OptimParams.NSamples).WithOperation(op).WithComponent(component)
	}

	j.opt = restored
	j.next = restored.Generation()
	j.logger.Info("Resumed from checkpoint", map[string]interface{}{
		"iteration": j.next,
		"sigma":     restored.Sigma(),
	})
	return j.next, nil
}

// Finalize ends the job. It is idempotent; later Iterate and SaveState
// calls fail with a state error.
func (j *Job) Finalize() error {
	if j.state == Finalized {
		return nil
	}
	j.state = Finalized

	if j.ownsStore && j.store != nil {
		if err := j.store.Close(); err != nil {
			return errors.Wrap(err, errors.KindCheckpointIO, "Job.Finalize")
		}
	}
	j.logger.Debug("Job finalized", map[string]interface{}{"iterations": j.next})
	return nil
}

func (j *Job) checkBound(op string, rep int) error {
	switch j.state {
	case Uninitialized:
		return j.stateError(op, "job is not initialized")
	case Finalized:
		return j.stateError(op, "job is finalized")
	}
	if rep != j.rep {
		return errors.Errorf(errors.KindState, "job is bound to rep %d, got %d", j.rep, rep).
			WithOperation(op).WithComponent(component)
	}
	return nil
}

func (j *Job) stateError(op, msg string) error {
	return errors.New(errors.KindState, msg).WithOperation(op).WithComponent(component)
}
