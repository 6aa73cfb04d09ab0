// Package runner executes every repetition of an experiment, a bounded
// number at a time, and forwards their records to the metrics sink.
package runner

import (
	"context"
	stderrors "errors"

	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/job"
	"github.com/copyleftdev/esbench/internal/logging"
	"github.com/copyleftdev/esbench/internal/metrics"
)

// Tracker observes repetition progress. Calls for different repetitions
// may arrive concurrently.
type Tracker interface {
	// Started is called before a repetition initializes. cancel stops that
	// repetition alone.
	Started(rep, iterations int, cancel context.CancelFunc)
	// Progress is called after every completed iteration.
	Progress(rep int, rec job.IterationRecord)
	// Finished is called once per started repetition.
	Finished(rep int, err error)
}

type nopTracker struct{}

func (nopTracker) Started(int, int, context.CancelFunc) {}
func (nopTracker) Progress(int, job.IterationRecord)    {}
func (nopTracker) Finished(int, error)                  {}

// Runner owns one experiment run.
type Runner struct {
	cfg     *config.Config
	sink    metrics.Sink
	store   job.CheckpointStore
	tracker Tracker
	logger  *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracker sets the progress observer.
func WithTracker(t Tracker) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracker = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStore shares store between all repetitions instead of opening the
// configured backend.
func WithStore(store job.CheckpointStore) Option {
	return func(r *Runner) { r.store = store }
}

// New returns a runner for cfg that reports to sink.
func New(cfg *config.Config, sink metrics.Sink, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		sink:    sink,
		tracker: nopTracker{},
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes repetitions 0..repetitions-1, at most parallel at a time.
// The first failed repetition cancels the others and its error is
// returned. A repetition cancelled on its own stops early without failing
// the run.
func (r *Runner) Run(ctx context.Context) error {
	store := r.store
	if store == nil {
		s, err := job.OpenStore(r.cfg, r.logger)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	if err := r.sink.Open(ctx, metrics.RunInfo{
		Experiment:  r.cfg.Name,
		Repetitions: r.cfg.Repetitions,
		Iterations:  r.cfg.Iterations,
		FunctionID:  r.cfg.Problem.FunctionID,
		Dim:         r.cfg.Problem.Dim,
	}); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "open metrics sink")
	}

	r.logger.Info("Experiment started", map[string]interface{}{
		"experiment":  r.cfg.Name,
		"repetitions": r.cfg.Repetitions,
		"iterations":  r.cfg.Iterations,
		"parallel":    r.cfg.Parallel,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.cfg.Parallel))
	for rep := 0; rep < r.cfg.Repetitions; rep++ {
		g.Go(func() error {
			return r.runRep(gctx, store, rep)
		})
	}
	runErr := g.Wait()

	if err := r.sink.Close(); err != nil {
		runErr = errors.Join(runErr, errors.Wrap(err, errors.KindUnknown, "close metrics sink"))
	}
	if runErr != nil {
		r.logger.WithError(runErr).Error("Experiment failed")
		return runErr
	}
	r.logger.Info("Experiment finished", map[string]interface{}{"experiment": r.cfg.Name})
	return nil
}

func (r *Runner) runRep(ctx context.Context, store job.CheckpointStore, rep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := r.logger.WithField("rep", rep)
	r.tracker.Started(rep, r.cfg.Iterations, cancel)

	j := job.New(job.WithStore(store), job.WithLogger(r.logger))
	err := r.execute(repCtx, j, rep)
	if ferr := j.Finalize(); ferr != nil {
		err = errors.Join(err, ferr)
	}
	r.tracker.Finished(rep, err)

	switch {
	case err == nil:
		logger.Info("Repetition finished")
		return nil
	case stderrors.Is(err, context.Canceled) && ctx.Err() == nil:
		logger.Warn("Repetition cancelled", map[string]interface{}{"iteration": j.NextIteration()})
		return nil
	default:
		logger.WithError(err).Error("Repetition failed", map[string]interface{}{"kind": errors.KindOf(err).String()})
		return err
	}
}

func (r *Runner) execute(ctx context.Context, j *job.Job, rep int) error {
	if err := j.Initialize(ctx, r.cfg, rep); err != nil {
		return err
	}
	start, err := j.RestoreState(ctx, r.cfg, rep)
	if err != nil {
		return err
	}

	for n := start; n < r.cfg.Iterations; n++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, errors.KindUnknown, "rep %d stopped before iteration %d", rep, n)
		}

		rec, err := j.Iterate(ctx, r.cfg, rep, n)
		if err != nil {
			return err
		}
		if err := j.SaveState(ctx, r.cfg, rep, n); err != nil {
			return err
		}
		if err := r.sink.Log(ctx, metrics.Record{Rep: rep, Iteration: n, Fields: rec.Fields()}); err != nil {
			return errors.Wrapf(err, errors.KindUnknown, "log iteration %d", n)
		}
		r.tracker.Progress(rep, rec)
	}
	return nil
}
