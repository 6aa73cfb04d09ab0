// Package benchmark provides seeded instances of noiseless synthetic test
// functions with known optima, numbered after the BBOB suite.
package benchmark

import (
	"go.uber.org/zap"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/optimization"
)

// Problem is one instance of a benchmark function. It is immutable after
// construction and safe for concurrent evaluation.
type Problem struct {
	id   int
	name string
	dim  int
	rep  int
	fopt float64
	xopt []float64
	f    Function
}

var _ optimization.Problem = (*Problem)(nil)

// Option configures a Problem.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used while constructing the instance.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds instance rep of function id in dim dimensions.
func New(id, dim, rep int, opts ...Option) (*Problem, error) {
	const op = "benchmark.New"

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	def, ok := registry[id]
	if !ok {
		return nil, errors.Errorf(errors.KindConfiguration, "unknown benchmark function id %d (known: %v)", id, IDs()).
			WithOperation(op)
	}
	if dim <= 0 {
		return nil, errors.Errorf(errors.KindConfiguration, "dimension must be positive, got %d", dim).
			WithOperation(op)
	}
	if rep < 0 {
		return nil, errors.Errorf(errors.KindConfiguration, "instance must be non-negative, got %d", rep).
			WithOperation(op)
	}

	in := newInstance(id, dim, rep)
	f := def.build(in)

	o.logger.Named("benchmark").Debug("Built benchmark instance",
		zap.Int("function_id", id),
		zap.String("function", def.name),
		zap.Int("dim", dim),
		zap.Int("instance", rep),
		zap.Float64("fopt", in.fopt),
	)

	return &Problem{
		id:   id,
		name: def.name,
		dim:  dim,
		rep:  rep,
		fopt: in.fopt,
		xopt: in.xopt,
		f:    f,
	}, nil
}

// Evaluate returns one objective value per candidate.
func (p *Problem) Evaluate(points [][]float64) ([]float64, error) {
	out := make([]float64, len(points))
	for i, x := range points {
		v, err := p.EvaluateOne(x)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindUnknown, "candidate %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// EvaluateOne returns the objective value at x.
func (p *Problem) EvaluateOne(x []float64) (float64, error) {
	if len(x) != p.dim {
		return 0, errors.Errorf(errors.KindNumerical, "candidate has %d coordinates, problem has %d", len(x), p.dim).
			WithOperation("Problem.EvaluateOne")
	}
	return p.f(x) + p.fopt, nil
}

// Optimum returns the known optimal value of this instance.
func (p *Problem) Optimum() float64 { return p.fopt }

// Argmin returns a copy of the location of the optimum.
func (p *Problem) Argmin() []float64 {
	return append([]float64(nil), p.xopt...)
}

// FunctionID returns the suite number of the function.
func (p *Problem) FunctionID() int { return p.id }

// Name returns the function's registered name.
func (p *Problem) Name() string { return p.name }

// Dim returns the dimensionality.
func (p *Problem) Dim() int { return p.dim }

// Instance returns the instance number the problem was seeded with.
func (p *Problem) Instance() int { return p.rep }
