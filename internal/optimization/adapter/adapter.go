// Package adapter wraps the CMA-ES strategy behind the optimizer contract
// used by experiment jobs. It adds coefficient overrides, a closed-form
// entropy of the search distribution and a versioned checkpoint format.
package adapter

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/optimization"
	"github.com/copyleftdev/esbench/internal/optimization/cmaes"
)

const component = "adapter"

var _ optimization.Optimizer = (*Adapter)(nil)

// Overrides replace individual adaptation coefficients after construction.
// A nil field keeps the default. Values are not validated.
type Overrides struct {
	// Cc is the cumulation rate of the covariance evolution path.
	Cc *float64 `yaml:"c_c" json:"c_c,omitempty" env:"C_C"`
	// C1 is the rank-one update rate.
	C1 *float64 `yaml:"c_1" json:"c_1,omitempty" env:"C_1"`
	// Cmu is the rank-mu update rate.
	Cmu *float64 `yaml:"c_mu" json:"c_mu,omitempty" env:"C_MU"`
	// DSigma is the step-size damping.
	DSigma *float64 `yaml:"d_sigma" json:"d_sigma,omitempty" env:"D_SIGMA"`
	// CSigma is the step-size cumulation rate.
	CSigma *float64 `yaml:"c_sigma" json:"c_sigma,omitempty" env:"C_SIGMA"`
}

// apply writes every set override into c.
func (o Overrides) apply(c *cmaes.Coefficients) {
	if o.Cc != nil {
		c.Cc = *o.Cc
	}
	if o.C1 != nil {
		c.C1 = *o.C1
	}
	if o.Cmu != nil {
		c.Cmu = *o.Cmu
	}
	if o.DSigma != nil {
		c.Damps = *o.DSigma
	}
	if o.CSigma != nil {
		c.Cs = *o.CSigma
	}
}

// Adapter owns one CMA-ES strategy. It is not safe for concurrent use.
type Adapter struct {
	es     *cmaes.Strategy
	seed   uint64
	logger *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSeed seeds the sampling stream.
func WithSeed(seed uint64) Option {
	return func(a *Adapter) { a.seed = seed }
}

// WithLogger sets the logger handed to the strategy.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New returns an adapter that must be initialized, or restored from a
// checkpoint, before use.
func New(opts ...Option) *Adapter {
	a := &Adapter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize builds the strategy centered at xInit. Defaults are computed
// first, the step-size adaptation is reinitialized, and then each set
// override is written independently.
func (a *Adapter) Initialize(xInit []float64, sigma float64, popsize int, overrides Overrides) error {
	es, err := cmaes.New(cmaes.Settings{
		Mean:           xInit,
		Sigma:          sigma,
		PopulationSize: popsize,
		Seed:           a.seed,
		Logger:         a.logger,
	})
	if err != nil {
		return errors.Wrap(err, errors.KindUnknown, "Adapter.Initialize")
	}
	es.ResetStepSizeAdaptation()

	c := es.Coefficients()
	overrides.apply(&c)
	es.SetCoefficients(c)

	a.es = es
	a.logger.Named(component).Debug("Optimizer initialized",
		zap.Int("dim", es.Dim()),
		zap.Int("popsize", es.PopulationSize()),
		zap.Float64("sigma", sigma),
		zap.Float64("c_c", c.Cc),
		zap.Float64("c_1", c.C1),
		zap.Float64("c_mu", c.Cmu),
		zap.Float64("d_sigma", c.Damps),
		zap.Float64("c_sigma", c.Cs),
	)
	return nil
}

func (a *Adapter) ready(op string) error {
	if a.es == nil {
		return errors.New(errors.KindState, "optimizer is not initialized").
			WithOperation(op).WithComponent(component)
	}
	return nil
}

// Ask draws one generation. Every call advances the random stream, so a
// generation cannot be drawn twice.
func (a *Adapter) Ask() ([][]float64, error) {
	if err := a.ready("Adapter.Ask"); err != nil {
		return nil, err
	}
	return a.es.Ask()
}

// Tell updates the distribution. points must be the multiset returned by
// the last Ask.
func (a *Adapter) Tell(points [][]float64, fitness []float64) error {
	if err := a.ready("Adapter.Tell"); err != nil {
		return err
	}
	for i, f := range fitness {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Errorf(errors.KindNumerical, "fitness of candidate %d is %v", i, f).
				WithOperation("Adapter.Tell").WithComponent(component)
		}
	}
	return a.es.Tell(points, fitness)
}

// Mean returns the distribution centroid, or nil before initialization.
func (a *Adapter) Mean() []float64 {
	if a.es == nil {
		return nil
	}
	return a.es.Mean()
}

// Sigma returns the global step size.
func (a *Adapter) Sigma() float64 {
	if a.es == nil {
		return 0
	}
	return a.es.Sigma()
}

// Generation returns the number of completed ask/tell cycles.
func (a *Adapter) Generation() int {
	if a.es == nil {
		return 0
	}
	return a.es.Generation()
}

// PopulationSize returns the number of candidates per generation.
func (a *Adapter) PopulationSize() int {
	if a.es == nil {
		return 0
	}
	return a.es.PopulationSize()
}

// Dim returns the search space dimension.
func (a *Adapter) Dim() int {
	if a.es == nil {
		return 0
	}
	return a.es.Dim()
}

// Coefficients returns the adaptation rates in effect.
func (a *Adapter) Coefficients() cmaes.Coefficients {
	if a.es == nil {
		return cmaes.Coefficients{}
	}
	return a.es.Coefficients()
}

// Entropy returns the differential entropy of N(mean, sigma²·C):
//
//	Σ log diag(L) + N/2·log 2π + N/2,  L Lᵀ = sigma²·C
func (a *Adapter) Entropy() (float64, error) {
	const op = "Adapter.Entropy"
	if err := a.ready(op); err != nil {
		return 0, err
	}
	return entropy(a.es.Sigma(), a.es.Covariance())
}

func entropy(sigma float64, c *mat.SymDense) (float64, error) {
	n, _ := c.Dims()

	var cov mat.SymDense
	cov.ScaleSym(sigma*sigma, c)

	var chol mat.Cholesky
	if ok := chol.Factorize(&cov); !ok {
		return 0, errors.New(errors.KindNumerical, "covariance matrix is not positive definite").
			WithOperation("Adapter.Entropy").WithComponent(component)
	}

	var l mat.TriDense
	chol.LTo(&l)

	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Log(l.At(i, i))
	}
	fn := float64(n)
	h := sum + fn/2*math.Log(2*math.Pi) + fn/2
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, errors.Errorf(errors.KindNumerical, "entropy is %v", h).
			WithOperation("Adapter.Entropy").WithComponent(component)
	}
	return h, nil
}
