// Package cmaes implements the covariance matrix adaptation evolution
// strategy (CMA-ES) with weighted recombination, rank-one and rank-mu
// covariance updates and cumulative step-size adaptation.
package cmaes

import (
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/esbench/internal/errors"
)

const component = "cmaes"

// Settings configures a new Strategy.
type Settings struct {
	// Mean is the initial centroid. Its length sets the dimension.
	Mean []float64
	// Sigma is the initial step size.
	Sigma float64
	// PopulationSize is the number of candidates per generation. Zero selects
	// DefaultPopulationSize.
	PopulationSize int
	// Seed seeds the sampling stream.
	Seed uint64
	// Logger receives per-generation debug output.
	Logger *zap.Logger
}

// Strategy is a CMA-ES instance. It is not safe for concurrent use.
type Strategy struct {
	dim     int
	lambda  int
	weights []float64
	mueff   float64
	chiN    float64

	cc, c1, cmu float64
	csa         stepSizeAdaptation

	mean  *mat.VecDense
	sigma float64
	cov   *mat.SymDense
	pc    *mat.VecDense
	ps    *mat.VecDense

	// Eigen decomposition of cov, refreshed lazily after each update.
	basis      *mat.Dense
	axes       []float64
	invSqrtC   *mat.Dense
	eigenStale bool

	generation int
	pending    [][]float64

	pcg *rand.PCG
	rng *rand.Rand

	logger *zap.Logger
}

// New builds a strategy with default coefficients.
func New(s Settings) (*Strategy, error) {
	const op = "cmaes.New"

	n := len(s.Mean)
	if n == 0 {
		return nil, errors.New(errors.KindConfiguration, "initial mean must not be empty").
			WithOperation(op).WithComponent(component)
	}
	if !(s.Sigma > 0) || math.IsInf(s.Sigma, 0) {
		return nil, errors.Errorf(errors.KindConfiguration, "initial step size must be positive and finite, got %v", s.Sigma).
			WithOperation(op).WithComponent(component)
	}
	lambda := s.PopulationSize
	if lambda == 0 {
		lambda = DefaultPopulationSize(n)
	}
	if lambda < 2 {
		return nil, errors.Errorf(errors.KindConfiguration, "population size must be at least 2, got %d", lambda).
			WithOperation(op).WithComponent(component)
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	weights, mueff := recombinationWeights(lambda)
	cc, c1, cmu := covarianceDefaults(n, mueff)

	identity := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		identity.SetSym(i, i, 1)
	}

	pcg := rand.NewPCG(s.Seed, s.Seed^0xda3e39cb94b95bdb)
	es := &Strategy{
		dim:        n,
		lambda:     lambda,
		weights:    weights,
		mueff:      mueff,
		chiN:       expectedNormalNorm(n),
		cc:         cc,
		c1:         c1,
		cmu:        cmu,
		mean:       mat.NewVecDense(n, append([]float64(nil), s.Mean...)),
		sigma:      s.Sigma,
		cov:        identity,
		pc:         mat.NewVecDense(n, nil),
		ps:         mat.NewVecDense(n, nil),
		eigenStale: true,
		pcg:        pcg,
		rng:        rand.New(pcg),
		logger:     s.Logger.Named(component),
	}
	es.csa.initialize(n, mueff)
	return es, nil
}

// ResetStepSizeAdaptation restores cs and damps to their defaults.
func (es *Strategy) ResetStepSizeAdaptation() {
	es.csa.initialize(es.dim, es.mueff)
}

// Coefficients returns the current adaptation rates.
func (es *Strategy) Coefficients() Coefficients {
	return Coefficients{
		Cc:    es.cc,
		C1:    es.c1,
		Cmu:   es.cmu,
		Cs:    es.csa.cs,
		Damps: es.csa.damps,
	}
}

// SetCoefficients replaces the adaptation rates. Values are not validated.
func (es *Strategy) SetCoefficients(c Coefficients) {
	es.cc = c.Cc
	es.c1 = c.C1
	es.cmu = c.Cmu
	es.csa.cs = c.Cs
	es.csa.damps = c.Damps
}

// Dim returns the search space dimension.
func (es *Strategy) Dim() int { return es.dim }

// PopulationSize returns lambda.
func (es *Strategy) PopulationSize() int { return es.lambda }

// Generation returns the number of completed Tell calls.
func (es *Strategy) Generation() int { return es.generation }

// Sigma returns the global step size.
func (es *Strategy) Sigma() float64 { return es.sigma }

// Mueff returns the variance effective selection mass.
func (es *Strategy) Mueff() float64 { return es.mueff }

// Mean returns a copy of the distribution centroid.
func (es *Strategy) Mean() []float64 {
	return append([]float64(nil), es.mean.RawVector().Data...)
}

// Covariance returns a copy of the shape matrix C. The search distribution
// is N(mean, sigma²·C).
func (es *Strategy) Covariance() *mat.SymDense {
	c := mat.NewSymDense(es.dim, nil)
	c.CopySym(es.cov)
	return c
}

// Ask samples lambda candidates from N(mean, sigma²·C).
func (es *Strategy) Ask() ([][]float64, error) {
	if err := es.updateEigen(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnknown, "Strategy.Ask")
	}

	z := mat.NewVecDense(es.dim, nil)
	y := mat.NewVecDense(es.dim, nil)
	points := make([][]float64, es.lambda)
	es.pending = make([][]float64, es.lambda)
	for k := range points {
		for i := 0; i < es.dim; i++ {
			z.SetVec(i, es.axes[i]*es.rng.NormFloat64())
		}
		y.MulVec(es.basis, z)

		x := make([]float64, es.dim)
		floats.AddScaledTo(x, es.mean.RawVector().Data, es.sigma, y.RawVector().Data)
		points[k] = x
		es.pending[k] = append([]float64(nil), x...)
	}
	return points, nil
}

// Tell updates the distribution from the fitness of the candidates returned
// by the last Ask. Lower fitness is better. The candidates may be passed in
// any order.
func (es *Strategy) Tell(points [][]float64, fitness []float64) error {
	const op = "Strategy.Tell"

	if es.pending == nil {
		return errors.New(errors.KindState, "tell called without a preceding ask").
			WithOperation(op).WithComponent(component)
	}
	if len(points) != es.lambda || len(fitness) != len(points) {
		return errors.Errorf(errors.KindState, "expected %d candidates and fitness values, got %d and %d",
			es.lambda, len(points), len(fitness)).WithOperation(op).WithComponent(component)
	}
	if !es.matchesPending(points) {
		return errors.New(errors.KindState, "candidates differ from the last generation asked for").
			WithOperation(op).WithComponent(component)
	}
	for i, f := range fitness {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Errorf(errors.KindNumerical, "fitness of candidate %d is %v", i, f).
				WithOperation(op).WithComponent(component)
		}
	}
	if err := es.updateEigen(); err != nil {
		return errors.Wrap(err, errors.KindUnknown, op)
	}

	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return fitness[order[a]] < fitness[order[b]] })

	n := es.dim
	mu := len(es.weights)
	oldMean := es.Mean()

	// Selected steps y_i = (x_i:λ - m) / σ and their weighted mean.
	steps := make([]*mat.VecDense, mu)
	yw := mat.NewVecDense(n, nil)
	for i := 0; i < mu; i++ {
		d := make([]float64, n)
		floats.SubTo(d, points[order[i]], oldMean)
		floats.Scale(1/es.sigma, d)
		steps[i] = mat.NewVecDense(n, d)
		yw.AddScaledVec(yw, es.weights[i], steps[i])
	}
	es.mean.AddScaledVec(es.mean, es.sigma, yw)

	// Step-size path.
	var cy mat.VecDense
	cy.MulVec(es.invSqrtC, yw)
	es.ps.ScaleVec(1-es.csa.cs, es.ps)
	es.ps.AddScaledVec(es.ps, math.Sqrt(es.csa.cs*(2-es.csa.cs)*es.mueff), &cy)
	psNorm := mat.Norm(es.ps, 2)

	// Stall the rank-one path while the step-size path is long.
	hsig := 0.0
	decay := 1 - math.Pow(1-es.csa.cs, 2*float64(es.generation+1))
	if psNorm/math.Sqrt(decay)/es.chiN < 1.4+2/float64(n+1) {
		hsig = 1
	}

	es.pc.ScaleVec(1-es.cc, es.pc)
	es.pc.AddScaledVec(es.pc, hsig*math.Sqrt(es.cc*(2-es.cc)*es.mueff), yw)

	// C ← (1 - c1 - cmu + (1-hsig)·c1·cc(2-cc))·C + c1·pc·pcᵀ + cmu·Σ wᵢ yᵢ yᵢᵀ
	next := mat.NewSymDense(n, nil)
	next.ScaleSym(1-es.c1-es.cmu+(1-hsig)*es.c1*es.cc*(2-es.cc), es.cov)
	next.SymRankOne(next, es.c1, es.pc)
	for i, y := range steps {
		next.SymRankOne(next, es.cmu*es.weights[i], y)
	}
	es.cov = next
	es.eigenStale = true

	es.sigma *= es.csa.factor(psNorm, es.chiN)
	es.generation++
	es.pending = nil

	if math.IsNaN(es.sigma) || math.IsInf(es.sigma, 0) || es.sigma <= 0 {
		return errors.Errorf(errors.KindNumerical, "step size diverged to %v", es.sigma).
			WithOperation(op).WithComponent(component)
	}

	es.logger.Debug("Generation complete",
		zap.Int("generation", es.generation),
		zap.Float64("sigma", es.sigma),
		zap.Float64("best_fitness", fitness[order[0]]),
		zap.Float64("ps_norm", psNorm),
	)
	return nil
}

// matchesPending reports whether points is a permutation of the last asked
// generation.
func (es *Strategy) matchesPending(points [][]float64) bool {
	used := make([]bool, len(es.pending))
	for _, p := range points {
		found := false
		for j, q := range es.pending {
			if !used[j] && len(p) == len(q) && floats.Equal(p, q) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// updateEigen refreshes B, D and C^-1/2 from the current covariance.
func (es *Strategy) updateEigen() error {
	if !es.eigenStale {
		return nil
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(es.cov, true); !ok {
		return errors.New(errors.KindNumerical, "eigen decomposition of the covariance matrix failed").
			WithOperation("Strategy.updateEigen").WithComponent(component)
	}
	values := eig.Values(nil)
	for i, v := range values {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.Errorf(errors.KindNumerical, "covariance matrix is not positive definite: eigenvalue %d is %v", i, v).
				WithOperation("Strategy.updateEigen").WithComponent(component)
		}
	}

	var basis mat.Dense
	eig.VectorsTo(&basis)

	axes := make([]float64, es.dim)
	inv := make([]float64, es.dim)
	for i, v := range values {
		axes[i] = math.Sqrt(v)
		inv[i] = 1 / axes[i]
	}

	var scaled, invSqrtC mat.Dense
	scaled.Mul(&basis, mat.NewDiagDense(es.dim, inv))
	invSqrtC.Mul(&scaled, basis.T())

	es.basis = &basis
	es.axes = axes
	es.invSqrtC = &invSqrtC
	es.eigenStale = false
	return nil
}
