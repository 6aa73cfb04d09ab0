package cmaes

import (
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/esbench/internal/errors"
)

// State is a complete snapshot of a Strategy, including the position of its
// random stream. A strategy restored from a State draws the same candidates
// as the original would have.
type State struct {
	Dim          int          `json:"dim"`
	Lambda       int          `json:"lambda"`
	Weights      []float64    `json:"weights"`
	Mueff        float64      `json:"mueff"`
	ChiN         float64      `json:"chi_n"`
	Coefficients Coefficients `json:"coefficients"`
	Mean         []float64    `json:"mean"`
	Sigma        float64      `json:"sigma"`
	// Covariance is C in row-major order.
	Covariance []float64 `json:"covariance"`
	Pc         []float64 `json:"pc"`
	Ps         []float64 `json:"ps"`
	Generation int       `json:"generation"`
	RNG        []byte    `json:"rng"`
}

// Export snapshots the strategy. A pending generation (asked but not told)
// is not part of the snapshot.
func (es *Strategy) Export() (*State, error) {
	rng, err := es.pcg.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointIO, "marshal random stream")
	}

	n := es.dim
	cov := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov[i*n+j] = es.cov.At(i, j)
		}
	}

	return &State{
		Dim:          n,
		Lambda:       es.lambda,
		Weights:      append([]float64(nil), es.weights...),
		Mueff:        es.mueff,
		ChiN:         es.chiN,
		Coefficients: es.Coefficients(),
		Mean:         es.Mean(),
		Sigma:        es.sigma,
		Covariance:   cov,
		Pc:           append([]float64(nil), es.pc.RawVector().Data...),
		Ps:           append([]float64(nil), es.ps.RawVector().Data...),
		Generation:   es.generation,
		RNG:          rng,
	}, nil
}

// Import replaces the strategy's state wholesale. The logger is kept.
func (es *Strategy) Import(s *State) error {
	const op = "Strategy.Import"

	if s == nil {
		return errors.New(errors.KindCheckpointIO, "state is nil").WithOperation(op).WithComponent(component)
	}
	n := s.Dim
	switch {
	case n <= 0:
		return errors.Errorf(errors.KindCheckpointIO, "invalid dimension %d", n).WithOperation(op).WithComponent(component)
	case s.Lambda < 2 || len(s.Weights) != s.Lambda/2:
		return errors.Errorf(errors.KindCheckpointIO, "population size %d does not match %d weights", s.Lambda, len(s.Weights)).
			WithOperation(op).WithComponent(component)
	case len(s.Mean) != n || len(s.Pc) != n || len(s.Ps) != n || len(s.Covariance) != n*n:
		return errors.Errorf(errors.KindCheckpointIO, "state vectors do not match dimension %d", n).
			WithOperation(op).WithComponent(component)
	}

	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(s.RNG); err != nil {
		return errors.Wrap(err, errors.KindCheckpointIO, "unmarshal random stream")
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, s.Covariance[i*n+j])
		}
	}

	es.dim = n
	es.lambda = s.Lambda
	es.weights = append([]float64(nil), s.Weights...)
	es.mueff = s.Mueff
	es.chiN = s.ChiN
	es.SetCoefficients(s.Coefficients)
	es.mean = mat.NewVecDense(n, append([]float64(nil), s.Mean...))
	es.sigma = s.Sigma
	es.cov = cov
	es.pc = mat.NewVecDense(n, append([]float64(nil), s.Pc...))
	es.ps = mat.NewVecDense(n, append([]float64(nil), s.Ps...))
	es.generation = s.Generation
	es.pcg = pcg
	es.rng = rand.New(pcg)
	es.pending = nil
	es.eigenStale = true
	return nil
}

// Restore builds a strategy from a snapshot.
func Restore(s *State, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	es := &Strategy{logger: logger.Named(component)}
	if err := es.Import(s); err != nil {
		return nil, err
	}
	return es, nil
}
