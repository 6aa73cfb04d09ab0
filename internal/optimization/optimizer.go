// Package optimization defines the contracts shared by the benchmark
// problems, the evolution strategy and the experiment job.
package optimization

// Optimizer is a stochastic search that proposes candidates in generations
// and learns from their evaluated fitness (ask/evaluate/tell).
type Optimizer interface {
	// Ask draws one generation of candidate solutions. Every call advances
	// the optimizer's random stream.
	Ask() ([][]float64, error)

	// Tell updates the search distribution from the fitness of the
	// candidates most recently returned by Ask.
	Tell(points [][]float64, fitness []float64) error

	// Mean returns the current centroid of the search distribution.
	Mean() []float64

	// Sigma returns the current global step size.
	Sigma() float64

	// Entropy returns the differential entropy of the search distribution.
	Entropy() (float64, error)

	// Generation returns the number of completed ask/tell cycles.
	Generation() int

	// PopulationSize returns the number of candidates per generation.
	PopulationSize() int

	// MarshalBinary serializes the complete optimizer state.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary replaces the optimizer state with a serialized one.
	UnmarshalBinary(data []byte) error
}

// Problem is an objective with a known optimum.
type Problem interface {
	// Evaluate returns one objective value per candidate.
	Evaluate(points [][]float64) ([]float64, error)

	// EvaluateOne returns the objective value of a single candidate.
	EvaluateOne(x []float64) (float64, error)

	// Optimum returns the best achievable objective value.
	Optimum() float64

	// FunctionID identifies the objective within its suite.
	FunctionID() int

	// Dim returns the search space dimensionality.
	Dim() int
}
