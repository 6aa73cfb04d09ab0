package benchmark

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/functions"
)

// DefaultFunctionID is the Rosenbrock function, the suite's long standing
// default for step-size and covariance adaptation studies.
const DefaultFunctionID = 8

// Function evaluates the raw landscape, without the optimal value offset.
type Function func(x []float64) float64

type definition struct {
	name  string
	build func(in *instance) Function
}

var registry = map[int]definition{
	1:  {name: "sphere", build: sphere},
	2:  {name: "ellipsoid", build: ellipsoid},
	3:  {name: "rastrigin", build: rastrigin},
	8:  {name: "rosenbrock", build: rosenbrock},
	9:  {name: "rosenbrock_rotated", build: rosenbrockRotated},
	10: {name: "ellipsoid_rotated", build: ellipsoidRotated},
	15: {name: "rastrigin_rotated", build: rastriginRotated},
}

// IDs returns the registered function ids in ascending order.
func IDs() []int {
	ids := make([]int, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Name returns the registered name of id, or "" if id is unknown.
func Name(id int) string {
	return registry[id].name
}

func shifted(x, xopt []float64) []float64 {
	z := make([]float64, len(x))
	floats.SubTo(z, x, xopt)
	return z
}

func sumSquares(z []float64) float64 {
	return floats.Dot(z, z)
}

func ellipsoidSum(z []float64) float64 {
	n := len(z)
	var sum float64
	for i, v := range z {
		sum += math.Pow(1e6, ratio(i, n)) * v * v
	}
	return sum
}

func rastriginSum(z []float64) float64 {
	var cosSum float64
	for _, v := range z {
		cosSum += math.Cos(2 * math.Pi * v)
	}
	return 10*(float64(len(z))-cosSum) + sumSquares(z)
}

func rosenbrockScale(dim int) float64 {
	return math.Max(1, math.Sqrt(float64(dim))/8)
}

func sphere(in *instance) Function {
	return func(x []float64) float64 {
		return sumSquares(shifted(x, in.xopt))
	}
}

func ellipsoid(in *instance) Function {
	return func(x []float64) float64 {
		z := shifted(x, in.xopt)
		oscillate(z)
		return ellipsoidSum(z)
	}
}

func rastrigin(in *instance) Function {
	return func(x []float64) float64 {
		z := shifted(x, in.xopt)
		oscillate(z)
		asymmetrize(z, 0.2)
		conditioning(z, 10)
		return rastriginSum(z)
	}
}

func rosenbrock(in *instance) Function {
	floats.Scale(0.75, in.xopt)
	c := rosenbrockScale(in.dim)
	rb := functions.ExtendedRosenbrock{}
	return func(x []float64) float64 {
		z := shifted(x, in.xopt)
		floats.Scale(c, z)
		floats.AddConst(1, z)
		return rb.Func(z)
	}
}

func rosenbrockRotated(in *instance) Function {
	r := in.rotation()
	c := rosenbrockScale(in.dim)

	// The optimum sits where c·R·x + 1/2 = 1, i.e. x = Rᵀ·1/(2c).
	half := make([]float64, in.dim)
	for i := range half {
		half[i] = 1 / (2 * c)
	}
	in.xopt = rotate(mat.DenseCopyOf(r.T()), half)

	rb := functions.ExtendedRosenbrock{}
	return func(x []float64) float64 {
		z := rotate(r, x)
		floats.Scale(c, z)
		floats.AddConst(0.5, z)
		return rb.Func(z)
	}
}

func ellipsoidRotated(in *instance) Function {
	r := in.rotation()
	return func(x []float64) float64 {
		z := rotate(r, shifted(x, in.xopt))
		oscillate(z)
		return ellipsoidSum(z)
	}
}

func rastriginRotated(in *instance) Function {
	r := in.rotation()
	q := in.rotation()
	return func(x []float64) float64 {
		z := rotate(r, shifted(x, in.xopt))
		oscillate(z)
		asymmetrize(z, 0.2)
		z = rotate(q, z)
		conditioning(z, 10)
		z = rotate(r, z)
		return rastriginSum(z)
	}
}
