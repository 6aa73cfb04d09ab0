package benchmark

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// instance carries the random elements that distinguish one instance of a
// function from another: the shifted optimum, the optimal value and the
// rotations. Everything is derived from a single seed so the same
// (function, dim, rep) triple always yields the same landscape.
type instance struct {
	dim  int
	seed uint64
	src  rand.Source
	xopt []float64
	fopt float64
}

func newInstance(id, dim, rep int) *instance {
	seed := uint64(id + 10000*rep)
	in := &instance{
		dim:  dim,
		seed: seed,
		src:  rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}
	in.xopt = in.drawOptimum()
	in.fopt = in.drawOptimalValue()
	return in
}

// drawOptimum draws the optimum on a 1e-4 grid in [-4, 4), avoiding exact zero.
func (in *instance) drawOptimum() []float64 {
	u := distuv.Uniform{Min: 0, Max: 1, Src: in.src}
	xopt := make([]float64, in.dim)
	for i := range xopt {
		xopt[i] = 8*math.Floor(1e4*u.Rand())/1e4 - 4
		if xopt[i] == 0 {
			xopt[i] = -1e-5
		}
	}
	return xopt
}

// drawOptimalValue draws a Cauchy distributed optimum value, clipped to
// [-1000, 1000] and rounded to two decimals.
func (in *instance) drawOptimalValue() float64 {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: in.src}
	v := 100 * n.Rand() / n.Rand()
	v = math.Max(-1000, math.Min(1000, v))
	return math.Round(100*v) / 100
}

// rotation draws a random orthogonal matrix from the QR decomposition of a
// standard normal matrix.
func (in *instance) rotation() *mat.Dense {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: in.src}
	g := mat.NewDense(in.dim, in.dim, nil)
	for i := 0; i < in.dim; i++ {
		for j := 0; j < in.dim; j++ {
			g.Set(i, j, n.Rand())
		}
	}
	var qr mat.QR
	qr.Factorize(g)
	var q mat.Dense
	qr.QTo(&q)
	return &q
}
