package benchmark

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ratio returns i/(n-1), the position of coordinate i along an n dimensional
// conditioning ramp. A one dimensional ramp is flat.
func ratio(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return float64(i) / float64(n-1)
}

// oscillate applies the T_osz transformation in place. It introduces small,
// smooth, symmetric irregularities around the identity.
func oscillate(x []float64) {
	for i, v := range x {
		if v == 0 {
			continue
		}
		xh := math.Log(math.Abs(v))
		c1, c2 := 5.5, 3.1
		if v > 0 {
			c1, c2 = 10, 7.9
		}
		x[i] = math.Copysign(math.Exp(xh+0.049*(math.Sin(c1*xh)+math.Sin(c2*xh))), v)
	}
}

// asymmetrize applies T_asy^beta in place, bending positive coordinates.
func asymmetrize(x []float64, beta float64) {
	n := len(x)
	for i, v := range x {
		if v > 0 {
			x[i] = math.Pow(v, 1+beta*ratio(i, n)*math.Sqrt(v))
		}
	}
}

// conditioning scales x in place by the diagonal of Λ^alpha.
func conditioning(x []float64, alpha float64) {
	n := len(x)
	for i := range x {
		x[i] *= math.Pow(alpha, 0.5*ratio(i, n))
	}
}

// rotate returns m·x.
func rotate(m *mat.Dense, x []float64) []float64 {
	out := mat.NewVecDense(len(x), nil)
	out.MulVec(m, mat.NewVecDense(len(x), x))
	return out.RawVector().Data
}
