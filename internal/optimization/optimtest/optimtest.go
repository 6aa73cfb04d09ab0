// Package optimtest holds assertions and objectives shared by the
// optimization tests.
package optimtest

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Sphere is a simple quadratic objective with its minimum 0 at the origin.
func Sphere(x []float64) (float64, error) {
	return floats.Dot(x, x), nil
}

// SphereBatch evaluates Sphere over a generation.
func SphereBatch(points [][]float64) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i], _ = Sphere(p)
	}
	return out
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal
func AssertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// AssertMatDimsEqual checks if two matrices have the same dimensions
func AssertMatDimsEqual(t *testing.T, got, want mat.Matrix) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()

	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}
}

// AssertMatEqual checks if two matrices are approximately equal
func AssertMatEqual(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()

	AssertMatDimsEqual(t, got, want)

	r, c := got.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g := got.At(i, j)
			w := want.At(i, j)
			if math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}

// AssertOrthogonal checks that q is square and qᵀq = I.
func AssertOrthogonal(t *testing.T, q mat.Matrix, tol float64) {
	t.Helper()

	r, c := q.Dims()
	if r != c {
		t.Fatalf("matrix is not square: %dx%d", r, c)
	}
	var prod mat.Dense
	prod.Mul(q.T(), q)
	id := mat.NewDiagDense(r, nil)
	for i := 0; i < r; i++ {
		id.SetDiag(i, 1)
	}
	AssertMatEqual(t, &prod, id, tol)
}
