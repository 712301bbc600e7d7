package linalg

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const tol = 1e-9

func randomMatrix(rng *rand.Rand, rows, cols int) []float64 {
	m := make([]float64, rows*cols)
	for i := range m {
		m[i] = rng.NormFloat64()
	}
	return m
}

func TestSyrkMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n, k = 81, 5
	a := randomMatrix(rng, n, k)

	c := make([]float64, k*k)
	Syrk(n, k, a, k, c, k)

	var want mat.Dense
	A := mat.NewDense(n, k, a)
	want.Mul(A.T(), A)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if math.Abs(c[i*k+j]-want.At(i, j)) > tol {
				t.Errorf("C[%d][%d] = %g, expected %g", i, j, c[i*k+j], want.At(i, j))
			}
		}
	}
}

func TestSyrkWithStride(t *testing.T) {
	// 3x2 view inside a 3x4 buffer, result into a 2x2 view of a 2x3 buffer
	a := []float64{
		1, 2, 99, 99,
		3, 4, 99, 99,
		5, 6, 99, 99,
	}
	c := []float64{-1, -1, 7, -1, -1, 7}
	Syrk(3, 2, a, 4, c, 3)
	want := []float64{35, 44, 7, 44, 56, 7}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("unexpected result %v, expected %v", c, want)
		}
	}
}

func TestGemvT(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6}
	x := []float64{1, -1, 2}
	y := make([]float64, 2)
	GemvT(3, 2, a, 2, x, y)
	if y[0] != 8 || y[1] != 10 {
		t.Errorf("expected [8 10], got %v", y)
	}
}

func checkSolve(t *testing.T, name string, n int, a []float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n)))
	xTrue := randomMatrix(rng, n, 1)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b[i] += a[i*n+j] * xTrue[j]
		}
	}

	work := append([]float64(nil), a...)
	if err := SymSolve(n, work, n, b); err != nil {
		t.Fatalf("%s: SymSolve failed: %v", name, err)
	}
	for i := range b {
		if math.Abs(b[i]-xTrue[i]) > 1e-8 {
			t.Errorf("%s: x[%d] = %g, expected %g", name, i, b[i], xTrue[i])
		}
	}
}

func TestSymSolvePositiveDefinite(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 5
	j := randomMatrix(rng, 20, n)
	a := make([]float64, n*n)
	Syrk(20, n, j, n, a, n)
	checkSolve(t, "spd", n, a)
}

func TestSymSolveIndefinite(t *testing.T) {
	// zero diagonal forces 2x2 pivots
	a := []float64{
		0, 1, 2, 0, 1,
		1, 0, 3, 1, 0,
		2, 3, 0, 4, 1,
		0, 1, 4, 0, 2,
		1, 0, 1, 2, 0,
	}
	checkSolve(t, "zero diagonal", 5, a)

	b := []float64{
		1, 4, 0, 0, 2,
		4, -2, 1, 3, 0,
		0, 1, -5, 2, 1,
		0, 3, 2, 0.5, 1,
		2, 0, 1, 1, -3,
	}
	checkSolve(t, "mixed signs", 5, b)
}

func TestSymSolveRandomSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 2 + trial%5
		a := randomMatrix(rng, n, n)
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				a[i*n+j] = a[j*n+i]
			}
		}
		var d mat.Dense
		if err := d.Inverse(mat.NewDense(n, n, append([]float64(nil), a...))); err != nil {
			continue
		}
		if mat.Cond(mat.NewDense(n, n, append([]float64(nil), a...)), 2) > 1e6 {
			continue
		}
		checkSolve(t, "random", n, a)
	}
}

func TestSymSolveSingular(t *testing.T) {
	a := make([]float64, 25)
	b := []float64{1, 2, 3, 4, 5}
	if err := SymSolve(5, a, 5, b); !errors.Is(err, ErrSingular) {
		t.Errorf("expected ErrSingular for zero matrix, got %v", err)
	}

	// rank one: second pivot vanishes
	v := []float64{1, 2, 3}
	r1 := make([]float64, 9)
	for i := range v {
		for j := range v {
			r1[i*3+j] = v[i] * v[j]
		}
	}
	if err := SymSolve(3, r1, 3, []float64{1, 1, 1}); err == nil {
		t.Error("expected failure for rank-one matrix")
	}
}

func TestLUSolveAndInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 5
	a := randomMatrix(rng, n, n)
	for i := 0; i < n; i++ {
		a[i*n+i] += 5
	}
	orig := append([]float64(nil), a...)

	lu, err := Factorize(n, a, n)
	if err != nil {
		t.Fatalf("Factorize failed: %v", err)
	}
	for i := range a {
		if a[i] != orig[i] {
			t.Fatal("Factorize modified its input")
		}
	}

	b := []float64{1, 2, 3, 4, 5}
	x := append([]float64(nil), b...)
	if err := lu.Solve(x); err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < n; j++ {
			s += orig[i*n+j] * x[j]
		}
		if math.Abs(s-b[i]) > tol {
			t.Errorf("row %d: A·x = %g, expected %g", i, s, b[i])
		}
	}

	inv := make([]float64, n*n)
	if err := lu.Inverse(inv, n); err != nil {
		t.Fatalf("Inverse failed: %v", err)
	}
	var prod mat.Dense
	prod.Mul(mat.NewDense(n, n, orig), mat.NewDense(n, n, inv))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(prod.At(i, j)-want) > tol {
				t.Errorf("A·A⁻¹[%d][%d] = %g", i, j, prod.At(i, j))
			}
		}
	}

	if err := Invert(n, a, n); err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	for i := range a {
		if math.Abs(a[i]-inv[i]) > tol {
			t.Fatalf("Invert differs from LU.Inverse at %d", i)
		}
	}
}

func TestLUSingular(t *testing.T) {
	a := []float64{
		1, 2, 3,
		2, 4, 6,
		1, 0, 1,
	}
	if _, err := Factorize(3, a, 3); !errors.Is(err, ErrSingular) {
		t.Errorf("expected ErrSingular, got %v", err)
	}
	if err := Invert(3, a, 3); !errors.Is(err, ErrSingular) {
		t.Errorf("expected ErrSingular from Invert, got %v", err)
	}
	nan := []float64{1, math.NaN(), 0, 1}
	if _, err := Factorize(2, nan, 2); !errors.Is(err, ErrNotFinite) {
		t.Errorf("expected ErrNotFinite, got %v", err)
	}
}
