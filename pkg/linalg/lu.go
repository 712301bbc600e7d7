package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

// LU is a partially pivoted LU factorization of a square matrix.
type LU struct {
	n    int
	a    blas64.General
	ipiv []int
}

// Factorize computes the LU factorization of the n×n matrix a. The input is
// copied and left untouched.
func Factorize(n int, a []float64, lda int) (*LU, error) {
	if n <= 0 {
		return nil, fmt.Errorf("linalg: invalid matrix order %d", n)
	}
	lu := &LU{
		n:    n,
		a:    blas64.General{Rows: n, Cols: n, Stride: n, Data: make([]float64, n*n)},
		ipiv: make([]int, n),
	}
	for i := 0; i < n; i++ {
		copy(lu.a.Data[i*n:(i+1)*n], a[i*lda:i*lda+n])
	}
	if !allFinite(lu.a.Data) {
		return nil, ErrNotFinite
	}
	if ok := lapack64.Getrf(lu.a, lu.ipiv); !ok {
		return nil, ErrSingular
	}
	return lu, nil
}

// N returns the matrix order.
func (lu *LU) N() int { return lu.n }

// Solve overwrites b with the solution of A·x = b.
func (lu *LU) Solve(b []float64) error {
	lapack64.Getrs(blas.NoTrans, lu.a, blas64.General{Rows: lu.n, Cols: 1, Stride: 1, Data: b[:lu.n]}, lu.ipiv)
	if !allFinite(b[:lu.n]) {
		return ErrNotFinite
	}
	return nil
}

// Inverse writes A⁻¹ into dst, which has stride ldd.
func (lu *LU) Inverse(dst []float64, ldd int) error {
	inv := blas64.General{Rows: lu.n, Cols: lu.n, Stride: lu.n, Data: append([]float64(nil), lu.a.Data...)}
	work := make([]float64, lu.n*lu.n)
	if ok := lapack64.Getri(inv, lu.ipiv, work, len(work)); !ok {
		return ErrSingular
	}
	if !allFinite(inv.Data) {
		return ErrNotFinite
	}
	for i := 0; i < lu.n; i++ {
		copy(dst[i*ldd:i*ldd+lu.n], inv.Data[i*lu.n:(i+1)*lu.n])
	}
	return nil
}

// Invert replaces the n×n matrix a with its inverse.
func Invert(n int, a []float64, lda int) error {
	lu, err := Factorize(n, a, lda)
	if err != nil {
		return err
	}
	return lu.Inverse(a, lda)
}
