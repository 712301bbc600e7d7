// Package linalg contains the dense kernels used by the fitter and the
// precision estimator. All matrices are row-major with an explicit stride,
// so callers can pass views into larger buffers without copying.
package linalg

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

var (
	// ErrSingular is returned when a pivot vanishes.
	ErrSingular = errors.New("linalg: matrix is singular")

	// ErrNotFinite is returned when a solution contains NaN or Inf.
	ErrNotFinite = errors.New("linalg: solution is not finite")
)

// Syrk computes the k×k normal matrix C = Aᵀ·A of the n×k matrix A.
// Both triangles of C are written.
func Syrk(n, k int, a []float64, lda int, c []float64, ldc int) {
	if n == 0 {
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				c[i*ldc+j] = 0
			}
		}
		return
	}
	blas64.Syrk(blas.Trans, 1,
		blas64.General{Rows: n, Cols: k, Stride: lda, Data: a},
		0,
		blas64.Symmetric{Uplo: blas.Upper, N: k, Stride: ldc, Data: c},
	)
	for i := 1; i < k; i++ {
		for j := 0; j < i; j++ {
			c[i*ldc+j] = c[j*ldc+i]
		}
	}
}

// GemvT computes y = Aᵀ·x for the n×k matrix A.
func GemvT(n, k int, a []float64, lda int, x, y []float64) {
	if n == 0 {
		for i := range y[:k] {
			y[i] = 0
		}
		return
	}
	blas64.Gemv(blas.Trans, 1,
		blas64.General{Rows: n, Cols: k, Stride: lda, Data: a},
		blas64.Vector{N: n, Inc: 1, Data: x},
		0,
		blas64.Vector{N: k, Inc: 1, Data: y},
	)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
