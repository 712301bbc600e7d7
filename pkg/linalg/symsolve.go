package linalg

import "math"

// bkAlpha is the Bunch-Kaufman pivot growth bound (1+√17)/8.
var bkAlpha = (1 + math.Sqrt(17)) / 8

// SymSolve solves A·x = b for a symmetric, possibly indefinite n×n matrix A
// using Bunch-Kaufman diagonal pivoting (P·A·Pᵀ = L·D·Lᵀ with 1×1 and 2×2
// blocks in D). Both triangles of A must be populated. A is overwritten with
// the factorization and b with the solution.
func SymSolve(n int, a []float64, lda int, b []float64) error {
	type swap struct{ i, j int }
	var swapBuf [8]swap
	swaps := swapBuf[:0]
	var blockBuf [16]int
	blocks := blockBuf[:0] // size of the pivot block starting at each step

	at := func(i, j int) *float64 { return &a[i*lda+j] }

	for k := 0; k < n; {
		absakk := math.Abs(*at(k, k))
		imax, colmax := k, 0.0
		for i := k + 1; i < n; i++ {
			if v := math.Abs(*at(i, k)); v > colmax {
				imax, colmax = i, v
			}
		}
		if math.Max(absakk, colmax) == 0 || math.IsNaN(absakk) {
			return ErrSingular
		}

		size, kp := 1, k
		if absakk < bkAlpha*colmax {
			rowmax := 0.0
			for j := k; j < n; j++ {
				if j != imax {
					rowmax = math.Max(rowmax, math.Abs(*at(imax, j)))
				}
			}
			switch {
			case absakk >= bkAlpha*colmax*(colmax/rowmax):
			case math.Abs(*at(imax, imax)) >= bkAlpha*rowmax:
				kp = imax
			default:
				size, kp = 2, imax
			}
		}

		// bring the pivot into position k (1×1) or k+1 (2×2)
		target := k + size - 1
		if kp != target {
			symSwap(n, a, lda, target, kp)
			b[target], b[kp] = b[kp], b[target]
			swaps = append(swaps, swap{target, kp})
		}

		if size == 1 {
			d := *at(k, k)
			for i := k + 1; i < n; i++ {
				l := *at(i, k) / d
				for j := k + 1; j < n; j++ {
					a[i*lda+j] -= l * a[k*lda+j]
				}
				b[i] -= l * b[k]
				*at(i, k) = l
			}
		} else {
			d11, d21, d22 := *at(k, k), *at(k+1, k), *at(k+1, k+1)
			det := d11*d22 - d21*d21
			if det == 0 {
				return ErrSingular
			}
			for i := k + 2; i < n; i++ {
				ai1, ai2 := *at(i, k), *at(i, k+1)
				l1 := (ai1*d22 - ai2*d21) / det
				l2 := (ai2*d11 - ai1*d21) / det
				for j := k + 2; j < n; j++ {
					a[i*lda+j] -= l1*a[k*lda+j] + l2*a[(k+1)*lda+j]
				}
				b[i] -= l1*b[k] + l2*b[k+1]
				*at(i, k), *at(i, k+1) = l1, l2
			}
		}
		blocks = append(blocks, size)
		k += size
	}

	// D·z = y
	k := 0
	for _, size := range blocks {
		if size == 1 {
			b[k] /= *at(k, k)
		} else {
			d11, d21, d22 := *at(k, k), *at(k+1, k), *at(k+1, k+1)
			det := d11*d22 - d21*d21
			y1, y2 := b[k], b[k+1]
			b[k] = (d22*y1 - d21*y2) / det
			b[k+1] = (d11*y2 - d21*y1) / det
		}
		k += size
	}

	// Lᵀ·w = z
	for bi := len(blocks) - 1; bi >= 0; bi-- {
		size := blocks[bi]
		k -= size
		for c := k; c < k+size; c++ {
			s := b[c]
			for i := k + size; i < n; i++ {
				s -= *at(i, c) * b[i]
			}
			b[c] = s
		}
	}

	// x = Pᵀ·w
	for i := len(swaps) - 1; i >= 0; i-- {
		s := swaps[i]
		b[s.i], b[s.j] = b[s.j], b[s.i]
	}

	if !allFinite(b[:n]) {
		return ErrNotFinite
	}
	return nil
}

// symSwap exchanges rows and columns i and j of the full n×n matrix a.
func symSwap(n int, a []float64, lda, i, j int) {
	for c := 0; c < n; c++ {
		a[i*lda+c], a[j*lda+c] = a[j*lda+c], a[i*lda+c]
	}
	for r := 0; r < n; r++ {
		a[r*lda+i], a[r*lda+j] = a[r*lda+j], a[r*lda+i]
	}
}
