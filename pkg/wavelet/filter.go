// Package wavelet implements the undecimated "à trous" B3-spline wavelet
// prefilter described in Izeddin et al., "Wavelet analysis for single
// molecule localization microscopy", Opt. Express 20 (2012).
//
// The second wavelet plane W2 = V1 - V2 suppresses both the slowly varying
// background and single pixel noise, so emitters stand out as compact peaks.
// The approximations cascade: V1 = g1 * I and V2 = g2 * V1. Smoothing the raw
// frame with g2 instead gives a different band; for an isolated impulse it
// cancels V1 exactly at the impulse, so this filter does not use it.
package wavelet

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"lutstorm/internal/models"
)

// g1 is the B3-spline kernel [1, 4, 6, 4, 1]/16. The level 2 kernel is the
// same filter with one hole inserted between taps.
var g1 = [5]float64{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// Filter computes the second wavelet plane of a frame together with the
// population mean and variance of the raw pixels. A Filter reuses its buffers
// between calls and is not safe for concurrent use.
type Filter struct {
	width  int
	height int

	input []float64
	tmp   []float64
	v1    []float64
	v2    []float64

	result *models.FloatImage

	mean     float64
	variance float64
}

// New creates a filter for frames of the given size.
func New(width, height int) *Filter {
	f := &Filter{}
	f.SetSize(width, height)
	return f
}

// SetSize reallocates the buffers when the frame size changes.
func (f *Filter) SetSize(width, height int) {
	if width == f.width && height == f.height && f.result != nil {
		return
	}
	n := width * height
	f.width, f.height = width, height
	f.input = make([]float64, n)
	f.tmp = make([]float64, n)
	f.v1 = make([]float64, n)
	f.v2 = make([]float64, n)
	f.result = models.NewFloatImage(width, height)
}

// Apply filters frame and returns the second wavelet plane. The returned
// image is owned by the filter and overwritten by the next call. Frames of a
// different size resize the filter first.
func (f *Filter) Apply(frame *models.Frame) *models.FloatImage {
	f.SetSize(frame.Width, frame.Height)
	w, h := f.width, f.height

	for y := 0; y < h; y++ {
		row := frame.Pix[y*frame.Stride : y*frame.Stride+w]
		for x, v := range row {
			f.input[y*w+x] = float64(v)
		}
	}
	f.mean, f.variance = stat.PopMeanVariance(f.input, nil)

	// V1 = g1 * I
	convolveRows(f.tmp, f.input, w, h, 1)
	convolveCols(f.v1, f.tmp, w, h, 1)
	// V2 = g2 * V1
	convolveRows(f.tmp, f.v1, w, h, 2)
	convolveCols(f.v2, f.tmp, w, h, 2)

	for i := range f.result.Pix {
		f.result.Pix[i] = float32(f.v1[i] - f.v2[i])
	}
	return f.result
}

// Mean returns the pixel mean of the last filtered frame.
func (f *Filter) Mean() float64 { return f.mean }

// Variance returns the population variance of the last filtered frame.
func (f *Filter) Variance() float64 { return f.variance }

// StdDev returns the population standard deviation of the last filtered frame.
func (f *Filter) StdDev() float64 { return math.Sqrt(f.variance) }

// Threshold returns factor times the standard deviation of the last frame,
// the detection threshold used on the filtered image.
func (f *Filter) Threshold(factor float64) float32 {
	return float32(factor * f.StdDev())
}

// convolveRows applies g1 dilated by step along each row.
func convolveRows(dst, src []float64, w, h, step int) {
	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		out := dst[y*w : (y+1)*w]
		for x := range out {
			s := 0.0
			for k, g := range g1 {
				s += g * row[reflect(x+(k-2)*step, w)]
			}
			out[x] = s
		}
	}
}

// convolveCols applies g1 dilated by step along each column.
func convolveCols(dst, src []float64, w, h, step int) {
	for y := 0; y < h; y++ {
		out := dst[y*w : (y+1)*w]
		for x := range out {
			out[x] = 0
		}
		for k, g := range g1 {
			row := src[reflect(y+(k-2)*step, h)*w:]
			for x := range out {
				out[x] += g * row[x]
			}
		}
	}
}

// reflect mirrors i into [0, n) without repeating the edge sample.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
