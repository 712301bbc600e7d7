// Package fitter refines candidate emitters with Gauss-Newton iterations
// against a lookup volume of PSF templates.
package fitter

import (
	"math"
	"sync/atomic"

	"lutstorm/internal/models"
	"lutstorm/pkg/linalg"
	"lutstorm/pkg/lut"
)

// Status is the outcome of a single fit.
type Status int

const (
	// Converged means the fit passed the acceptance gate and lies on the grid.
	Converged Status = iota

	// NotConverged means no step improved the residual or the linear solve failed.
	NotConverged

	// OutOfDomain means the position left the lookup volume.
	OutOfDomain

	// Rejected means the fit converged to implausible parameters.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case NotConverged:
		return "not converged"
	case OutOfDomain:
		return "out of domain"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

const params = 5

// Default iteration settings.
const (
	DefaultEpsilon = 1e-2
	DefaultMaxIter = 5
)

// Limits is the post-fit acceptance gate.
type Limits struct {
	// MaxBackground is the largest plausible background in ADU
	MaxBackground float64 `yaml:"maxBackground"`

	// MaxPeak is the largest plausible amplitude in ADU
	MaxPeak float64 `yaml:"maxPeak"`

	// NoMoveEpsilon is the relative tolerance below which x or y count as
	// not having moved off the window centre
	NoMoveEpsilon float64 `yaml:"noMoveEpsilon"`
}

// DefaultLimits returns the gate used by the controller.
func DefaultLimits() Limits {
	return Limits{
		MaxBackground: 13000,
		MaxPeak:       65536,
		NoMoveEpsilon: 1e-12,
	}
}

// Fitter holds the scratch state of one Gauss-Newton fit. A Fitter is not
// reentrant: run at most one Fit per instance at a time. Epsilon and MaxIter
// may be changed concurrently with fitting.
type Fitter struct {
	volume *lut.Volume
	limits Limits

	epsilon atomic.Uint64 // float64 bits
	maxIter atomic.Int64

	pixels int
	roi    []float64
	jac    []float64
	jtj    [params * params]float64
	step   [params]float64
}

// New creates a fitter for the given volume.
func New(v *lut.Volume) *Fitter {
	n := v.WindowSize() * v.WindowSize()
	f := &Fitter{
		volume: v,
		limits: DefaultLimits(),
		pixels: n,
		roi:    make([]float64, n),
		jac:    make([]float64, n*params),
	}
	f.SetEpsilon(DefaultEpsilon)
	f.SetMaxIter(DefaultMaxIter)
	return f
}

// Volume returns the lookup volume the fitter samples.
func (f *Fitter) Volume() *lut.Volume { return f.volume }

// WindowSize returns the edge length of the fit window.
func (f *Fitter) WindowSize() int { return f.volume.WindowSize() }

// SetEpsilon sets the minimum sum-of-squares improvement for accepting a step.
func (f *Fitter) SetEpsilon(eps float64) { f.epsilon.Store(math.Float64bits(eps)) }

// Epsilon returns the minimum accepted improvement.
func (f *Fitter) Epsilon() float64 { return math.Float64frombits(f.epsilon.Load()) }

// SetMaxIter sets the iteration limit.
func (f *Fitter) SetMaxIter(n int) { f.maxIter.Store(int64(n)) }

// MaxIter returns the iteration limit.
func (f *Fitter) MaxIter() int { return int(f.maxIter.Load()) }

// SetLimits replaces the acceptance gate. It must not be called during Fit.
func (f *Fitter) SetLimits(l Limits) { f.limits = l }

// Limits returns the acceptance gate.
func (f *Fitter) Limits() Limits { return f.limits }

// Fit refines m against the window roi, which must be WindowSize pixels
// square. m.Background and m.Peak are the initial guesses; the position
// starts at the window centre and z = 0. On success m holds the fitted
// parameters in window coordinates, snapped to the lookup grid. m is left
// untouched otherwise.
func (f *Fitter) Fit(roi *models.Frame, m *models.Molecule) Status {
	ws := f.volume.WindowSize()
	if roi.Width != ws || roi.Height != ws {
		return OutOfDomain
	}
	for y := 0; y < ws; y++ {
		for x := 0; x < ws; x++ {
			f.roi[y*ws+x] = float64(roi.At(x, y))
		}
	}

	start := float64(ws / 2)
	var x0 [params]float64
	x0[0], x0[1], x0[2], x0[3], x0[4] = m.Background, m.Peak, start, start, 0

	n := f.pixels
	maxIter := f.MaxIter()
	eps := f.Epsilon()
	outOfDomain := false

	iter := 0
	for ; iter < maxIter; iter++ {
		tpl, err := f.volume.Sample(x0[2], x0[3], x0[4])
		if err != nil {
			outOfDomain = true
			break
		}

		bg, peak := x0[0], x0[1]
		for i := range f.step {
			f.step[i] = 0
		}
		ssq0 := 0.0
		for i := 0; i < n; i++ {
			t := tpl[i*lut.Channels : i*lut.Channels+lut.Channels]
			e := t[0]
			dx, dy, dz := peak*t[1], peak*t[2], peak*t[3]
			row := f.jac[i*params : i*params+params]
			row[0], row[1], row[2], row[3], row[4] = 1, e, dx, dy, dz

			r := bg + peak*e - f.roi[i]
			ssq0 += r * r
			f.step[0] += r
			f.step[1] += r * e
			f.step[2] += r * dx
			f.step[3] += r * dy
			f.step[4] += r * dz
		}

		linalg.Syrk(n, params, f.jac, params, f.jtj[:], params)
		if err := linalg.SymSolve(params, f.jtj[:], params, f.step[:]); err != nil {
			break
		}

		xNew := x0[2] - f.step[2]
		yNew := x0[3] - f.step[3]
		zNew := x0[4] - f.step[4]
		tpl, err = f.volume.Sample(xNew, yNew, zNew)
		if err != nil {
			outOfDomain = true
			break
		}

		// Only the spatial sample is refreshed; background and peak take
		// their step unconditionally before the residual is re-evaluated.
		bg -= f.step[0]
		peak -= f.step[1]
		ssq1 := 0.0
		for i := 0; i < n; i++ {
			r := bg + peak*tpl[i*lut.Channels] - f.roi[i]
			ssq1 += r * r
		}

		if ssq1 < ssq0 && ssq0-ssq1 > eps {
			for i := range x0 {
				x0[i] -= f.step[i]
			}
			outOfDomain = false
		} else {
			break
		}
	}

	if iter == 0 {
		if outOfDomain {
			return OutOfDomain
		}
		return NotConverged
	}

	l := &f.limits
	if x0[0] < 0 || x0[1] < 0 || x0[0] > l.MaxBackground || x0[1] > l.MaxPeak ||
		unmoved(x0[2], start, l.NoMoveEpsilon) || unmoved(x0[3], start, l.NoMoveEpsilon) || x0[4] == 0 {
		return Rejected
	}

	x, y, z := f.volume.Snap(x0[2], x0[3], x0[4])
	if !f.volume.IsValid(x, y, z) {
		return OutOfDomain
	}

	m.Background = x0[0]
	m.Peak = x0[1]
	m.X, m.Y, m.Z = x, y, z
	m.FitX, m.FitY = x, y
	return Converged
}

// unmoved reports whether a and b are equal within relative tolerance eps.
func unmoved(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps*math.Min(math.Abs(a), math.Abs(b))
}
