// Package threshold estimates a detection threshold from the peak values of
// fit attempts with the minimum error criterion of Kittler and Illingworth,
// as used by Tang et al., "Automatic Bayesian single molecule identification
// for localization microscopy", Sci. Rep. 6 (2016).
package threshold

import (
	"math"
	"sync"
)

const (
	// MaxIntensity caps the histogram range in ADU.
	MaxIntensity = 65536

	// BinWidth is the histogram bucket width in ADU.
	BinWidth = 2.0

	bins = MaxIntensity / int(BinWidth)
)

// Auto accumulates a histogram of peak values and splits it into a
// background and a signal class. It is safe for concurrent use.
type Auto struct {
	mu    sync.Mutex
	hist  []uint32
	min   float64
	max   float64
	count int
}

// New creates an empty estimator.
func New() *Auto {
	a := &Auto{hist: make([]uint32, bins)}
	a.reset()
	return a
}

// Add records one peak value. Values outside (0, MaxIntensity) are ignored.
func (a *Auto) Add(peak float64) {
	if !(peak > 0) || peak >= MaxIntensity {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.min = math.Min(a.min, peak)
	a.max = math.Max(a.max, peak)
	a.hist[binOf(peak)]++
	a.count++
}

// Count returns the number of recorded values.
func (a *Auto) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Reset clears the histogram.
func (a *Auto) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *Auto) reset() {
	clear(a.hist)
	a.min = MaxIntensity
	a.max = 0
	a.count = 0
}

func binOf(v float64) int {
	return min(int(math.Floor(v/BinWidth)), bins-1)
}

// Threshold returns the split in ADU minimizing
//
//	J(T) = 1 + Pb·ln(var_b) + Ps·ln(var_s) - 2·(Pb·ln(Pb) + Ps·ln(Ps))
//
// where Pb, Ps are the class probabilities and var_b, var_s the class
// variances in bins. The split after relative bin T is reported as the
// smallest recorded peak plus T bin widths, so it lies within one bin of the
// largest background value. It returns 0 when no split leaves both classes
// with a positive variance.
func (a *Auto) Threshold() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}

	lo, hi := binOf(a.min), binOf(a.max)
	hist := a.hist[lo : hi+1]

	var total, sum, sumSq float64
	occupied := 0
	for i, h := range hist {
		if h == 0 {
			continue
		}
		v := float64(i + 1)
		total += float64(h)
		sum += float64(h) * v
		sumSq += float64(h) * v * v
		occupied++
	}

	var nb, sb, qb float64
	occupiedB := 0
	best, bestJ := 0.0, math.Inf(1)
	for t := 0; t < len(hist)-1; t++ {
		h := float64(hist[t])
		v := float64(t + 1)
		nb += h
		sb += h * v
		qb += h * v * v
		if h > 0 {
			occupiedB++
		}

		// a class needs two distinct values for a positive variance
		if occupiedB < 2 || occupied-occupiedB < 2 {
			continue
		}
		ns := total - nb
		meanB := sb / nb
		meanS := (sum - sb) / ns
		varB := qb/nb - meanB*meanB
		varS := (sumSq-qb)/ns - meanS*meanS
		if varB <= 0 || varS <= 0 {
			continue
		}

		pb, ps := nb/total, ns/total
		j := 1 + pb*math.Log(varB) + ps*math.Log(varS) - 2*(pb*math.Log(pb)+ps*math.Log(ps))
		if j < bestJ {
			bestJ = j
			best = a.min + float64(t)*BinWidth
		}
	}
	return best
}
