// Package precision converts fitted emitters to photon counts and computes
// the Cramér-Rao lower bound of their parameters under Poisson noise.
package precision

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"lutstorm/internal/models"
	"lutstorm/pkg/linalg"
	"lutstorm/pkg/lut"
)

var (
	// ErrNotReady is returned when no lookup volume is installed.
	ErrNotReady = errors.New("precision: no lookup volume")

	// ErrInvalidAcquisition is returned for non-positive conversion constants.
	ErrInvalidAcquisition = errors.New("precision: invalid acquisition constants")
)

// minExpected floors the expected photon count per pixel so that the
// Fisher information stays finite in empty pixels.
const minExpected = 1e-6

// Acquisition holds the camera constants needed to convert ADU to photons.
type Acquisition struct {
	// ADU is the photon conversion factor in photons per ADU
	ADU float64 `yaml:"adu"`

	// Gain is the EM gain
	Gain float64 `yaml:"gain"`

	// Baseline is the camera offset in ADU
	Baseline float64 `yaml:"baseline"`

	// PixelSize is the back-projected pixel size in nm
	PixelSize float64 `yaml:"pixelSize"`
}

// Validate checks that the constants can be used for conversion.
func (a Acquisition) Validate() error {
	if a.ADU <= 0 || a.Gain <= 0 || a.PixelSize <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidAcquisition, a)
	}
	return nil
}

// scale returns photons per ADU after gain.
func (a Acquisition) scale() float64 { return a.ADU / a.Gain }

// BackgroundPhotons returns the mean background per pixel in photons.
func BackgroundPhotons(m models.Molecule, a Acquisition) float64 {
	return math.Max(0, (m.Background-a.Baseline)*a.scale())
}

// Estimator evaluates photon counts and precision bounds against a volume.
// It only reads the volume and is safe for concurrent use.
type Estimator struct {
	volume *lut.Volume
}

// New creates an estimator. A nil volume yields ErrNotReady on every call.
func New(v *lut.Volume) *Estimator {
	return &Estimator{volume: v}
}

func (e *Estimator) sample(m models.Molecule) ([]float64, error) {
	if e.volume == nil {
		return nil, ErrNotReady
	}
	return e.volume.Sample(m.FitX, m.FitY, m.Z)
}

// Photons returns the number of photons emitted by m: its peak times the
// integrated template, converted from ADU.
func (e *Estimator) Photons(m models.Molecule, a Acquisition) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	tpl, err := e.sample(m)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i := 0; i < len(tpl); i += lut.Channels {
		sum += tpl[i]
	}
	return m.Peak * sum * a.scale(), nil
}

// CRLB returns the lower bounds of the standard errors of background and
// peak (ADU) and of x, y (nm) and z (volume units) for m.
func (e *Estimator) CRLB(m models.Molecule, a Acquisition) ([5]float64, error) {
	var out [5]float64
	if err := a.Validate(); err != nil {
		return out, err
	}
	tpl, err := e.sample(m)
	if err != nil {
		return out, err
	}

	s := a.scale()
	bg := (m.Background - a.Baseline) * s
	fisher := mat.NewSymDense(5, nil)
	grad := mat.NewVecDense(5, nil)
	for i := 0; i < len(tpl); i += lut.Channels {
		val, dx, dy, dz := tpl[i], tpl[i+1], tpl[i+2], tpl[i+3]
		mu := math.Max(bg+m.Peak*s*val, minExpected)

		grad.SetVec(0, s)
		grad.SetVec(1, s*val)
		grad.SetVec(2, m.Peak*s*dx/a.PixelSize)
		grad.SetVec(3, m.Peak*s*dy/a.PixelSize)
		grad.SetVec(4, m.Peak*s*dz)
		fisher.SymRankOne(fisher, 1/mu, grad)
	}

	dense := make([]float64, 25)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			dense[i*5+j] = fisher.At(i, j)
		}
	}
	if err := linalg.Invert(5, dense, 5); err != nil {
		return out, fmt.Errorf("failed to invert Fisher information: %w", err)
	}
	for i := range out {
		out[i] = math.Sqrt(dense[i*5+i])
	}
	return out, nil
}
