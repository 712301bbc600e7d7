package precision

import (
	"errors"
	"math"
	"testing"

	"lutstorm/internal/models"
	"lutstorm/pkg/lut"
)

func testVolume(t *testing.T) *lut.Volume {
	t.Helper()
	v, err := lut.Generate(
		lut.Params{WindowSize: 9, DLat: 0.25, DAx: 50, RangeLat: 3, RangeAx: 600},
		lut.Defocus{Sigma0: 1.3, C: 250, D: 400, Theta: 0.1},
	)
	if err != nil {
		t.Fatalf("failed to generate lookup volume: %v", err)
	}
	return v
}

func acquisition() Acquisition {
	return Acquisition{ADU: 0.5, Gain: 10, Baseline: 100, PixelSize: 110}
}

func molecule(peak float64) models.Molecule {
	return models.Molecule{Background: 300, Peak: peak, X: 14.5, Y: 20.25, Z: 100, FitX: 4.5, FitY: 4.25}
}

func TestNotReady(t *testing.T) {
	e := New(nil)
	if _, err := e.Photons(molecule(1000), acquisition()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady from Photons, got %v", err)
	}
	if _, err := e.CRLB(molecule(1000), acquisition()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady from CRLB, got %v", err)
	}
}

func TestInvalidAcquisition(t *testing.T) {
	e := New(testVolume(t))
	for _, a := range []Acquisition{
		{ADU: 0, Gain: 1, PixelSize: 100},
		{ADU: 1, Gain: 0, PixelSize: 100},
		{ADU: 1, Gain: 1, PixelSize: 0},
	} {
		if _, err := e.CRLB(molecule(1000), a); !errors.Is(err, ErrInvalidAcquisition) {
			t.Errorf("%+v: expected ErrInvalidAcquisition, got %v", a, err)
		}
	}
}

func TestPhotons(t *testing.T) {
	v := testVolume(t)
	e := New(v)
	m := molecule(2000)

	tpl, err := v.Sample(m.FitX, m.FitY, m.Z)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for i := 0; i < len(tpl); i += lut.Channels {
		sum += tpl[i]
	}

	got, err := e.Photons(m, acquisition())
	if err != nil {
		t.Fatalf("Photons failed: %v", err)
	}
	want := 2000 * sum * 0.05
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %g photons, got %g", want, got)
	}
}

func TestBackgroundPhotons(t *testing.T) {
	a := acquisition()
	if got := BackgroundPhotons(models.Molecule{Background: 300}, a); math.Abs(got-10) > 1e-12 {
		t.Errorf("Expected 10 background photons, got %g", got)
	}
	if got := BackgroundPhotons(models.Molecule{Background: 50}, a); got != 0 {
		t.Errorf("Expected background below baseline to clamp to 0, got %g", got)
	}
}

func TestCRLB(t *testing.T) {
	e := New(testVolume(t))
	a := acquisition()

	dim, err := e.CRLB(molecule(500), a)
	if err != nil {
		t.Fatalf("CRLB failed: %v", err)
	}
	bright, err := e.CRLB(molecule(20000), a)
	if err != nil {
		t.Fatalf("CRLB failed: %v", err)
	}

	for i := range bright {
		if !(bright[i] > 0) || math.IsInf(bright[i], 0) {
			t.Errorf("Bound %d must be positive and finite, got %g", i, bright[i])
		}
	}
	for i := 2; i < 5; i++ {
		if bright[i] >= dim[i] {
			t.Errorf("Bound %d should shrink with intensity: dim %g, bright %g", i, dim[i], bright[i])
		}
	}
	// lateral bounds of a bright emitter are a few nm with 110 nm pixels
	if bright[2] > 20 || bright[3] > 20 {
		t.Errorf("Lateral bounds implausibly large: %g, %g nm", bright[2], bright[3])
	}
}

func TestCRLBOutOfDomain(t *testing.T) {
	e := New(testVolume(t))
	m := molecule(1000)
	m.Z = 1000
	if _, err := e.CRLB(m, acquisition()); !errors.Is(err, lut.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}
