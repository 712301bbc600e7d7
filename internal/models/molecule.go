package models

import "time"

// Molecule is a single fitted emitter.
type Molecule struct {
	// Background is the fitted per-pixel offset in ADU
	Background float64

	// Peak is the fitted amplitude above background in ADU
	Peak float64

	// X and Y are in frame pixel coordinates once the controller has
	// applied the ROI offset; the fitter writes window coordinates.
	X float64
	Y float64

	// Z is the axial position in the units of the lookup volume (nm)
	Z float64

	// Frame is the index of the frame this emitter was found in
	Frame int

	// FitX and FitY hold the window coordinates before the ROI offset.
	// The precision estimator re-samples the lookup volume there.
	FitX float64
	FitY float64

	// FitTime is the wall time spent fitting this candidate
	FitTime time.Duration
}

// Candidate is a local maximum reported by the detector.
type Candidate struct {
	// Peak is the raw pixel value at the maximum
	Peak uint16

	// Background is the local background estimate around the maximum
	Background uint16

	X int
	Y int
}
