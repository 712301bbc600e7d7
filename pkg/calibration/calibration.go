// Package calibration reads astigmatism calibrations and turns them into PSF
// width models for lookup volume synthesis.
//
// A calibration is a loosely structured text: a "!!type" header followed by
// "key: value" pairs. The widths of the PSF along the two astigmatic axes are
// given as a knot sequence knot0x, knot0y, knot0z, knot1x, ... with x and y in
// µm and z in nm. Natural cubic splines through the knots model σx(z) and
// σy(z).
package calibration

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/optimize"

	"lutstorm/pkg/lut"
)

var (
	// ErrInvalidHeader is returned when the "!!type" header is missing.
	ErrInvalidHeader = errors.New("calibration: invalid header")

	// ErrNoKnots is returned when fewer than three complete knots are given.
	ErrNoKnots = errors.New("calibration: not enough knots")

	// ErrNoAngle is returned when neither angle nor theta is given.
	ErrNoAngle = errors.New("calibration: angle theta is not defined")
)

var (
	headerRe = regexp.MustCompile(`!!([\w.]+)\s*`)
	paramRe  = regexp.MustCompile(`(\w*):\s*(-*[0-9+][.\w]*[-\w]*)`)
)

// focusSamples is the number of grid points scanned before refining the
// focal plane.
const focusSamples = 256

// Knot is one calibration point: the PSF widths in pixels at axial position Z.
type Knot struct {
	X, Y, Z float64
}

// Calibration is a parsed astigmatism calibration. It implements lut.Model.
type Calibration struct {
	// Type is the name given in the header
	Type string

	// Params holds every numeric key of the description
	Params map[string]float64

	Knots []Knot

	// Theta is the rotation of the astigmatic axes in radians
	Theta float64

	// PixelSize is the back-projected pixel size in µm
	PixelSize float64

	// FocalPlane is the axial position where both widths are equal. Widths
	// are evaluated relative to it.
	FocalPlane float64

	sx, sy interp.NaturalCubic
}

// Load reads and parses a calibration file.
func Load(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return c, nil
}

// Parse parses a calibration description, fits the width splines and
// determines the focal plane unless focalPlane is given.
func Parse(data string) (*Calibration, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty description", ErrInvalidHeader)
	}
	m := headerRe.FindStringSubmatch(data)
	if m == nil {
		return nil, ErrInvalidHeader
	}

	c := &Calibration{Type: m[1], Params: make(map[string]float64), PixelSize: 1}
	for _, match := range paramRe.FindAllStringSubmatch(data, -1) {
		if match[1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			continue
		}
		if _, ok := c.Params[match[1]]; !ok {
			c.Params[match[1]] = v
		}
	}

	if err := c.parseParameters(); err != nil {
		return nil, err
	}
	if err := c.fitSplines(); err != nil {
		return nil, err
	}

	if fp, ok := c.Params["focalPlane"]; ok {
		c.FocalPlane = fp
	} else {
		c.FocalPlane = c.findFocalPlane()
	}
	return c, nil
}

func (c *Calibration) parseParameters() error {
	if ps, ok := c.Params["pixelSize"]; ok {
		if !(ps > 0) {
			return fmt.Errorf("calibration: invalid pixel size %g", ps)
		}
		c.PixelSize = ps / 1000
	}

	for i := 0; ; i++ {
		name := "knot" + strconv.Itoa(i)
		x, okx := c.Params[name+"x"]
		y, oky := c.Params[name+"y"]
		z, okz := c.Params[name+"z"]
		if !okx || !oky || !okz {
			break
		}
		c.Knots = append(c.Knots, Knot{X: x / c.PixelSize, Y: y / c.PixelSize, Z: z})
	}
	if len(c.Knots) < 3 {
		return fmt.Errorf("%w: got %d", ErrNoKnots, len(c.Knots))
	}
	for i := 1; i < len(c.Knots); i++ {
		if !(c.Knots[i].Z > c.Knots[i-1].Z) {
			return fmt.Errorf("%w: knot z values must increase, knot %d", ErrNoKnots, i)
		}
	}

	if a, ok := c.Params["angle"]; ok {
		c.Theta = a
	} else if th, ok := c.Params["theta"]; ok {
		c.Theta = th
	} else {
		return ErrNoAngle
	}
	return nil
}

func (c *Calibration) fitSplines() error {
	zs := make([]float64, len(c.Knots))
	xs := make([]float64, len(c.Knots))
	ys := make([]float64, len(c.Knots))
	for i, k := range c.Knots {
		zs[i], xs[i], ys[i] = k.Z, k.X, k.Y
	}
	if err := c.sx.Fit(zs, xs); err != nil {
		return fmt.Errorf("failed to fit x width spline: %w", err)
	}
	if err := c.sy.Fit(zs, ys); err != nil {
		return fmt.Errorf("failed to fit y width spline: %w", err)
	}
	return nil
}

// findFocalPlane minimizes |σx(z) - σy(z)| over the knot range: a grid scan
// picks the start of a Nelder-Mead refinement.
func (c *Calibration) findFocalPlane() float64 {
	lo, hi := c.MinZ(), c.MaxZ()
	diff := func(z float64) float64 {
		sx, sy := c.Value(z)
		return math.Abs(sx - sy)
	}

	step := (hi - lo) / (focusSamples - 1)
	best, bestF := lo, diff(lo)
	for i := 1; i < focusSamples; i++ {
		z := lo + float64(i)*step
		if f := diff(z); f < bestF {
			best, bestF = z, f
		}
	}

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			z := x[0]
			if z < lo || z > hi {
				return bestF + math.Abs(z-math.Max(lo, math.Min(hi, z)))
			}
			return diff(z)
		},
	}
	res, err := optimize.Minimize(p, []float64{best}, nil, &optimize.NelderMead{SimplexSize: step})
	if err != nil || res == nil || res.F >= bestF {
		return best
	}
	return math.Max(lo, math.Min(hi, res.X[0]))
}

// MinZ returns the axial position of the first knot.
func (c *Calibration) MinZ() float64 { return c.Knots[0].Z }

// MaxZ returns the axial position of the last knot.
func (c *Calibration) MaxZ() float64 { return c.Knots[len(c.Knots)-1].Z }

// Value returns the spline widths at absolute axial position z.
func (c *Calibration) Value(z float64) (sx, sy float64) {
	return c.sx.Predict(z), c.sy.Predict(z)
}

// Derivative returns the derivatives of the spline widths at absolute axial
// position z.
func (c *Calibration) Derivative(z float64) (dsx, dsy float64) {
	return c.sx.PredictDerivative(z), c.sy.PredictDerivative(z)
}

// Widths implements lut.Model with z relative to the focal plane.
func (c *Calibration) Widths(z float64) (sx, sy, dsx, dsy float64) {
	z += c.FocalPlane
	sx, sy = c.Value(z)
	dsx, dsy = c.Derivative(z)
	return sx, sy, dsx, dsy
}

// Angle implements lut.Model.
func (c *Calibration) Angle() float64 { return c.Theta }

// Generate synthesizes a lookup volume from the calibration.
func (c *Calibration) Generate(p lut.Params) (*lut.Volume, error) {
	g, err := p.Geometry()
	if err != nil {
		return nil, err
	}
	if g.MinAx+c.FocalPlane < c.MinZ() || g.MaxAx+c.FocalPlane > c.MaxZ() {
		return nil, fmt.Errorf("%w: axial range [%g, %g] around focal plane %g exceeds calibration [%g, %g]",
			lut.ErrOutOfRange, g.MinAx, g.MaxAx, c.FocalPlane, c.MinZ(), c.MaxZ())
	}
	return lut.Generate(p, c)
}
