// Package lut holds the lookup volume used as the fitter's forward model: a
// dense table of normalized PSF templates and their spatial derivatives over
// a quantized (x, y, z) grid.
package lut

import (
	"errors"
	"fmt"
	"math"
)

// Channels is the number of values stored per template pixel:
// the PSF value followed by its derivatives along x, y and z.
const Channels = 4

var (
	// ErrSizeMismatch is returned when the template data does not match the grid.
	ErrSizeMismatch = errors.New("lut: data size does not match grid")

	// ErrBorderTooSmall is returned when windowSize - rangeLat leaves less than one pixel of border.
	ErrBorderTooSmall = errors.New("lut: lateral border smaller than one pixel")

	// ErrOutOfRange is returned when a sample position lies outside the grid.
	ErrOutOfRange = errors.New("lut: position out of range")

	// ErrInvalidParams is returned for non-positive steps, ranges or window sizes.
	ErrInvalidParams = errors.New("lut: invalid parameters")
)

const (
	// maxWindowSize bounds the template edge length in pixels.
	maxWindowSize = 1 << 12

	// maxValues bounds the number of float64 values of a volume (16 GiB).
	maxValues = math.MaxInt32
)

// Params describes the grid of a lookup volume.
type Params struct {
	// WindowSize is the edge length of each square template in pixels
	WindowSize int `yaml:"windowSize"`

	// DLat is the lateral step in pixels
	DLat float64 `yaml:"dLat"`

	// DAx is the axial step in nm
	DAx float64 `yaml:"dAx"`

	// RangeLat is the lateral extent covered by templates in pixels
	RangeLat float64 `yaml:"rangeLat"`

	// RangeAx is the axial extent covered by templates in nm
	RangeAx float64 `yaml:"rangeAx"`
}

// Geometry is the derived grid layout of a Params value.
type Geometry struct {
	Border   int
	MinLat   float64
	MaxLat   float64
	MinAx    float64
	MaxAx    float64
	CountLat int
	CountAx  int
}

// Templates returns the number of templates on the grid.
func (g Geometry) Templates() int {
	return g.CountLat * g.CountLat * g.CountAx
}

// Geometry validates p and computes the grid layout.
func (p Params) Geometry() (Geometry, error) {
	if p.WindowSize <= 0 || p.WindowSize > maxWindowSize ||
		!positiveFinite(p.DLat) || !positiveFinite(p.DAx) ||
		!positiveFinite(p.RangeLat) || !positiveFinite(p.RangeAx) {
		return Geometry{}, fmt.Errorf("%w: %+v", ErrInvalidParams, p)
	}
	border := math.Floor((float64(p.WindowSize) - p.RangeLat) / 2)
	if border < 1 {
		return Geometry{}, fmt.Errorf("%w: windowSize %d, rangeLat %g", ErrBorderTooSmall, p.WindowSize, p.RangeLat)
	}

	g := Geometry{
		Border: int(border),
		MinLat: border,
		MaxLat: float64(p.WindowSize) - border,
		MinAx:  -0.5 * p.RangeAx,
		MaxAx:  0.5 * p.RangeAx,
	}
	countLat := math.Floor((g.MaxLat-g.MinLat)/p.DLat + 1)
	countAx := math.Floor(p.RangeAx/p.DAx + 1)
	if !(countLat >= 1 && countLat <= maxValues) || !(countAx >= 1 && countAx <= maxValues) {
		return Geometry{}, fmt.Errorf("%w: grid of %g x %g x %g templates", ErrInvalidParams, countLat, countLat, countAx)
	}
	g.CountLat = int(countLat)
	g.CountAx = int(countAx)
	return g, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// size returns the number of float64 values of the grid, failing when it
// exceeds maxValues.
func (g Geometry) size(stride int) (int, error) {
	n := 1
	for _, f := range []int{g.CountLat, g.CountLat, g.CountAx, stride} {
		if f <= 0 || n > maxValues/f {
			return 0, fmt.Errorf("%w: grid of %dx%dx%d templates of %d values exceeds %d values",
				ErrInvalidParams, g.CountLat, g.CountLat, g.CountAx, stride, maxValues)
		}
		n *= f
	}
	return n, nil
}

// TemplateStride returns the number of float64 values in one template.
func (p Params) TemplateStride() int {
	return p.WindowSize * p.WindowSize * Channels
}

// DataSize returns the number of float64 values a volume with these
// parameters holds.
func (p Params) DataSize() (int, error) {
	g, err := p.Geometry()
	if err != nil {
		return 0, err
	}
	return g.size(p.TemplateStride())
}

// Volume is an immutable lookup volume. It is safe for concurrent reads.
type Volume struct {
	params Params
	geom   Geometry
	stride int
	data   []float64
}

// New wraps data as a lookup volume. The slice is owned by the volume
// afterwards and must not be modified by the caller.
func New(data []float64, p Params) (*Volume, error) {
	g, err := p.Geometry()
	if err != nil {
		return nil, err
	}
	stride := p.TemplateStride()
	want, err := g.size(stride)
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: got %d values, expected %d", ErrSizeMismatch, len(data), want)
	}
	return &Volume{params: p, geom: g, stride: stride, data: data}, nil
}

// Params returns the grid parameters.
func (v *Volume) Params() Params { return v.params }

// Geometry returns the derived grid layout.
func (v *Volume) Geometry() Geometry { return v.geom }

// WindowSize returns the template edge length in pixels.
func (v *Volume) WindowSize() int { return v.params.WindowSize }

// Stride returns the number of values per template.
func (v *Volume) Stride() int { return v.stride }

// Data returns the backing table. Callers must treat it as read-only.
func (v *Volume) Data() []float64 { return v.data }

// MinLat returns the smallest lateral coordinate on the grid.
func (v *Volume) MinLat() float64 { return v.geom.MinLat }

// MaxLat returns the largest lateral coordinate on the grid.
func (v *Volume) MaxLat() float64 { return v.geom.MaxLat }

// MinAx returns the smallest axial coordinate on the grid.
func (v *Volume) MinAx() float64 { return v.geom.MinAx }

// MaxAx returns the largest axial coordinate on the grid.
func (v *Volume) MaxAx() float64 { return v.geom.MaxAx }

// DLat returns the lateral step.
func (v *Volume) DLat() float64 { return v.params.DLat }

// DAx returns the axial step.
func (v *Volume) DAx() float64 { return v.params.DAx }

// IsValid reports whether (x, y, z) lies inside the grid domain.
func (v *Volume) IsValid(x, y, z float64) bool {
	g := &v.geom
	return x >= g.MinLat && x <= g.MaxLat &&
		y >= g.MinLat && y <= g.MaxLat &&
		z >= g.MinAx && z <= g.MaxAx
}

// Index returns the offset of the template nearest to (x, y, z) in Data.
// Templates are ordered z-fastest, then y, then x.
func (v *Volume) Index(x, y, z float64) (int, error) {
	if !v.IsValid(x, y, z) {
		return 0, fmt.Errorf("%w: (%g, %g, %g)", ErrOutOfRange, x, y, z)
	}
	g := &v.geom
	xi := int(math.Round((x - g.MinLat) / v.params.DLat))
	yi := int(math.Round((y - g.MinLat) / v.params.DLat))
	zi := int(math.Round((z - g.MinAx) / v.params.DAx))
	if xi < 0 || yi < 0 || zi < 0 || xi >= g.CountLat || yi >= g.CountLat || zi >= g.CountAx {
		return 0, fmt.Errorf("%w: grid index (%d, %d, %d)", ErrOutOfRange, xi, yi, zi)
	}
	idx := (zi + yi*g.CountAx + xi*g.CountAx*g.CountLat) * v.stride
	if idx+v.stride > len(v.data) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, idx)
	}
	return idx, nil
}

// Sample returns the template nearest to (x, y, z). The returned slice
// aliases the volume and holds WindowSize² pixels of Channels values each.
func (v *Volume) Sample(x, y, z float64) ([]float64, error) {
	idx, err := v.Index(x, y, z)
	if err != nil {
		return nil, err
	}
	return v.data[idx : idx+v.stride : idx+v.stride], nil
}

// Snap moves (x, y, z) to the nearest grid point. Coordinates are clamped
// to the grid, so snapping a valid position always yields a valid one.
func (v *Volume) Snap(x, y, z float64) (float64, float64, float64) {
	g := &v.geom
	return snap(x, g.MinLat, g.MaxLat, v.params.DLat, g.CountLat),
		snap(y, g.MinLat, g.MaxLat, v.params.DLat, g.CountLat),
		snap(z, g.MinAx, g.MaxAx, v.params.DAx, g.CountAx)
}

func snap(v, lo, hi, step float64, count int) float64 {
	i := math.Round((v - lo) / step)
	if i < 0 {
		i = 0
	} else if i > float64(count-1) {
		i = float64(count - 1)
	}
	return math.Min(lo+i*step, hi)
}

// Position returns the grid coordinates of the template at the given grid
// indices. It is the inverse of Index for on-grid points.
func (g Geometry) Position(xi, yi, zi int, p Params) (x, y, z float64) {
	return g.MinLat + float64(xi)*p.DLat,
		g.MinLat + float64(yi)*p.DLat,
		g.MinAx + float64(zi)*p.DAx
}
