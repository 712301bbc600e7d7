package render

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Black is the colour of pixels without localizations.
var Black = color.RGBA{A: 0xff}

// ColorMap maps axial positions to colours, from blue at the lower end of the
// range to red at the upper end. Generate caches one entry per axial step so
// that renderers can look colours up by accumulator index.
type ColorMap struct {
	min, max, step float64
	entries        []color.RGBA
}

// NewColorMap creates an uncached colour map over [min, max].
func NewColorMap(min, max float64) *ColorMap {
	return &ColorMap{min: min, max: max}
}

// RGB returns the colour of value dimmed by scale in [0, 1].
func (c *ColorMap) RGB(value, scale float64) color.RGBA {
	t := 0.0
	if c.max > c.min {
		t = (value - c.min) / (c.max - c.min)
	}
	t = math.Max(0, math.Min(1, t))
	scale = math.Max(0, math.Min(1, scale))
	r, g, b := colorful.Hsv(240*(1-t), 1, scale).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// Generate caches floor((max-min)/step)+1 entries.
func (c *ColorMap) Generate(min, max, step, scale float64) {
	c.min, c.max, c.step = min, max, step
	c.entries = nil
	if !(step > 0) || max < min {
		return
	}
	n := int(math.Floor((max-min)/step + 1))
	c.entries = make([]color.RGBA, n)
	for i := range c.entries {
		c.entries[i] = c.RGB(min+float64(i)*step, scale)
	}
}

// Cached reports whether Generate produced a table.
func (c *ColorMap) Cached() bool { return c.step > 0 && len(c.entries) > 0 }

// Len returns the number of cached entries.
func (c *ColorMap) Len() int { return len(c.entries) }

// Min returns the lower end of the range.
func (c *ColorMap) Min() float64 { return c.min }

// Max returns the upper end of the range.
func (c *ColorMap) Max() float64 { return c.max }

// Step returns the cached axial step.
func (c *ColorMap) Step() float64 { return c.step }

// Index returns the cached colour i, clamped to the table.
func (c *ColorMap) Index(i int) color.RGBA {
	if len(c.entries) == 0 {
		return Black
	}
	return c.entries[max(0, min(i, len(c.entries)-1))]
}

// CachedRGB returns the cached colour nearest to value, or Black outside the table.
func (c *ColorMap) CachedRGB(value float64) color.RGBA {
	if !c.Cached() {
		return Black
	}
	i := math.Round((value - c.min) / c.step)
	if i < 0 || int(i) >= len(c.entries) {
		return Black
	}
	return c.entries[int(i)]
}
