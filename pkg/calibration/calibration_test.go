package calibration

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lutstorm/pkg/lut"
)

var model = lut.Defocus{Sigma0: 1.3, C: 250, D: 400, Theta: 0.1}

// description writes the widths of model as knots every 50 nm over
// [-800, 800] with 100 nm pixels, followed by extra lines.
func description(extra ...string) string {
	var b strings.Builder
	b.WriteString("!!ch.epfl.bio.Calibration\n")
	b.WriteString("pixelSize: 100\n")
	for i := 0; i <= 32; i++ {
		z := -800 + 50*float64(i)
		sx, sy, _, _ := model.Widths(z)
		fmt.Fprintf(&b, "knot%dx: %.12g\nknot%dy: %.12g\nknot%dz: %g\n", i, sx*0.1, i, sy*0.1, i, z)
	}
	for _, l := range extra {
		b.WriteString(l + "\n")
	}
	return b.String()
}

func TestParse(t *testing.T) {
	c, err := Parse(description("angle: 0.1", "theta: 0.5"))
	require.NoError(t, err)

	assert.Equal(t, "ch.epfl.bio.Calibration", c.Type)
	assert.Equal(t, 0.1, c.Theta, "angle takes precedence over theta")
	assert.InDelta(t, 0.1, c.PixelSize, 1e-12)
	require.Len(t, c.Knots, 33)
	assert.Equal(t, -800.0, c.MinZ())
	assert.Equal(t, 800.0, c.MaxZ())

	sx, sy, _, _ := model.Widths(-800)
	assert.InDelta(t, sx, c.Knots[0].X, 1e-4, "knots are converted to pixels")
	assert.InDelta(t, sy, c.Knots[0].Y, 1e-4)
}

func TestThetaFallback(t *testing.T) {
	c, err := Parse(description("theta: 0.5"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, c.Theta)
	assert.Equal(t, 0.5, c.Angle())
}

func TestFocalPlane(t *testing.T) {
	c, err := Parse(description("angle: 0.1"))
	require.NoError(t, err)
	// the widths of the model cross at z = 0
	assert.InDelta(t, 0, c.FocalPlane, 5)

	c, err = Parse(description("angle: 0.1", "focalPlane: 30"))
	require.NoError(t, err)
	assert.Equal(t, 30.0, c.FocalPlane)
}

func TestWidthsFollowModel(t *testing.T) {
	c, err := Parse(description("angle: 0.1", "focalPlane: 0"))
	require.NoError(t, err)

	for _, z := range []float64{-400, -120, 0, 75, 100, 390} {
		sx, sy, dsx, dsy := c.Widths(z)
		wx, wy, wdx, wdy := model.Widths(z)
		assert.InDelta(t, wx, sx, 1e-4, "sx at %g", z)
		assert.InDelta(t, wy, sy, 1e-4, "sy at %g", z)
		assert.InDelta(t, wdx, dsx, 1e-5, "dsx at %g", z)
		assert.InDelta(t, wdy, dsy, 1e-5, "dsy at %g", z)
	}

	// widths are evaluated relative to the focal plane
	shifted, err := Parse(description("angle: 0.1", "focalPlane: 100"))
	require.NoError(t, err)
	a, _, _, _ := shifted.Widths(0)
	b, _ := c.Value(100)
	assert.InDelta(t, b, a, 1e-12)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", "", ErrInvalidHeader},
		{"no header", "angle: 0.1\nknot0x: 1\n", ErrInvalidHeader},
		{"no knots", "!!Calibration\nangle: 0.1\n", ErrNoKnots},
		{"two knots", "!!Calibration\nangle: 0.1\nknot0x: 1\nknot0y: 1\nknot0z: 0\nknot1x: 1\nknot1y: 1\nknot1z: 10\n", ErrNoKnots},
		{"unordered knots", "!!Calibration\nangle: 0.1\nknot0x: 1\nknot0y: 1\nknot0z: 0\nknot1x: 1\nknot1y: 1\nknot1z: 20\nknot2x: 1\nknot2y: 1\nknot2z: 10\n", ErrNoKnots},
		{"no angle", description(), ErrNoAngle},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGenerateMatchesModel(t *testing.T) {
	c, err := Parse(description("angle: 0.1", "focalPlane: 0"))
	require.NoError(t, err)

	p := lut.Params{WindowSize: 9, DLat: 0.5, DAx: 100, RangeLat: 3, RangeAx: 800}
	got, err := c.Generate(p)
	require.NoError(t, err)
	want, err := lut.Generate(p, model)
	require.NoError(t, err)

	require.Equal(t, len(want.Data()), len(got.Data()))
	maxDiff := 0.0
	for i := range want.Data() {
		maxDiff = math.Max(maxDiff, math.Abs(want.Data()[i]-got.Data()[i]))
	}
	assert.Less(t, maxDiff, 1e-3)

	p.RangeAx = 1800
	_, err = c.Generate(p)
	assert.ErrorIs(t, err, lut.ErrOutOfRange)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	require.NoError(t, os.WriteFile(path, []byte(description("angle: 0.1")), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Knots, 33)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
