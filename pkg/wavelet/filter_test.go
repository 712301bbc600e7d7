package wavelet

import (
	"math"
	"testing"

	"lutstorm/internal/models"
)

func TestReflect(t *testing.T) {
	tests := []struct {
		i, n, want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{-1, 5, 1},
		{-4, 5, 4},
		{5, 5, 3},
		{8, 5, 0},
		{-4, 3, 0},
		{7, 1, 0},
	}
	for _, tc := range tests {
		if got := reflect(tc.i, tc.n); got != tc.want {
			t.Errorf("reflect(%d, %d) = %d, expected %d", tc.i, tc.n, got, tc.want)
		}
	}
}

func TestConstantFrameVanishes(t *testing.T) {
	frame := models.NewFrame(20, 15)
	for i := range frame.Pix {
		frame.Pix[i] = 321
	}
	f := New(20, 15)
	out := f.Apply(frame)
	for i, v := range out.Pix {
		if v != 0 {
			t.Fatalf("Expected zero response at %d, got %g", i, v)
		}
	}
	if f.Mean() != 321 {
		t.Errorf("Expected mean 321, got %g", f.Mean())
	}
	if f.Variance() != 0 || f.StdDev() != 0 {
		t.Errorf("Expected zero variance, got %g", f.Variance())
	}
}

// TestLinearRampVanishes checks that the symmetric kernels preserve linear
// trends, so a tilted background is removed away from the reflected border.
func TestLinearRampVanishes(t *testing.T) {
	const w, h = 32, 24
	frame := models.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			frame.Set(x, y, uint16(100+10*x+3*y))
		}
	}
	out := New(w, h).Apply(frame)
	for y := 6; y < h-6; y++ {
		for x := 6; x < w-6; x++ {
			if v := out.At(x, y); math.Abs(float64(v)) > 1e-3 {
				t.Errorf("Expected ramp to vanish at (%d,%d), got %g", x, y, v)
			}
		}
	}
}

// TestImpulseResponse pins the cascade V2 = g2 * V1. At the impulse V1 is
// A·(6/16)² and V2 is A·(44/256)², with 44/256 = 2·(4/16)(1/16) + (6/16)².
func TestImpulseResponse(t *testing.T) {
	const a = 1000
	frame := models.NewFrame(21, 21)
	frame.Set(10, 10, a)
	out := New(21, 21).Apply(frame)

	v1 := a * (6.0 / 16) * (6.0 / 16)
	v2 := a * (44.0 / 256) * (44.0 / 256)
	if got := float64(out.At(10, 10)); math.Abs(got-(v1-v2)) > 1e-3 {
		t.Errorf("Expected %g at the impulse, got %g", v1-v2, got)
	}
	// outside the combined support of g1 and g2 nothing is left
	if got := out.At(0, 0); got != 0 {
		t.Errorf("Expected zero far from the impulse, got %g", got)
	}
}

func TestSpotResponse(t *testing.T) {
	const w, h = 40, 40
	frame := models.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x-17), float64(y-22)
			frame.Set(x, y, uint16(200+2000*math.Exp(-(dx*dx+dy*dy)/(2*1.3*1.3))))
		}
	}

	f := New(w, h)
	out := f.Apply(frame)

	bestX, bestY := 0, 0
	best := float32(math.Inf(-1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if v := out.At(x, y); v > best {
				best, bestX, bestY = v, x, y
			}
		}
	}
	if bestX != 17 || bestY != 22 {
		t.Errorf("Expected filtered maximum at (17,22), got (%d,%d)", bestX, bestY)
	}
	if best <= 0 {
		t.Errorf("Expected positive response at the spot, got %g", best)
	}
	if v := out.At(2, 2); math.Abs(float64(v)) > 1 {
		t.Errorf("Expected flat background to be suppressed, got %g", v)
	}
	if th := f.Threshold(2); th <= 0 || float64(th) != float64(float32(2*f.StdDev())) {
		t.Errorf("Unexpected threshold %g for SD %g", th, f.StdDev())
	}
}

func TestStatistics(t *testing.T) {
	frame := models.NewFrame(4, 4)
	for i := range frame.Pix {
		frame.Pix[i] = uint16(2 * (i % 2))
	}
	f := New(4, 4)
	f.Apply(frame)
	if f.Mean() != 1 {
		t.Errorf("Expected mean 1, got %g", f.Mean())
	}
	if math.Abs(f.Variance()-1) > 1e-12 {
		t.Errorf("Expected population variance 1, got %g", f.Variance())
	}
}

func TestResizeOnApply(t *testing.T) {
	f := New(8, 8)
	frame := models.NewFrame(16, 12)
	out := f.Apply(frame)
	if out.Width != 16 || out.Height != 12 {
		t.Errorf("Expected 16x12 output, got %dx%d", out.Width, out.Height)
	}

	// sub-frame views with a wider stride are read row by row
	parent := models.NewFrame(30, 30)
	parent.Set(12, 12, 1000)
	sub := parent.SubFrame(models.Rect{X: 5, Y: 5, W: 16, H: 12})
	out = f.Apply(sub)
	if out.At(7, 7) <= 0 {
		t.Errorf("Expected positive response at the bright pixel, got %g", out.At(7, 7))
	}
}
