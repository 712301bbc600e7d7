package lut

import (
	"math"
	"runtime"
	"sync"
)

// Model describes an astigmatic Gaussian PSF.
type Model interface {
	// Widths returns the PSF widths along the rotated x and y axes at axial
	// position z, in pixels, together with their derivatives with respect to z.
	Widths(z float64) (sx, sy, dsx, dsy float64)

	// Angle returns the rotation of the astigmatic axes in radians.
	Angle() float64
}

// Generate synthesizes a lookup volume from model. Each template pixel holds
// exp(-tx²/2sx² - ty²/2sy²) and its derivatives with respect to the emitter
// position, where (tx, ty) is the pixel offset rotated by the model angle.
func Generate(p Params, model Model) (*Volume, error) {
	g, err := p.Geometry()
	if err != nil {
		return nil, err
	}

	stride := p.TemplateStride()
	size, err := g.size(stride)
	if err != nil {
		return nil, err
	}
	count := g.Templates()
	data := make([]float64, size)

	workers := runtime.NumCPU()
	chunk := (count + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < count; start += chunk {
		end := min(start+chunk, count)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				zi := i % g.CountAx
				yi := (i / g.CountAx) % g.CountLat
				xi := i / (g.CountAx * g.CountLat)
				x0, y0, z0 := g.Position(xi, yi, zi, p)
				fillTemplate(data[i*stride:(i+1)*stride], p.WindowSize, x0, y0, z0, model)
			}
		}(start, end)
	}
	wg.Wait()

	return New(data, p)
}

func fillTemplate(dst []float64, ws int, x0, y0, z0 float64, model Model) {
	sina, cosa := math.Sincos(model.Angle())
	sx, sy, dsx, dsy := model.Widths(z0)
	sx2, sy2 := sx*sx, sy*sy
	sx3, sy3 := sx2*sx, sy2*sy

	idx := 0
	for py := 0; py < ws; py++ {
		y := float64(py) - y0
		for px := 0; px < ws; px++ {
			x := float64(px) - x0
			tx := x*cosa + y*sina
			ty := -x*sina + y*cosa
			e := math.Exp(-0.5*tx*tx/sx2 - 0.5*ty*ty/sy2)

			dst[idx] = e
			dst[idx+1] = (tx*cosa/sx2 - ty*sina/sy2) * e
			dst[idx+2] = (tx*sina/sx2 + ty*cosa/sy2) * e
			dst[idx+3] = (tx*tx*dsx/sx3 + ty*ty*dsy/sy3) * e
			idx += Channels
		}
	}
}

// Defocus is the analytic astigmatic defocus model
// σ(z) = σ0·sqrt(1 + ((z ∓ c)/d)²), with the x focus above and the y focus
// below the focal plane.
type Defocus struct {
	Sigma0 float64 // in-focus width in pixels
	C      float64 // focal offset of each axis in nm
	D      float64 // depth of focus in nm
	Theta  float64 // axis rotation in radians
}

// Widths implements Model.
func (m Defocus) Widths(z float64) (sx, sy, dsx, dsy float64) {
	sx, dsx = m.width(z - m.C)
	sy, dsy = m.width(z + m.C)
	return sx, sy, dsx, dsy
}

func (m Defocus) width(dz float64) (float64, float64) {
	u := dz / m.D
	s := math.Sqrt(1 + u*u)
	return m.Sigma0 * s, m.Sigma0 * u / (m.D * s)
}

// Angle implements Model.
func (m Defocus) Angle() float64 { return m.Theta }
