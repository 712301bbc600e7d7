// Package render accumulates localizations into a depth-coded density image
// and recolours it with a tiled worker pool.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"lutstorm/internal/models"
)

// ErrInvalidSettings is returned for an empty axial range, a non-positive
// step or a non-positive sigma.
var ErrInvalidSettings = errors.New("render: invalid settings")

// Projection selects the plane RenderMolecules projects onto.
type Projection int

const (
	// TopDown keeps the largest z per pixel of the xy plane.
	TopDown Projection = iota
	// BottomUp keeps the smallest z per pixel of the xy plane.
	BottomUp
	// SideXZ projects onto the xz plane, z=0 on the centre row.
	SideXZ
	// SideYZ projects onto the yz plane, z=0 on the centre row.
	SideYZ
)

func (p Projection) String() string {
	switch p {
	case TopDown:
		return "top-down"
	case BottomUp:
		return "bottom-up"
	case SideXZ:
		return "side-xz"
	case SideYZ:
		return "side-yz"
	}
	return fmt.Sprintf("projection(%d)", int(p))
}

// ParseProjection accepts the names returned by Projection.String.
func ParseProjection(s string) (Projection, error) {
	switch s {
	case "top-down", "td", "":
		return TopDown, nil
	case "bottom-up", "bu":
		return BottomUp, nil
	case "side-xz", "xz":
		return SideXZ, nil
	case "side-yz", "yz":
		return SideYZ, nil
	}
	return TopDown, fmt.Errorf("invalid projection: %s (must be top-down, bottom-up, side-xz or side-yz)", s)
}

// Renderer holds an accumulator of axial indices, one per output pixel, and
// the colour image rendered from it. An accumulator value of 0 means empty;
// otherwise it is the 1-based colour map index of the deepest emitter seen.
type Renderer struct {
	mu sync.Mutex

	hist   []uint32
	image  *image.RGBA
	width  int
	height int

	scaleX, scaleY float64
	minZ, dZ       float64
	sigma          float64

	colors, cross, corner ColorMap

	workers int
}

// New creates a renderer without an image. SetSize and SetSettings must be
// called before anything is drawn.
func New() *Renderer {
	return &Renderer{scaleX: 1, scaleY: 1, dZ: 1, workers: runtime.NumCPU()}
}

// SetWorkers sets the number of tiles rendered in parallel.
func (r *Renderer) SetWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = max(1, n)
}

// SetSize allocates a width x height image. Positions are multiplied by the
// scale factors before they are mapped to pixels. Calling SetSize with the
// current size keeps the accumulated content and the old scale.
func (r *Renderer) SetSize(width, height int, scaleX, scaleY float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hist != nil && width == r.width && height == r.height {
		return
	}
	if width <= 0 || height <= 0 {
		r.release()
		return
	}
	r.width, r.height = width, height
	r.scaleX, r.scaleY = scaleX, scaleY
	r.hist = make([]uint32, width*height)
	r.image = image.NewRGBA(image.Rect(0, 0, width, height))
	fill(r.image, Black)
}

// Release drops the image buffers.
func (r *Renderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release()
}

func (r *Renderer) release() {
	r.hist = nil
	r.image = nil
	r.width, r.height = 0, 0
}

// SetSettings sets the axial range and step of the colour map and the splat
// width sigma in pixels.
func (r *Renderer) SetSettings(minZ, maxZ, stepZ, sigma float64) error {
	if !(stepZ > 0) || !(maxZ > minZ) || !(sigma > 0) {
		return fmt.Errorf("%w: z [%g, %g] step %g sigma %g", ErrInvalidSettings, minZ, maxZ, stepZ, sigma)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minZ, r.dZ, r.sigma = minZ, stepZ, sigma
	r.colors.Generate(minZ, maxZ, stepZ, 1)
	r.generateSplat()
	return nil
}

// SetSigma changes the splat width and regenerates the dimmed colour maps.
func (r *Renderer) SetSigma(sigma float64) error {
	if !(sigma > 0) {
		return fmt.Errorf("%w: sigma %g", ErrInvalidSettings, sigma)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigma = sigma
	if r.colors.Cached() {
		r.generateSplat()
	}
	return nil
}

func (r *Renderer) generateSplat() {
	inv := 1 / r.sigma
	r.cross.Generate(r.colors.Min(), r.colors.Max(), r.colors.Step(), math.Exp(-0.5*inv*inv))
	r.corner.Generate(r.colors.Min(), r.colors.Max(), r.colors.Step(), math.Exp(-inv*inv))
}

// IsReady reports whether an image is allocated and the colour map generated.
func (r *Renderer) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist != nil && r.colors.Cached()
}

// Width returns the image width in pixels.
func (r *Renderer) Width() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width
}

// Height returns the image height in pixels.
func (r *Renderer) Height() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.height
}

// Map converts a position in camera pixels to image pixels.
func (r *Renderer) Map(x, y float64) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapXY(x, y)
}

func (r *Renderer) mapXY(x, y float64) (int, int) {
	return int(math.Round(x * r.scaleX)), int(math.Round(y * r.scaleY))
}

// zIndex returns the 1-based colour index of z.
func (r *Renderer) zIndex(z float64) uint32 {
	i := math.Floor((z - r.minZ) / r.dZ)
	if i < 0 {
		i = 0
	}
	if n := r.colors.Len(); n > 0 && int(i) >= n {
		i = float64(n - 1)
	}
	return uint32(i) + 1
}

// Set records an emitter at (x, y, z), keeping the largest z per pixel.
// Positions outside the image are ignored.
func (r *Renderer) Set(x, y, z float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hist == nil {
		return
	}
	px, py := r.mapXY(x, y)
	r.keep(px, py, r.zIndex(z), true)
}

func (r *Renderer) keep(px, py int, zi uint32, deepest bool) {
	if px < 0 || py < 0 || px >= r.width || py >= r.height {
		return
	}
	p := &r.hist[py*r.width+px]
	if *p == 0 || (deepest && zi > *p) || (!deepest && zi < *p) {
		*p = zi
	}
}

// Clear empties the accumulator and blackens the image.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.hist)
	if r.image != nil {
		fill(r.image, Black)
	}
}

// Update recolours region of the image from the accumulator. An empty region
// recolours the whole image; otherwise the region is grown by one pixel to
// cover the splat. It returns false when no image is allocated.
func (r *Renderer) Update(region models.Rect) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.image == nil {
		return false
	}
	bounds := models.Rect{W: r.width, H: r.height}
	if region.IsEmpty() {
		region = bounds
	} else {
		region = region.Grow(1).Intersect(bounds)
	}
	r.render(region)
	return true
}

// render splits region into horizontal tiles and colours them in parallel.
func (r *Renderer) render(region models.Rect) {
	if region.IsEmpty() {
		return
	}
	workers := min(r.workers, region.H)
	rows := region.H / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		tile := models.Rect{X: region.X, Y: region.Y + i*rows, W: region.W, H: rows}
		if i == workers-1 {
			tile.H = region.Bottom() - tile.Y
		}
		g.Go(func() error {
			r.renderTile(tile)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Renderer) renderTile(tile models.Rect) {
	for y := tile.Y; y < tile.Bottom(); y++ {
		off := r.image.PixOffset(tile.X, y)
		for x := tile.X; x < tile.Right(); x++ {
			c := r.pixel(x, y)
			r.image.Pix[off+0] = c.R
			r.image.Pix[off+1] = c.G
			r.image.Pix[off+2] = c.B
			r.image.Pix[off+3] = c.A
			off += 4
		}
	}
}

// pixel returns the colour of (x, y). An empty pixel takes the dimmed colour
// of its first occupied neighbour, scanning row by row. Border pixels are
// always black.
func (r *Renderer) pixel(x, y int) color.RGBA {
	if x < 1 || y < 1 || x >= r.width-1 || y >= r.height-1 {
		return Black
	}
	at := func(dx, dy int) uint32 { return r.hist[(y+dy)*r.width+x+dx] }
	if v := at(0, 0); v != 0 {
		return r.colors.Index(int(v) - 1)
	}
	for _, n := range neighbours {
		if v := at(n.dx, n.dy); v != 0 {
			if n.corner {
				return r.corner.Index(int(v) - 1)
			}
			return r.cross.Index(int(v) - 1)
		}
	}
	return Black
}

var neighbours = []struct {
	dx, dy int
	corner bool
}{
	{-1, -1, true}, {0, -1, false}, {1, -1, true},
	{-1, 0, false}, {1, 0, false},
	{-1, 1, true}, {0, 1, false}, {1, 1, true},
}

// Image returns a copy of the rendered image, or nil without one.
func (r *Renderer) Image() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.image == nil {
		return nil
	}
	out := image.NewRGBA(r.image.Rect)
	copy(out.Pix, r.image.Pix)
	return out
}

// Histogram returns a copy of the accumulator in row-major order.
func (r *Renderer) Histogram() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.hist...)
}

func fill(img *image.RGBA, c color.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
}

// RenderMolecules renders mols offline into a new width x height image with
// the given projection.
func RenderMolecules(mols []models.Molecule, width, height int, scaleX, scaleY, minZ, maxZ, dZ, sigma float64, p Projection) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrInvalidSettings, width, height)
	}
	r := New()
	r.SetSize(width, height, scaleX, scaleY)
	if err := r.SetSettings(minZ, maxZ, dZ, sigma); err != nil {
		return nil, err
	}

	for _, m := range mols {
		zi := r.zIndex(m.Z)
		switch p {
		case TopDown:
			px, py := r.mapXY(m.X, m.Y)
			r.keep(px, py, zi, true)
		case BottomUp:
			px, py := r.mapXY(m.X, m.Y)
			r.keep(px, py, zi, false)
		case SideXZ:
			px := int(math.Round(m.X * r.scaleX))
			pz := int(math.Round(m.Z/r.dZ*r.scaleY)) + height/2
			r.keep(px, pz, zi, true)
		case SideYZ:
			px := int(math.Round(m.Y * r.scaleX))
			pz := int(math.Round(m.Z/r.dZ*r.scaleY)) + height/2
			r.keep(px, pz, zi, true)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, p)
		}
	}
	r.Update(models.Rect{})
	return r.Image(), nil
}
