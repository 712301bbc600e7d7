// Package detection finds candidate emitters in camera frames using block
// non-maximum suppression (Neubeck and Van Gool, "Efficient Non-Maximum
// Suppression", 2006). Maxima that do not rise above their local background
// are never reported, so flat regions yield no candidates in any mode.
package detection

import (
	"sort"

	"lutstorm/internal/models"
)

// Detector runs block NMS with a fixed suppression radius and frame border.
type Detector struct {
	// Radius is the suppression radius r; blocks are (r+1)×(r+1) and a maximum
	// must dominate its full (2r+1)×(2r+1) neighbourhood.
	Radius int

	// Border is the number of pixels skipped at each frame edge.
	Border int
}

// New creates a detector.
func New(radius, border int) *Detector {
	return &Detector{Radius: radius, Border: border}
}

// ForWindow returns the detector matching a fit window of the given size.
func ForWindow(windowSize int) *Detector {
	return New(windowSize*3/4, windowSize/2)
}

// MinFrameSize returns the smallest width or height that can yield candidates.
func (d *Detector) MinFrameSize() int {
	return 2*(d.Radius+1) + 2*d.Border + 2
}

// Find returns the local maxima of f whose peak and 5-point centre mean both
// exceed the local background by at least threshold, sorted by descending peak.
func (d *Detector) Find(f *models.Frame, threshold int) []models.Candidate {
	var out []models.Candidate
	nms(f.Pix, f.Width, f.Height, f.Stride, d.Radius, d.Border, func(peak uint16, x, y int) {
		bg := localBackground(f, x, y, d.Radius+1)
		if peak <= bg {
			return
		}
		mean := centerMean(f, x, y)
		if int(peak)-int(bg) < threshold || int(mean)-int(bg) < threshold {
			return
		}
		out = insertSorted(out, models.Candidate{Peak: peak, Background: bg, X: x, Y: y})
	})
	return out
}

// FindFiltered runs NMS on a filtered version of f and keeps maxima whose
// filtered value is at least threshold. Peaks and backgrounds are taken from
// the raw frame.
func (d *Detector) FindFiltered(f *models.Frame, filtered *models.FloatImage, threshold float32) []models.Candidate {
	if filtered.Width != f.Width || filtered.Height != f.Height {
		return nil
	}
	var out []models.Candidate
	nms(filtered.Pix, filtered.Width, filtered.Height, filtered.Stride, d.Radius, d.Border, func(v float32, x, y int) {
		if v < threshold {
			return
		}
		peak := f.At(x, y)
		bg := localBackground(f, x, y, d.Radius+1)
		if peak <= bg {
			return
		}
		out = insertSorted(out, models.Candidate{Peak: peak, Background: bg, X: x, Y: y})
	})
	return out
}

// FindAll returns every local maximum of f without any threshold test,
// sorted by descending peak. Maxima whose peak does not exceed the local
// background are dropped. Their fits would start from a peak of zero, which
// the automatic threshold histogram ignores anyway.
func (d *Detector) FindAll(f *models.Frame) []models.Candidate {
	var out []models.Candidate
	nms(f.Pix, f.Width, f.Height, f.Stride, d.Radius, d.Border, func(peak uint16, x, y int) {
		if bg := localBackground(f, x, y, d.Radius+1); peak > bg {
			out = append(out, models.Candidate{Peak: peak, Background: bg, X: x, Y: y})
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Peak > out[j].Peak })
	return out
}

// insertSorted inserts c before the first element whose peak is not greater,
// keeping the list in descending peak order.
func insertSorted(list []models.Candidate, c models.Candidate) []models.Candidate {
	i := sort.Search(len(list), func(i int) bool { return list[i].Peak <= c.Peak })
	list = append(list, models.Candidate{})
	copy(list[i+1:], list[i:])
	list[i] = c
	return list
}

type pixel interface {
	~uint16 | ~float32
}

// nms reports every pixel that is the maximum of its (r+1)×(r+1) block and
// is not exceeded anywhere in its (2r+1)×(2r+1) neighbourhood.
func nms[T pixel](pix []T, width, height, stride, r, b int, emit func(v T, x, y int)) {
	bgRadius := r + 1
	if width <= 2*bgRadius+2*b+1 || height <= 2*bgRadius+2*b+1 {
		return
	}
	w := width - (b + 1)
	h := height - (b + 1)
	at := func(x, y int) (T, bool) {
		if x < 0 || y < 0 || x >= width || y >= height {
			return 0, false
		}
		return pix[y*stride+x], true
	}

	for i := b; i < w; i += r + 1 {
		for j := b; j < h; j += r + 1 {
			mi, mj := i, j
			best := pix[j*stride+i]
			for i2 := i; i2 <= i+r; i2++ {
				for j2 := j; j2 <= j+r; j2++ {
					if v, ok := at(i2, j2); ok && v > best {
						mi, mj, best = i2, j2, v
					}
				}
			}

			if isStrictMax(at, best, mi, mj, r) {
				emit(best, mi, mj)
			}
		}
	}
}

func isStrictMax[T pixel](at func(x, y int) (T, bool), v T, x, y, r int) bool {
	for i := x - r; i <= x+r; i++ {
		for j := y - r; j <= y+r; j++ {
			if n, ok := at(i, j); ok && n > v {
				return false
			}
		}
	}
	return true
}

// localBackground averages the perimeter of the (2R+1)×(2R+1) box centred on
// (x, y). Pixels outside the frame are skipped.
func localBackground(f *models.Frame, x, y, radius int) uint16 {
	var sum, n int
	add := func(px, py int) {
		if v, ok := f.Pixel(px, py); ok {
			sum += int(v)
			n++
		}
	}
	x0, x1 := x-radius, x+radius
	y0, y1 := y-radius, y+radius
	for px := x0; px <= x1; px++ {
		add(px, y0)
		add(px, y1)
	}
	for py := y0 + 1; py < y1; py++ {
		add(x0, py)
		add(x1, py)
	}
	if n == 0 {
		return 0
	}
	return uint16(sum / n)
}

// centerMean averages (x, y) and its four direct neighbours.
func centerMean(f *models.Frame, x, y int) uint16 {
	var sum, n int
	for _, o := range [5][2]int{{0, 0}, {1, 0}, {0, 1}, {-1, 0}, {0, -1}} {
		if v, ok := f.Pixel(x+o[0], y+o[1]); ok {
			sum += int(v)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return uint16(sum / n)
}
