package models

// Rect is an integer rectangle with inclusive-exclusive bounds [X, X+W) x [Y, Y+H).
// The zero value is the empty rectangle.
type Rect struct {
	X, Y int
	W, H int
}

// IsEmpty reports whether the rectangle covers no pixel.
func (r Rect) IsEmpty() bool {
	return r.W <= 0 || r.H <= 0
}

// Area returns the number of pixels covered by r.
func (r Rect) Area() int {
	if r.IsEmpty() {
		return 0
	}
	return r.W * r.H
}

// Right returns the first column past the rectangle.
func (r Rect) Right() int { return r.X + r.W }

// Bottom returns the first row past the rectangle.
func (r Rect) Bottom() int { return r.Y + r.H }

// Contains reports whether the pixel (x, y) lies inside r.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && y >= r.Y && x < r.Right() && y < r.Bottom()
}

// ContainsRect reports whether o lies completely inside r.
func (r Rect) ContainsRect(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y && o.Right() <= r.Right() && o.Bottom() <= r.Bottom()
}

// MoveInside shifts r so that it lies within bounds without changing its size.
// It returns false when r is larger than bounds along either axis.
func (r *Rect) MoveInside(bounds Rect) bool {
	if r.W > bounds.W || r.H > bounds.H {
		return false
	}
	if r.X < bounds.X {
		r.X = bounds.X
	} else if r.Right() > bounds.Right() {
		r.X = bounds.Right() - r.W
	}
	if r.Y < bounds.Y {
		r.Y = bounds.Y
	} else if r.Bottom() > bounds.Bottom() {
		r.Y = bounds.Bottom() - r.H
	}
	return true
}

// ExtendByPoint grows r to include the pixel (x, y).
func (r *Rect) ExtendByPoint(x, y int) {
	if r.IsEmpty() {
		*r = Rect{X: x, Y: y, W: 1, H: 1}
		return
	}
	if x < r.X {
		r.W += r.X - x
		r.X = x
	} else if x >= r.Right() {
		r.W = x - r.X + 1
	}
	if y < r.Y {
		r.H += r.Y - y
		r.Y = y
	} else if y >= r.Bottom() {
		r.H = y - r.Y + 1
	}
}

// Intersect returns the largest rectangle contained by both r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.Right(), o.Right()), min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Grow expands r by n pixels on every side.
func (r Rect) Grow(n int) Rect {
	if r.IsEmpty() {
		return r
	}
	return Rect{X: r.X - n, Y: r.Y - n, W: r.W + 2*n, H: r.H + 2*n}
}
