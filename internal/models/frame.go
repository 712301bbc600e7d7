package models

import (
	"fmt"
	"image"
)

// Frame is a 16-bit grayscale camera frame stored row-major with an explicit
// stride, so sub-frames share the backing array of their parent.
type Frame struct {
	Pix    []uint16
	Width  int
	Height int
	Stride int
}

// NewFrame allocates a zeroed frame of the given size.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:    make([]uint16, width*height),
		Width:  width,
		Height: height,
		Stride: width,
	}
}

// FrameFromPixels wraps pix as a width x height frame without copying.
func FrameFromPixels(pix []uint16, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("frame buffer holds %d pixels, expected %d", len(pix), width*height)
	}
	return &Frame{Pix: pix, Width: width, Height: height, Stride: width}, nil
}

// FrameFromImage copies a Gray16 image into a new frame.
func FrameFromImage(img *image.Gray16) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.Pix[y*f.Stride+x] = img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
		}
	}
	return f
}

// At returns the pixel at (x, y). The caller guarantees the coordinates are in range.
func (f *Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Stride+x]
}

// Set stores v at (x, y).
func (f *Frame) Set(x, y int, v uint16) {
	f.Pix[y*f.Stride+x] = v
}

// Pixel returns the pixel at (x, y) and whether the coordinates are inside the frame.
func (f *Frame) Pixel(x, y int) (uint16, bool) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, false
	}
	return f.Pix[y*f.Stride+x], true
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() Rect {
	return Rect{W: f.Width, H: f.Height}
}

// SubFrame returns a view of r. The view shares pixels with f.
// r must lie inside the frame.
func (f *Frame) SubFrame(r Rect) *Frame {
	off := r.Y*f.Stride + r.X
	end := off + (r.H-1)*f.Stride + r.W
	return &Frame{
		Pix:    f.Pix[off:end],
		Width:  r.W,
		Height: r.H,
		Stride: f.Stride,
	}
}

// Clone returns a deep, tightly packed copy of f.
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		copy(c.Pix[y*c.Stride:(y+1)*c.Stride], f.Pix[y*f.Stride:y*f.Stride+f.Width])
	}
	return c
}

// FloatImage is a single precision image, used for filtered frames.
type FloatImage struct {
	Pix    []float32
	Width  int
	Height int
	Stride int
}

// NewFloatImage allocates a zeroed float image.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{
		Pix:    make([]float32, width*height),
		Width:  width,
		Height: height,
		Stride: width,
	}
}

// At returns the value at (x, y).
func (f *FloatImage) At(x, y int) float32 {
	return f.Pix[y*f.Stride+x]
}

// Pixel returns the value at (x, y) and whether the coordinates are inside the image.
func (f *FloatImage) Pixel(x, y int) (float32, bool) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, false
	}
	return f.Pix[y*f.Stride+x], true
}
