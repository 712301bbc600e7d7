// Package framesource streams camera frames from disk: raw little-endian
// 16-bit stacks, or directories of TIFF and PNG images ordered by the number
// in their file names.
package framesource

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"lutstorm/internal/models"
)

var (
	// ErrNoFrames is returned when a directory holds no supported images.
	ErrNoFrames = errors.New("framesource: no frames found")

	// ErrFrameSize is returned when a frame differs in size from the first.
	ErrFrameSize = errors.New("framesource: frame size mismatch")

	// ErrUnknownSize is returned when a raw stack is opened without a size.
	ErrUnknownSize = errors.New("framesource: raw stacks need a frame size")
)

// Source yields frames in acquisition order. Next returns io.EOF after the
// last frame.
type Source interface {
	Size() (width, height int)
	Next() (*models.Frame, error)
	Close() error
}

// Open picks a source for path: directories and image files are decoded,
// anything else is read as a raw stack of width x height frames.
func Open(path string, width, height int) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var src Source
	switch {
	case info.IsDir():
		src, err = OpenDir(path)
	case isImage(path):
		src, err = newImageSource([]string{path})
	default:
		src, err = OpenRaw(path, width, height)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// RawSource reads frames of little-endian uint16 pixels back to back.
type RawSource struct {
	f      *os.File
	r      *bufio.Reader
	width  int
	height int
	buf    []byte
}

// OpenRaw opens a raw stack.
func OpenRaw(path string, width, height int) (*RawSource, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrUnknownSize, width, height)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw stack: %w", err)
	}
	return &RawSource{
		f:      f,
		r:      bufio.NewReaderSize(f, 1<<20),
		width:  width,
		height: height,
		buf:    make([]byte, 2*width*height),
	}, nil
}

func (s *RawSource) Size() (int, int) { return s.width, s.height }

// Next reads the next frame. A truncated trailing frame is an error.
func (s *RawSource) Next() (*models.Frame, error) {
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame in raw stack: %w", err)
		}
		return nil, err
	}
	frame := models.NewFrame(s.width, s.height)
	for i := range frame.Pix {
		frame.Pix[i] = binary.LittleEndian.Uint16(s.buf[2*i:])
	}
	return frame, nil
}

func (s *RawSource) Close() error { return s.f.Close() }

// WriteRaw appends frame to w in the raw stack layout.
func WriteRaw(w io.Writer, frame *models.Frame) error {
	buf := make([]byte, 2*frame.Width)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			binary.LittleEndian.PutUint16(buf[2*x:], frame.At(x, y))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ImageSource decodes one image file per frame.
type ImageSource struct {
	files  []string
	next   int
	width  int
	height int
	first  *models.Frame
}

// OpenDir lists the TIFF and PNG files of dir ordered by the number in
// their names.
func OpenDir(dir string) (*ImageSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && isImage(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})
	for i, name := range files {
		files[i] = filepath.Join(dir, name)
	}
	return newImageSource(files)
}

func newImageSource(files []string) (*ImageSource, error) {
	first, err := LoadFrame(files[0])
	if err != nil {
		return nil, err
	}
	return &ImageSource{files: files, width: first.Width, height: first.Height, first: first}, nil
}

func (s *ImageSource) Size() (int, int) { return s.width, s.height }

// Len returns the number of frames.
func (s *ImageSource) Len() int { return len(s.files) }

func (s *ImageSource) Next() (*models.Frame, error) {
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.next]
	s.next++

	if s.first != nil {
		frame := s.first
		s.first = nil
		return frame, nil
	}
	frame, err := LoadFrame(path)
	if err != nil {
		return nil, err
	}
	if frame.Width != s.width || frame.Height != s.height {
		return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d",
			ErrFrameSize, filepath.Base(path), frame.Width, frame.Height, s.width, s.height)
	}
	return frame, nil
}

func (s *ImageSource) Close() error { return nil }

// LoadFrame decodes a TIFF or PNG file. Colour images are converted to
// 16-bit luminance.
func LoadFrame(path string) (*models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	default:
		img, err = png.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return toFrame(img), nil
}

func toFrame(img image.Image) *models.Frame {
	if g, ok := img.(*image.Gray16); ok {
		return models.FrameFromImage(g)
	}
	b := img.Bounds()
	frame := models.NewFrame(b.Dx(), b.Dy())
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			frame.Set(x, y, c.Y)
		}
	}
	return frame
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff", ".png":
		return true
	}
	return false
}

// extractNumber concatenates the digits of a file name.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
