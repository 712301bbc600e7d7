package lut

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Magic identifies a lookup volume file.
const Magic = "LUTDSMLM"

// HeaderSize is the size of the file header in bytes.
const HeaderSize = 64

// readChunk is the initial capacity, in values, of the template buffer.
const readChunk = 1 << 20

// ErrBadMagic is returned when a file does not start with Magic.
var ErrBadMagic = errors.New("lut: bad file magic")

// header mirrors the on-disk layout. All fields are little-endian.
type header struct {
	Magic      [8]byte
	DataSize   uint64 // bytes of template data following the header
	Indices    uint64 // number of templates
	WindowSize uint64
	DLat       float64
	DAx        float64
	RangeLat   float64
	RangeAx    float64
}

// Read decodes a lookup volume from r. The magic is verified before any
// other header field is trusted.
func Read(r io.Reader) (*Volume, error) {
	var hdr header
	if _, err := io.ReadFull(r, hdr.Magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr.Magic[:])
	}
	rest := []any{&hdr.DataSize, &hdr.Indices, &hdr.WindowSize, &hdr.DLat, &hdr.DAx, &hdr.RangeLat, &hdr.RangeAx}
	for _, f := range rest {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
	}

	if hdr.WindowSize > maxWindowSize {
		return nil, fmt.Errorf("%w: window size %d", ErrInvalidParams, hdr.WindowSize)
	}
	p := Params{
		WindowSize: int(hdr.WindowSize),
		DLat:       hdr.DLat,
		DAx:        hdr.DAx,
		RangeLat:   hdr.RangeLat,
		RangeAx:    hdr.RangeAx,
	}
	want, err := p.DataSize()
	if err != nil {
		return nil, err
	}
	if hdr.DataSize%8 != 0 || hdr.DataSize/8 != uint64(want) {
		return nil, fmt.Errorf("%w: header declares %d bytes, grid needs %d", ErrSizeMismatch, hdr.DataSize, want*8)
	}

	// grow with the data actually read so a lying header cannot force a
	// large allocation up front
	data := make([]float64, 0, min(want, readChunk))
	buf := make([]byte, 8*4096)
	for len(data) < want {
		n := min(want-len(data), len(buf)/8)
		if _, err := io.ReadFull(r, buf[:n*8]); err != nil {
			return nil, fmt.Errorf("failed to read templates at value %d: %w", len(data), err)
		}
		for i := 0; i < n; i++ {
			data = append(data, math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
	}
	return New(data, p)
}

// Load reads a lookup volume from a file.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lookup volume: %w", err)
	}
	defer f.Close()

	v, err := Read(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return v, nil
}

// Write encodes v to w.
func Write(w io.Writer, v *Volume) error {
	hdr := header{
		DataSize:   uint64(len(v.data)) * 8,
		Indices:    uint64(v.geom.Templates()),
		WindowSize: uint64(v.params.WindowSize),
		DLat:       v.params.DLat,
		DAx:        v.params.DAx,
		RangeLat:   v.params.RangeLat,
		RangeAx:    v.params.RangeAx,
	}
	copy(hdr.Magic[:], Magic)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, 8*4096)
	for off := 0; off < len(v.data); {
		n := min(len(v.data)-off, len(buf)/8)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v.data[off+i]))
		}
		if _, err := w.Write(buf[:n*8]); err != nil {
			return fmt.Errorf("failed to write templates: %w", err)
		}
		off += n
	}
	return nil
}

// Save writes v to a file, replacing any existing one.
func Save(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create lookup volume file: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if err := Write(w, v); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush lookup volume: %w", err)
	}
	return f.Close()
}
