// Package controller drives the per-frame localization pipeline: candidate
// detection, fitting under a wall-clock budget, accumulation of results and
// the cadence of preview rendering and threshold estimation.
//
// Frames are processed strictly one after another. Every setting may be
// changed from any goroutine at any time; a running frame picks up fit
// settings at its start. Result accessors return copies and are safe to call
// while a frame is processing, but a consistent snapshot is only guaranteed
// between frames.
package controller

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"lutstorm/internal/models"
	"lutstorm/internal/monitoring"
	"lutstorm/pkg/detection"
	"lutstorm/pkg/fitter"
	"lutstorm/pkg/lut"
	"lutstorm/pkg/precision"
	"lutstorm/pkg/render"
	"lutstorm/pkg/threshold"
	"lutstorm/pkg/wavelet"
)

var (
	// ErrNotReady is returned until a volume and an image size are set.
	ErrNotReady = errors.New("controller: not ready")

	// ErrInvalidImageSize is returned for a non-positive image size.
	ErrInvalidImageSize = errors.New("controller: invalid image size")

	// ErrFrameSize is returned for frames that do not match the image size.
	ErrFrameSize = errors.New("controller: frame size does not match image size")

	// ErrTimeout is returned when a frame exceeds its time budget. Results
	// accepted before the timeout are kept.
	ErrTimeout = errors.New("controller: frame timeout")
)

// Defaults applied by New.
const (
	DefaultTimeout                = 250 * time.Millisecond
	DefaultRenderCadence          = 5
	DefaultAutoThresholdCadence   = 100
	DefaultMaxConsecutiveFailures = 25
	DefaultMinChangedArea         = 25
	DefaultWaveletFactor          = 1.0
	DefaultRenderSigma            = 1.0
)

// renderZOffset keeps emitters that sit exactly on a grid plane inside the
// colour bin of that plane.
const renderZOffset = 1e-6

// Stats describes the last processed frame.
type Stats struct {
	FittingTime   time.Duration
	RenderTime    time.Duration
	Localizations int
	Total         int

	// FrameMean and FrameStdDev are the raw pixel statistics of the frame;
	// only computed while the wavelet prefilter is enabled.
	FrameMean   float64
	FrameStdDev float64
}

// Controller owns the state of one localization run.
type Controller struct {
	// frame serializes ProcessImage; the fitter and the prefilter are not
	// reentrant.
	frame sync.Mutex

	mu          sync.Mutex
	volume      *lut.Volume
	fitter      *fitter.Fitter
	detector    *detection.Detector
	estimator   *precision.Estimator
	limits      fitter.Limits
	width       int
	height      int
	renderScale float64
	frameMols   []models.Molecule
	allMols     []models.Molecule
	changed     models.Rect
	stats       Stats

	prefilter *wavelet.Filter
	auto      *threshold.Auto
	renderer  *render.Renderer

	threshold      atomic.Int64
	epsilon        atomic.Uint64 // float64 bits
	maxIter        atomic.Int64
	timeout        atomic.Int64 // nanoseconds, <= 0 disables
	renderCadence  atomic.Int64
	autoEnabled    atomic.Bool
	autoCadence    atomic.Int64
	waveletEnabled atomic.Bool
	waveletFactor  atomic.Uint64 // float64 bits
	rendering      atomic.Bool
	verbose        atomic.Bool
	maxFailures    atomic.Int64
	minChanged     atomic.Int64
	renderSigma    atomic.Uint64 // float64 bits

	locFinished atomic.Bool
	imageReady  atomic.Bool

	now func() time.Time
}

// New creates a controller with default settings. It is not ready until
// SetVolume and SetImageSize succeed.
func New() *Controller {
	c := &Controller{
		limits:      fitter.DefaultLimits(),
		renderScale: 1,
		estimator:   precision.New(nil),
		prefilter:   wavelet.New(0, 0),
		auto:        threshold.New(),
		renderer:    render.New(),
		now:         time.Now,
	}
	c.SetEpsilon(fitter.DefaultEpsilon)
	c.SetMaxIter(fitter.DefaultMaxIter)
	c.SetTimeout(DefaultTimeout)
	c.SetRenderCadence(DefaultRenderCadence)
	c.SetAutoThresholdCadence(DefaultAutoThresholdCadence)
	c.SetWaveletFactor(DefaultWaveletFactor)
	c.SetRenderingEnabled(true)
	c.SetMaxConsecutiveFailures(DefaultMaxConsecutiveFailures)
	c.SetMinChangedArea(DefaultMinChangedArea)
	c.renderSigma.Store(math.Float64bits(DefaultRenderSigma))
	return c
}

// SetVolume installs the lookup volume and clears the results of the run.
func (c *Controller) SetVolume(v *lut.Volume) error {
	if v == nil {
		err := fmt.Errorf("%w: no lookup volume", ErrNotReady)
		monitoring.Logf("controller: %v", err)
		return err
	}
	if err := c.renderer.SetSettings(v.MinAx(), v.MaxAx(), v.DAx(), c.RenderSigma()); err != nil {
		monitoring.Logf("controller: failed to configure renderer: %v", err)
		return err
	}

	c.mu.Lock()
	c.volume = v
	c.fitter = fitter.New(v)
	c.detector = detection.ForWindow(v.WindowSize())
	c.estimator = precision.New(v)
	c.mu.Unlock()

	if c.verbose.Load() {
		g := v.Geometry()
		monitoring.Logf("controller: lookup volume %d templates, window %d, x/y [%g, %g], z [%g, %g]",
			g.Templates(), v.WindowSize(), g.MinLat, g.MaxLat, g.MinAx, g.MaxAx)
	}
	c.Reset()
	return nil
}

// SetVolumeData builds a volume from raw template data and installs it.
func (c *Controller) SetVolumeData(data []float64, p lut.Params) error {
	v, err := lut.New(data, p)
	if err != nil {
		monitoring.Logf("controller: invalid lookup volume: %v", err)
		return err
	}
	return c.SetVolume(v)
}

// LoadVolume reads a LUTDSMLM file and installs it.
func (c *Controller) LoadVolume(path string) error {
	v, err := lut.Load(path)
	if err != nil {
		monitoring.Logf("controller: %v", err)
		return err
	}
	return c.SetVolume(v)
}

// Volume returns the installed lookup volume, or nil.
func (c *Controller) Volume() *lut.Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// SetImageSize declares the size of the incoming frames. The preview keeps
// its current scale.
func (c *Controller) SetImageSize(width, height int) error {
	if width <= 0 || height <= 0 {
		err := fmt.Errorf("%w: %dx%d", ErrInvalidImageSize, width, height)
		monitoring.Logf("controller: %v", err)
		return err
	}
	c.mu.Lock()
	c.width, c.height = width, height
	scale := c.renderScale
	c.mu.Unlock()

	c.renderer.SetSize(int(math.Ceil(float64(width)*scale)), int(math.Ceil(float64(height)*scale)), scale, scale)
	return nil
}

// ImageSize returns the declared frame size.
func (c *Controller) ImageSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// IsReady reports whether frames can be processed.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fitter != nil && c.width > 0 && c.height > 0
}

// ProcessImage localizes the emitters of one frame. Candidates are fitted in
// descending peak order until the candidates are exhausted, the time budget
// is spent or too many fits fail in a row. Accepted emitters are appended to
// the frame and run lists in frame pixel coordinates.
func (c *Controller) ProcessImage(frame *models.Frame, index int) error {
	c.frame.Lock()
	defer c.frame.Unlock()

	verbose := c.verbose.Load()
	c.mu.Lock()
	f, det, limits, width, height := c.fitter, c.detector, c.limits, c.width, c.height
	c.mu.Unlock()

	if f == nil || width <= 0 || height <= 0 {
		if verbose {
			monitoring.Logf("controller: frame %d: image processor is not ready", index)
		}
		return ErrNotReady
	}
	if frame == nil || frame.Width != width || frame.Height != height {
		if verbose && frame != nil {
			monitoring.Logf("controller: frame %d is %dx%d, expected %dx%d", index, frame.Width, frame.Height, width, height)
		}
		return ErrFrameSize
	}

	c.locFinished.Store(false)
	t0 := c.now()

	f.SetEpsilon(c.Epsilon())
	f.SetMaxIter(c.MaxIter())
	f.SetLimits(limits)
	minPeak := float64(c.Threshold())
	timeout := c.Timeout()
	maxFailures := c.MaxConsecutiveFailures()
	autoEnabled := c.autoEnabled.Load()

	var stats Stats
	var candidates []models.Candidate
	switch {
	case autoEnabled:
		candidates = det.FindAll(frame)
	case c.waveletEnabled.Load():
		filtered := c.prefilter.Apply(frame)
		stats.FrameMean, stats.FrameStdDev = c.prefilter.Mean(), c.prefilter.StdDev()
		candidates = det.FindFiltered(frame, filtered, c.prefilter.Threshold(c.WaveletFactor()))
	default:
		candidates = det.Find(frame, c.Threshold())
	}

	c.mu.Lock()
	c.frameMols = c.frameMols[:0]
	c.mu.Unlock()

	ws := f.WindowSize()
	bounds := frame.Bounds()
	accepted, failures := 0, 0
	var err error
	for _, cand := range candidates {
		start := c.now()
		m := models.Molecule{
			Background: float64(cand.Background),
			Peak:       math.Max(0, float64(cand.Peak)-float64(cand.Background)),
			X:          float64(cand.X),
			Y:          float64(cand.Y),
			Frame:      index,
		}
		region := models.Rect{X: cand.X - ws/2, Y: cand.Y - ws/2, W: ws, H: ws}
		if !region.MoveInside(bounds) {
			if verbose {
				monitoring.Logf("controller: frame %d: impossible region %+v", index, region)
			}
			continue
		}

		status := f.Fit(frame.SubFrame(region), &m)
		m.FitTime = c.now().Sub(start)
		if autoEnabled {
			c.auto.Add(m.Peak)
		}

		if status == fitter.Converged {
			failures = 0
			if m.Peak >= minPeak {
				m.X += float64(region.X)
				m.Y += float64(region.Y)
				c.accept(m)
				accepted++
			}
		} else {
			failures++
			if maxFailures > 0 && failures >= maxFailures {
				if verbose {
					monitoring.Logf("controller: frame %d: %d consecutive failed fits, skipping the remaining candidates", index, failures)
				}
				break
			}
		}

		if timeout > 0 && c.now().Sub(t0) > timeout {
			if verbose {
				monitoring.Logf("controller: frame %d: timeout after %d localizations", index, accepted)
			}
			err = ErrTimeout
			break
		}
	}

	t1 := c.now()
	if err == nil {
		c.UpdateRenderer(index)
	}
	t2 := c.now()

	stats.FittingTime = t1.Sub(t0)
	stats.RenderTime = t2.Sub(t1)
	stats.Localizations = accepted
	c.mu.Lock()
	stats.Total = len(c.allMols)
	c.stats = stats
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if autoEnabled {
		c.UpdateAutoThreshold(index)
	}
	if verbose {
		monitoring.Logf("controller: fitted %d emitters of frame %d in %.3f ms", accepted, index,
			float64(stats.FittingTime)/float64(time.Millisecond))
	}
	c.locFinished.Store(true)
	return nil
}

func (c *Controller) accept(m models.Molecule) {
	px, py := c.renderer.Map(m.X, m.Y)
	c.renderer.Set(m.X, m.Y, m.Z+renderZOffset)

	c.mu.Lock()
	c.changed.ExtendByPoint(px, py)
	c.frameMols = append(c.frameMols, m)
	c.allMols = append(c.allMols, m)
	c.mu.Unlock()
}

// UpdateRenderer recolours the preview unless it is disabled, a rendered
// image has not been collected yet, or frameIndex is off cadence. With a
// cadence above one the preview is only refreshed once the region changed
// since the last refresh exceeds the minimum area. It reports whether the
// image was refreshed.
func (c *Controller) UpdateRenderer(frameIndex int) bool {
	if c.imageReady.Load() || !c.rendering.Load() {
		return false
	}
	rate := c.RenderCadence()
	c.mu.Lock()
	changed := c.changed
	c.mu.Unlock()

	if rate > 1 && (changed.Area() <= c.MinChangedArea() || frameIndex <= 1 || frameIndex%rate != 0) {
		return false
	}
	if !c.renderer.Update(changed) {
		return false
	}

	c.mu.Lock()
	c.changed = models.Rect{}
	c.mu.Unlock()
	c.imageReady.Store(true)
	return true
}

// UpdateAutoThreshold recomputes the detection threshold from the peaks of
// all fit attempts when automatic thresholding is enabled and frameIndex is
// on cadence. A histogram without a valid split keeps the current threshold.
// It reports whether the threshold was recomputed.
func (c *Controller) UpdateAutoThreshold(frameIndex int) bool {
	cadence := c.AutoThresholdCadence()
	if !c.autoEnabled.Load() || cadence <= 0 || frameIndex%cadence != 0 {
		return false
	}
	th := c.auto.Threshold()
	if th > 0 {
		c.SetThreshold(int(math.Round(th)))
	}
	if c.verbose.Load() {
		monitoring.Logf("controller: auto threshold %g from %d peaks, using %d", th, c.auto.Count(), c.Threshold())
	}
	return true
}

// Reset clears the results, the preview, the peak histogram and the frame
// flags. The lookup volume and all settings are kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.frameMols = nil
	c.allMols = nil
	c.changed = models.Rect{}
	c.stats = Stats{}
	c.mu.Unlock()

	c.auto.Reset()
	c.renderer.Clear()
	c.locFinished.Store(false)
	c.imageReady.Store(false)
}

// Molecules returns a copy of the localizations of the last frame.
func (c *Controller) Molecules() []models.Molecule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Molecule(nil), c.frameMols...)
}

// AllMolecules returns a copy of the localizations of the run.
func (c *Controller) AllMolecules() []models.Molecule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Molecule(nil), c.allMols...)
}

// Stats returns the statistics of the last frame.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// IsLocFinished reports whether the last frame completed without timeout.
func (c *Controller) IsLocFinished() bool { return c.locFinished.Load() }

// IsImageReady reports whether a refreshed preview awaits collection.
func (c *Controller) IsImageReady() bool { return c.imageReady.Load() }

// ClearImageReady acknowledges the preview and allows the next refresh.
func (c *Controller) ClearImageReady() { c.imageReady.Store(false) }

// Estimator returns the precision estimator of the installed volume. It
// reports precision.ErrNotReady until a volume is set.
func (c *Controller) Estimator() *precision.Estimator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator
}

// Photons converts the peak of m to emitted photons.
func (c *Controller) Photons(m models.Molecule, a precision.Acquisition) (float64, error) {
	return c.Estimator().Photons(m, a)
}

// CRLB returns the precision bounds of m.
func (c *Controller) CRLB(m models.Molecule, a precision.Acquisition) ([5]float64, error) {
	return c.Estimator().CRLB(m, a)
}

// AutoThresholdCount returns the number of peaks in the histogram.
func (c *Controller) AutoThresholdCount() int { return c.auto.Count() }
