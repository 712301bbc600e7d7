package controller

import (
	"fmt"
	"image"
	"math"
	"time"

	"lutstorm/internal/monitoring"
	"lutstorm/pkg/fitter"
	"lutstorm/pkg/render"
)

// SetThreshold sets the minimum peak above background in ADU. It is applied
// to detection and, after fitting, to the fitted peak.
func (c *Controller) SetThreshold(th int) { c.threshold.Store(int64(max(0, th))) }

// Threshold returns the detection threshold in ADU.
func (c *Controller) Threshold() int { return int(c.threshold.Load()) }

// SetEpsilon sets the minimum decrease of the sum of squares that accepts a
// Gauss-Newton step.
func (c *Controller) SetEpsilon(eps float64) { c.epsilon.Store(math.Float64bits(eps)) }

// Epsilon returns the step acceptance tolerance.
func (c *Controller) Epsilon() float64 { return math.Float64frombits(c.epsilon.Load()) }

// SetMaxIter sets the iteration limit per fit.
func (c *Controller) SetMaxIter(n int) { c.maxIter.Store(int64(n)) }

// MaxIter returns the iteration limit per fit.
func (c *Controller) MaxIter() int { return int(c.maxIter.Load()) }

// SetTimeout sets the time budget of one frame. Zero or less disables it.
func (c *Controller) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

// Timeout returns the time budget of one frame.
func (c *Controller) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// SetRenderCadence sets the number of frames between preview refreshes.
func (c *Controller) SetRenderCadence(frames int) { c.renderCadence.Store(int64(frames)) }

// RenderCadence returns the number of frames between preview refreshes.
func (c *Controller) RenderCadence() int { return int(c.renderCadence.Load()) }

// SetAutoThresholdEnabled switches automatic thresholding. While enabled every
// local maximum is fitted and its peak recorded.
func (c *Controller) SetAutoThresholdEnabled(enabled bool) { c.autoEnabled.Store(enabled) }

// AutoThresholdEnabled reports whether automatic thresholding is on.
func (c *Controller) AutoThresholdEnabled() bool { return c.autoEnabled.Load() }

// SetAutoThresholdCadence sets the number of frames between threshold updates.
func (c *Controller) SetAutoThresholdCadence(frames int) { c.autoCadence.Store(int64(frames)) }

// AutoThresholdCadence returns the number of frames between threshold updates.
func (c *Controller) AutoThresholdCadence() int { return int(c.autoCadence.Load()) }

// SetWaveletEnabled switches detection on the wavelet filtered frame.
func (c *Controller) SetWaveletEnabled(enabled bool) { c.waveletEnabled.Store(enabled) }

// WaveletEnabled reports whether detection runs on the filtered frame.
func (c *Controller) WaveletEnabled() bool { return c.waveletEnabled.Load() }

// SetWaveletFactor sets the filtered threshold in standard deviations of the
// raw frame.
func (c *Controller) SetWaveletFactor(factor float64) { c.waveletFactor.Store(math.Float64bits(factor)) }

// WaveletFactor returns the filtered threshold in standard deviations.
func (c *Controller) WaveletFactor() float64 { return math.Float64frombits(c.waveletFactor.Load()) }

// SetRenderingEnabled switches preview refreshes. Emitters are accumulated
// either way.
func (c *Controller) SetRenderingEnabled(enabled bool) { c.rendering.Store(enabled) }

// RenderingEnabled reports whether preview refreshes are on.
func (c *Controller) RenderingEnabled() bool { return c.rendering.Load() }

// SetVerbose switches diagnostic logging.
func (c *Controller) SetVerbose(verbose bool) { c.verbose.Store(verbose) }

// Verbose reports whether diagnostic logging is on.
func (c *Controller) Verbose() bool { return c.verbose.Load() }

// SetMaxConsecutiveFailures sets how many fits may fail in a row before the
// rest of a frame is skipped. Zero or less disables the limit.
func (c *Controller) SetMaxConsecutiveFailures(n int) { c.maxFailures.Store(int64(n)) }

// MaxConsecutiveFailures returns the failed fit limit per frame.
func (c *Controller) MaxConsecutiveFailures() int { return int(c.maxFailures.Load()) }

// SetMinChangedArea sets the changed preview area in pixels that must be
// exceeded before a cadenced refresh.
func (c *Controller) SetMinChangedArea(pixels int) { c.minChanged.Store(int64(pixels)) }

// MinChangedArea returns the changed area needed for a cadenced refresh.
func (c *Controller) MinChangedArea() int { return int(c.minChanged.Load()) }

// SetLimits replaces the fit acceptance gate from the next frame on.
func (c *Controller) SetLimits(l fitter.Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
}

// Limits returns the fit acceptance gate.
func (c *Controller) Limits() fitter.Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// SetRenderScale sizes the preview to the image size times scale.
func (c *Controller) SetRenderScale(scale float64) error {
	if !(scale > 0) {
		return fmt.Errorf("%w: render scale %g", render.ErrInvalidSettings, scale)
	}
	c.mu.Lock()
	c.renderScale = scale
	width, height := c.width, c.height
	c.mu.Unlock()
	if width <= 0 || height <= 0 {
		return nil
	}
	c.renderer.SetSize(int(math.Ceil(float64(width)*scale)), int(math.Ceil(float64(height)*scale)), scale, scale)
	return nil
}

// SetRenderSize sizes the preview to width x height pixels, stretching the
// image to fit.
func (c *Controller) SetRenderSize(width, height int) error {
	c.mu.Lock()
	iw, ih := c.width, c.height
	c.mu.Unlock()
	if iw <= 0 || ih <= 0 {
		return ErrNotReady
	}
	if width <= 0 || height <= 0 {
		err := fmt.Errorf("%w: render size %dx%d", render.ErrInvalidSettings, width, height)
		monitoring.Logf("controller: %v", err)
		return err
	}
	c.renderer.SetSize(width, height, float64(width)/float64(iw), float64(height)/float64(ih))
	return nil
}

// SetRenderSigma sets the splat width of the preview in pixels.
func (c *Controller) SetRenderSigma(sigma float64) error {
	if err := c.renderer.SetSigma(sigma); err != nil {
		return err
	}
	c.renderSigma.Store(math.Float64bits(sigma))
	return nil
}

// RenderSigma returns the splat width of the preview in pixels.
func (c *Controller) RenderSigma() float64 { return math.Float64frombits(c.renderSigma.Load()) }

// SetRenderWorkers sets the number of tiles recoloured in parallel.
func (c *Controller) SetRenderWorkers(n int) { c.renderer.SetWorkers(n) }

// RenderImage returns a copy of the preview, or nil before the size is set.
func (c *Controller) RenderImage() *image.RGBA { return c.renderer.Image() }

// RenderSize returns the preview size in pixels.
func (c *Controller) RenderSize() (int, int) { return c.renderer.Width(), c.renderer.Height() }
