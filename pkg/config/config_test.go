package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lutstorm/pkg/controller"
	"lutstorm/pkg/fitter"
	"lutstorm/pkg/lut"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0, cfg.Engine.Threshold)
	assert.Equal(t, 1e-2, cfg.Engine.Epsilon)
	assert.Equal(t, 5, cfg.Engine.MaxIter)
	assert.Equal(t, 250, cfg.Engine.TimeoutMS)
	assert.Equal(t, 25, cfg.Engine.MaxConsecutiveFailures)
	assert.True(t, cfg.Rendering.Enabled)
	assert.Equal(t, 5, cfg.Rendering.Cadence)
	assert.Equal(t, runtime.NumCPU(), cfg.Rendering.Workers)
	assert.False(t, cfg.AutoThreshold.Enabled)
	assert.Equal(t, 100, cfg.AutoThreshold.Cadence)
	assert.False(t, cfg.Wavelet.Enabled)
	assert.Equal(t, 1.0, cfg.Wavelet.Factor)
	assert.Equal(t, fitter.DefaultLimits(), cfg.Acceptance)

	// a default configuration names no lookup volume
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.LUT.Path = "psf.lut"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
engine:
  threshold: 150
  timeoutMS: 0
wavelet:
  enabled: true
  factor: 1.5
acceptance:
  maxBackground: 5000
lut:
  calibration: calib.yaml
  windowSize: 11
  dAx: 25
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 150, cfg.Engine.Threshold)
	assert.Equal(t, 0, cfg.Engine.TimeoutMS)
	assert.Equal(t, 5, cfg.Engine.MaxIter, "unset keys keep their defaults")
	assert.True(t, cfg.Wavelet.Enabled)
	assert.Equal(t, 1.5, cfg.Wavelet.Factor)
	assert.Equal(t, 5000.0, cfg.Acceptance.MaxBackground)
	assert.Equal(t, 65536.0, cfg.Acceptance.MaxPeak)
	assert.Equal(t, "calib.yaml", cfg.LUT.Calibration)
	assert.Equal(t, 11, cfg.LUT.WindowSize)
	assert.Equal(t, 25.0, cfg.LUT.DAx)
	assert.Equal(t, 0.1, cfg.LUT.DLat)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [1, 2"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative threshold", func(c *Config) { c.Engine.Threshold = -1 }},
		{"zero epsilon", func(c *Config) { c.Engine.Epsilon = 0 }},
		{"negative maxIter", func(c *Config) { c.Engine.MaxIter = -1 }},
		{"zero scale", func(c *Config) { c.Rendering.Scale = 0 }},
		{"zero sigma", func(c *Config) { c.Rendering.Sigma = 0 }},
		{"zero wavelet factor", func(c *Config) { c.Wavelet.Factor = 0 }},
		{"zero gain", func(c *Config) { c.Acquisition.Gain = 0 }},
		{"border too small", func(c *Config) {
			c.LUT.Path = ""
			c.LUT.Calibration = "calib.yaml"
			c.LUT.Params = lut.Params{WindowSize: 4, DLat: 0.1, DAx: 10, RangeLat: 3, RangeAx: 800}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LUT.Path = "psf.lut"
			tc.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestApply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Threshold = 120
	cfg.Engine.Epsilon = 1e-3
	cfg.Engine.MaxIter = 8
	cfg.Engine.TimeoutMS = 40
	cfg.Engine.MaxConsecutiveFailures = 3
	cfg.Engine.Verbose = true
	cfg.Rendering.Enabled = false
	cfg.Rendering.Cadence = 2
	cfg.Rendering.MinChangedArea = 9
	cfg.AutoThreshold.Enabled = true
	cfg.AutoThreshold.Cadence = 50
	cfg.Wavelet.Enabled = true
	cfg.Wavelet.Factor = 2
	cfg.Acceptance.MaxPeak = 30000

	c := controller.New()
	cfg.Apply(c)

	assert.Equal(t, 120, c.Threshold())
	assert.Equal(t, 1e-3, c.Epsilon())
	assert.Equal(t, 8, c.MaxIter())
	assert.Equal(t, 40*time.Millisecond, c.Timeout())
	assert.Equal(t, 3, c.MaxConsecutiveFailures())
	assert.True(t, c.Verbose())
	assert.False(t, c.RenderingEnabled())
	assert.Equal(t, 2, c.RenderCadence())
	assert.Equal(t, 9, c.MinChangedArea())
	assert.True(t, c.AutoThresholdEnabled())
	assert.Equal(t, 50, c.AutoThresholdCadence())
	assert.True(t, c.WaveletEnabled())
	assert.Equal(t, 2.0, c.WaveletFactor())
	assert.Equal(t, 30000.0, c.Limits().MaxPeak)
}
