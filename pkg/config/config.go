// Package config provides configuration loading and management for lutstorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"lutstorm/pkg/controller"
	"lutstorm/pkg/fitter"
	"lutstorm/pkg/lut"
	"lutstorm/pkg/precision"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Engine parameters of the per-frame fitting loop
	Engine struct {
		// Threshold is the minimum candidate amplitude above background in ADU
		Threshold int `yaml:"threshold"`

		// Epsilon is the minimum absolute decrease of the fitter's sum of
		// squared residuals for a step to be taken
		Epsilon float64 `yaml:"epsilon"`

		// MaxIter bounds the Gauss-Newton iterations per candidate
		MaxIter int `yaml:"maxIter"`

		// TimeoutMS is the per-frame fitting budget. Zero disables it.
		TimeoutMS int `yaml:"timeoutMS"`

		// MaxConsecutiveFailures stops a frame after this many failed fits in a row
		MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`

		Verbose bool `yaml:"verbose"`
	} `yaml:"engine"`

	// Rendering controls the live z-coloured preview
	Rendering struct {
		Enabled bool `yaml:"enabled"`

		// Cadence is the number of frames between renders
		Cadence int `yaml:"cadence"`

		// Scale is the preview size relative to the camera frame
		Scale float64 `yaml:"scale"`

		Sigma float64 `yaml:"sigma"`

		// MinChangedArea is the changed area in preview pixels below which
		// a render is skipped
		MinChangedArea int `yaml:"minChangedArea"`

		// Workers is the number of render goroutines
		Workers int `yaml:"workers"`
	} `yaml:"rendering"`

	AutoThreshold struct {
		Enabled bool `yaml:"enabled"`

		// Cadence is the number of frames between threshold updates
		Cadence int `yaml:"cadence"`
	} `yaml:"autoThreshold"`

	// Wavelet prefilter used for detection
	Wavelet struct {
		Enabled bool `yaml:"enabled"`

		// Factor scales the standard deviation of the filtered frame into
		// the detection threshold
		Factor float64 `yaml:"factor"`
	} `yaml:"wavelet"`

	Acceptance fitter.Limits `yaml:"acceptance"`

	Acquisition precision.Acquisition `yaml:"acquisition"`

	// LUT selects the lookup volume: a file, or a calibration to synthesize
	// one from
	LUT struct {
		Path        string `yaml:"path"`
		Calibration string `yaml:"calibration"`

		lut.Params `yaml:",inline"`
	} `yaml:"lut"`

	// Output parameters
	Output struct {
		Database string `yaml:"database"`
		CSV      string `yaml:"csv"`
		Preview  string `yaml:"preview"`

		// Projections is the directory for the offline projections. Empty
		// skips them.
		Projections string `yaml:"projections"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Threshold = 0
	cfg.Engine.Epsilon = fitter.DefaultEpsilon
	cfg.Engine.MaxIter = fitter.DefaultMaxIter
	cfg.Engine.TimeoutMS = int(controller.DefaultTimeout / time.Millisecond)
	cfg.Engine.MaxConsecutiveFailures = controller.DefaultMaxConsecutiveFailures

	cfg.Rendering.Enabled = true
	cfg.Rendering.Cadence = controller.DefaultRenderCadence
	cfg.Rendering.Scale = 1.0
	cfg.Rendering.Sigma = controller.DefaultRenderSigma
	cfg.Rendering.MinChangedArea = controller.DefaultMinChangedArea
	cfg.Rendering.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.AutoThreshold.Cadence = controller.DefaultAutoThresholdCadence

	cfg.Wavelet.Factor = controller.DefaultWaveletFactor

	cfg.Acceptance = fitter.DefaultLimits()

	cfg.Acquisition = precision.Acquisition{ADU: 1, Gain: 1, Baseline: 100, PixelSize: 100}

	cfg.LUT.Params = lut.Params{WindowSize: 15, DLat: 0.1, DAx: 10, RangeLat: 3, RangeAx: 800}

	cfg.Output.Database = "lutstorm.db"
	cfg.Output.CSV = "localizations.csv"
	cfg.Output.Preview = "preview.png"

	return cfg
}

// Validate checks the values the controller cannot repair on its own.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Engine.Threshold < 0 {
		errs = append(errs, fmt.Errorf("engine.threshold must not be negative, got %d", cfg.Engine.Threshold))
	}
	if cfg.Engine.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("engine.epsilon must be positive, got %g", cfg.Engine.Epsilon))
	}
	if cfg.Engine.MaxIter < 0 {
		errs = append(errs, fmt.Errorf("engine.maxIter must not be negative, got %d", cfg.Engine.MaxIter))
	}
	if cfg.Rendering.Scale <= 0 {
		errs = append(errs, fmt.Errorf("rendering.scale must be positive, got %g", cfg.Rendering.Scale))
	}
	if cfg.Rendering.Sigma <= 0 {
		errs = append(errs, fmt.Errorf("rendering.sigma must be positive, got %g", cfg.Rendering.Sigma))
	}
	if cfg.Wavelet.Factor <= 0 {
		errs = append(errs, fmt.Errorf("wavelet.factor must be positive, got %g", cfg.Wavelet.Factor))
	}
	if err := cfg.Acquisition.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.LUT.Path == "" && cfg.LUT.Calibration == "" {
		errs = append(errs, errors.New("lut.path or lut.calibration is required"))
	}
	if cfg.LUT.Path == "" && cfg.LUT.Calibration != "" {
		if _, err := cfg.LUT.Params.Geometry(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Apply copies the engine, rendering and detection settings to c.
// The render scale needs the image size and is left to the caller.
func (cfg *Config) Apply(c *controller.Controller) {
	c.SetThreshold(cfg.Engine.Threshold)
	c.SetEpsilon(cfg.Engine.Epsilon)
	c.SetMaxIter(cfg.Engine.MaxIter)
	c.SetTimeout(time.Duration(cfg.Engine.TimeoutMS) * time.Millisecond)
	c.SetMaxConsecutiveFailures(cfg.Engine.MaxConsecutiveFailures)
	c.SetVerbose(cfg.Engine.Verbose)

	c.SetRenderingEnabled(cfg.Rendering.Enabled)
	c.SetRenderCadence(cfg.Rendering.Cadence)
	c.SetMinChangedArea(cfg.Rendering.MinChangedArea)
	c.SetRenderWorkers(cfg.Rendering.Workers)

	c.SetAutoThresholdEnabled(cfg.AutoThreshold.Enabled)
	c.SetAutoThresholdCadence(cfg.AutoThreshold.Cadence)

	c.SetWaveletEnabled(cfg.Wavelet.Enabled)
	c.SetWaveletFactor(cfg.Wavelet.Factor)

	c.SetLimits(cfg.Acceptance)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
