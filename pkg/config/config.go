// Package config provides configuration loading and management for
// drizzlecomposer. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultExcludeFlags are the pixel quality flags culled from every run
// on top of the user's exclusion set.
var DefaultExcludeFlags = []string{
	"pixcal.dead", "pixcal.hot", "pixcal.cold", "beammap.noDacTone",
	"wavecal.bad", "wavecal.failed_convergence", "wavecal.no_histograms",
	"wavecal.not_attempted", "flatcal.bad",
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Drizzle parameters
	Drizzle struct {
		// Pixfrac is the drizzle pixel shrink factor, trading output
		// resolution against resampling noise
		Pixfrac float64 `yaml:"pixfrac"`

		// WCSTimestep is the seconds between transform samples. 0 uses
		// the non-blurring minimum (1 pixel smear at the farthest
		// dither center)
		WCSTimestep float64 `yaml:"wcsTimestep"`

		// Derotate subtracts the accumulated sky rotation from each
		// frame for a derotated composite
		Derotate bool `yaml:"derotate"`

		// AlignStartPA applies the first exposure's position angle to
		// every frame when Derotate is off. Derotate takes precedence.
		AlignStartPA bool `yaml:"alignStartPA"`

		// Whitelight forces a non-rotating, on-axis composite. Takes
		// precedence over Derotate.
		Whitelight bool `yaml:"whitelight"`

		// SmearPixels is the allowable pixel smear used when deriving
		// the non-blurring timestep
		SmearPixels float64 `yaml:"smearPixels"`
	} `yaml:"drizzle"`

	// Window parameters select the photons used from each dither
	Window struct {
		// WvlMin, WvlMax bound the wavelength window in nanometers
		WvlMin float64 `yaml:"wvlMin"`
		WvlMax float64 `yaml:"wvlMax"`

		// StartOffset is the offset in seconds from each exposure's
		// start at which usable photons begin
		StartOffset float64 `yaml:"startOffset"`

		// Duration is the integration time in seconds used from each
		// dither. 0 uses the shortest dither dwell time.
		Duration float64 `yaml:"duration"`

		// TimeBinWidth is the output time bin width in seconds.
		// 0 collapses the time axis to a single bin.
		TimeBinWidth float64 `yaml:"timeBinWidth"`

		// WvlBinWidth is the output wavelength bin width in
		// nanometers. 0 collapses the wavelength axis.
		WvlBinWidth float64 `yaml:"wvlBinWidth"`

		// ExcludeFlags lists pixel quality flags culled in addition to
		// the built-in defaults
		ExcludeFlags []string `yaml:"excludeFlags"`

		// SaturationCut zeroes histogram bins whose photon count
		// exceeds this threshold. 0 disables the cut.
		SaturationCut float64 `yaml:"saturationCut"`
	} `yaml:"window"`

	// Canvas parameters
	Canvas struct {
		// ShapeX, ShapeY override the derived output grid shape when
		// both are positive
		ShapeX int `yaml:"shapeX"`
		ShapeY int `yaml:"shapeY"`

		// ForceSquare makes the derived canvas square by taking the
		// larger axis extent
		ForceSquare bool `yaml:"forceSquare"`
	} `yaml:"canvas"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the worker pool used for per-dither
		// loading and binning
		NumWorkers int `yaml:"numWorkers"`

		// Site is the observation site name used for field-rotation
		// lookups
		Site string `yaml:"site"`
	} `yaml:"processing"`

	// Cache parameters
	Cache struct {
		// Enabled stores loaded dither data keyed by the run
		// parameters for reuse across identical runs
		Enabled bool `yaml:"enabled"`

		// Clear purges the current user/dataset cache entries before
		// the run
		Clear bool `yaml:"clear"`

		// Dir is the cache directory. Empty uses the OS temp dir.
		Dir string `yaml:"dir"`
	} `yaml:"cache"`

	// Output parameters
	Output struct {
		// File is the output FITS path
		File string `yaml:"file"`

		// LogLevel controls logging verbosity (debug, info, warn, error)
		LogLevel string `yaml:"logLevel"`

		// LogFormat selects the log encoding (text, json)
		LogFormat string `yaml:"logFormat"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Drizzle.Pixfrac = 0.5
	cfg.Drizzle.WCSTimestep = 0 // derive the non-blurring minimum
	cfg.Drizzle.Derotate = true
	cfg.Drizzle.SmearPixels = 1.0

	cfg.Window.WvlMin = 700.0
	cfg.Window.WvlMax = 1500.0

	cfg.Canvas.ForceSquare = true

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Site = "Subaru"

	cfg.Cache.Enabled = true

	cfg.Output.File = "drizzled.fits"
	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "text"

	return cfg
}

// ExcludeFlagSet returns the merged default and user exclusion flags.
func (c *Config) ExcludeFlagSet() map[string]bool {
	set := make(map[string]bool, len(DefaultExcludeFlags)+len(c.Window.ExcludeFlags))
	for _, f := range DefaultExcludeFlags {
		set[f] = true
	}
	for _, f := range c.Window.ExcludeFlags {
		set[f] = true
	}
	return set
}

// Validate checks the configuration for values that would corrupt a run.
func (c *Config) Validate() error {
	if c.Drizzle.Pixfrac <= 0 || c.Drizzle.Pixfrac > 1 {
		return fmt.Errorf("pixfrac must be in (0, 1], got %g", c.Drizzle.Pixfrac)
	}
	if c.Window.WvlMax <= c.Window.WvlMin {
		return fmt.Errorf("wavelength window is empty: [%g, %g]", c.Window.WvlMin, c.Window.WvlMax)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if (c.Canvas.ShapeX > 0) != (c.Canvas.ShapeY > 0) {
		return fmt.Errorf("canvas shape override requires both axes, got %dx%d", c.Canvas.ShapeX, c.Canvas.ShapeY)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
