package config

import (
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the defaults form a valid configuration
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid defaults, got error: %v", err)
	}
	if cfg.Drizzle.Pixfrac != 0.5 {
		t.Errorf("Expected default pixfrac 0.5, got %f", cfg.Drizzle.Pixfrac)
	}
	if !cfg.Drizzle.Derotate {
		t.Error("Expected derotation enabled by default")
	}
	if cfg.Window.WvlMin != 700 || cfg.Window.WvlMax != 1500 {
		t.Errorf("Expected default wavelength window [700, 1500], got [%f, %f]",
			cfg.Window.WvlMin, cfg.Window.WvlMax)
	}
	if !cfg.Cache.Enabled {
		t.Error("Expected cache enabled by default")
	}
	if cfg.Processing.NumWorkers < 1 {
		t.Errorf("Expected at least one default worker, got %d", cfg.Processing.NumWorkers)
	}
}

// TestValidate verifies rejection of corrupting values
func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pixfrac", func(c *Config) { c.Drizzle.Pixfrac = 0 }},
		{"pixfrac above one", func(c *Config) { c.Drizzle.Pixfrac = 1.5 }},
		{"empty wavelength window", func(c *Config) { c.Window.WvlMin = 1500; c.Window.WvlMax = 700 }},
		{"no workers", func(c *Config) { c.Processing.NumWorkers = 0 }},
		{"one-sided canvas override", func(c *Config) { c.Canvas.ShapeX = 500 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
		}
	}
}

// TestExcludeFlagSet verifies user flags merge with the defaults
func TestExcludeFlagSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window.ExcludeFlags = []string{"custom.flag"}
	set := cfg.ExcludeFlagSet()

	if !set["pixcal.hot"] {
		t.Error("Expected default flag pixcal.hot in the exclusion set")
	}
	if !set["custom.flag"] {
		t.Error("Expected user flag custom.flag in the exclusion set")
	}
	if len(set) != len(DefaultExcludeFlags)+1 {
		t.Errorf("Expected %d flags, got %d", len(DefaultExcludeFlags)+1, len(set))
	}
}

// TestLoadConfigMissingFile verifies a missing file yields the defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got error: %v", err)
	}
	if cfg.Drizzle.Pixfrac != 0.5 {
		t.Errorf("Expected default pixfrac, got %f", cfg.Drizzle.Pixfrac)
	}
}

// TestSaveLoadRoundTrip verifies YAML serialization preserves values
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "drizzle.yaml")

	cfg := DefaultConfig()
	cfg.Drizzle.Pixfrac = 0.8
	cfg.Window.TimeBinWidth = 2.5
	cfg.Processing.Site = "Palomar"
	cfg.Canvas.ForceSquare = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Expected save to succeed, got error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if loaded.Drizzle.Pixfrac != 0.8 {
		t.Errorf("Expected pixfrac 0.8, got %f", loaded.Drizzle.Pixfrac)
	}
	if loaded.Window.TimeBinWidth != 2.5 {
		t.Errorf("Expected time bin width 2.5, got %f", loaded.Window.TimeBinWidth)
	}
	if loaded.Processing.Site != "Palomar" {
		t.Errorf("Expected site Palomar, got %s", loaded.Processing.Site)
	}
	if loaded.Canvas.ForceSquare {
		t.Error("Expected forceSquare false to round-trip")
	}
}

// TestCreateDefaultConfigFile verifies the generated file loads back
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Expected config file creation, got error: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected generated file to load, got error: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Expected generated config to validate, got error: %v", err)
	}
}
