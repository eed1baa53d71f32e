// Package config provides configuration loading and management for ctnoduleprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"ctnoduleprep/pkg/mask"
	"ctnoduleprep/pkg/normalize"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is how many scans are processed concurrently
		NumWorkers int `yaml:"numWorkers"`

		// Window is the HU range mapped onto [0, 1]
		Window normalize.Window `yaml:"window"`

		// RadiusPolicy selects how nodule diameters become voxel radii
		// ("depth-spacing" or "ellipsoid")
		RadiusPolicy string `yaml:"radiusPolicy"`
	} `yaml:"processing"`

	// Input and output locations
	Paths struct {
		// DataDir contains the subset directories with .mhd scans
		DataDir string `yaml:"dataDir"`

		// SubsetPattern selects subset directories inside DataDir
		SubsetPattern string `yaml:"subsetPattern"`

		// AnnotationsFile is the nodule annotation CSV
		AnnotationsFile string `yaml:"annotationsFile"`

		// OutputDir receives <uid>_image.npy and <uid>_mask.npy per subset
		OutputDir string `yaml:"outputDir"`
	} `yaml:"paths"`

	// Output parameters
	Output struct {
		// ManifestPath is the SQLite index of processed scans; empty disables it
		ManifestPath string `yaml:"manifestPath"`

		// PreviewDir receives JPEG overlays of each scan; empty disables them
		PreviewDir string `yaml:"previewDir"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Window = normalize.DefaultWindow
	cfg.Processing.RadiusPolicy = mask.DepthSpacingRadius{}.Name()

	cfg.Paths.DataDir = "data"
	cfg.Paths.SubsetPattern = "subset*"
	cfg.Paths.AnnotationsFile = filepath.Join("annotations", "annotations.csv")
	cfg.Paths.OutputDir = "processed_data"

	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks values that would make processing undefined
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if err := c.Processing.Window.Validate(); err != nil {
		return err
	}
	if _, err := mask.PolicyByName(c.Processing.RadiusPolicy); err != nil {
		return err
	}
	if c.Paths.DataDir == "" || c.Paths.AnnotationsFile == "" || c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.dataDir, paths.annotationsFile and paths.outputDir are required")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
