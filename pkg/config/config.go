// Package config provides configuration loading and management for volreg.
// It handles loading configuration from YAML files and provides default
// values matching the reference registration protocol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// LevelConfig configures one multi-resolution pyramid level.
type LevelConfig struct {
	// Shrink is the integer image downsampling factor at this level.
	Shrink int `yaml:"shrink"`

	// Sigma is the Gaussian smoothing width in mm at this level.
	Sigma float64 `yaml:"sigma"`

	// MeshSize is the control-point mesh resolution per axis for the
	// deformable transform at this level.
	MeshSize [3]int `yaml:"meshSize"`
}

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Metric parameters shared by both registration stages.
	Metric struct {
		// Bins is the joint-histogram resolution per intensity axis.
		Bins int `yaml:"bins"`

		// SampleStride takes every n-th voxel as a metric sample; 1 uses
		// every voxel.
		SampleStride int `yaml:"sampleStride"`

		// NumCores specifies how many CPU cores to use for the parallel
		// parts of metric evaluation and resampling.
		NumCores int `yaml:"numCores"`
	} `yaml:"metric"`

	// Rigid stage parameters (regular-step gradient descent).
	Rigid struct {
		// Bins overrides Metric.Bins for the rigid stage when nonzero.
		Bins int `yaml:"bins"`

		// InitialStep is the starting step length of the descent.
		InitialStep float64 `yaml:"initialStep"`

		// MinimumStep terminates the descent once the relaxed step falls
		// below it.
		MinimumStep float64 `yaml:"minimumStep"`

		// Iterations caps the number of descent steps.
		Iterations int `yaml:"iterations"`

		// TranslationScale relates millimeter and radian parameter units:
		// translations use a parameter scale of 1/TranslationScale so
		// they step at full length while rotations stay damped.
		TranslationScale float64 `yaml:"translationScale"`
	} `yaml:"rigid"`

	// Deformable stage parameters (B-spline + LBFGS).
	Deformable struct {
		// Bins overrides Metric.Bins for the deformable stage when nonzero.
		Bins int `yaml:"bins"`

		// Levels is the coarse-to-fine schedule, coarsest first.
		Levels []LevelConfig `yaml:"levels"`

		// GradientTolerance is the LBFGS convergence threshold.
		GradientTolerance float64 `yaml:"gradientTolerance"`

		// Iterations caps LBFGS major iterations per level.
		Iterations int `yaml:"iterations"`

		// MaxEvaluations caps metric evaluations per level.
		MaxEvaluations int `yaml:"maxEvaluations"`

		// LowerBound and UpperBound constrain every control-point
		// displacement in mm. Both zero means unconstrained, which is the
		// reference behavior; set them to impose physiological limits.
		LowerBound float64 `yaml:"lowerBound"`
		UpperBound float64 `yaml:"upperBound"`
	} `yaml:"deformable"`

	// Output parameters.
	Output struct {
		// Background is the intensity written to resampled voxels that
		// map outside the source volume.
		Background float64 `yaml:"background"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values matching the
// reference protocol: a 32-bin rigid stage with a 4.0mm initial step, and a
// two-level deformable stage with a dyadic 4 -> 8 mesh refinement.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Metric.Bins = 32
	cfg.Metric.SampleStride = 1
	cfg.Metric.NumCores = runtime.NumCPU()

	cfg.Rigid.Bins = 32
	cfg.Rigid.InitialStep = 4.0
	cfg.Rigid.MinimumStep = 0.01
	cfg.Rigid.Iterations = 200
	cfg.Rigid.TranslationScale = 1000.0

	cfg.Deformable.Bins = 50
	cfg.Deformable.Levels = []LevelConfig{
		{Shrink: 4, Sigma: 2.0, MeshSize: [3]int{4, 4, 4}},
		{Shrink: 2, Sigma: 1.0, MeshSize: [3]int{8, 8, 8}},
	}
	cfg.Deformable.GradientTolerance = 1e-5
	cfg.Deformable.Iterations = 30
	cfg.Deformable.MaxEvaluations = 100
	cfg.Deformable.LowerBound = 0
	cfg.Deformable.UpperBound = 0

	cfg.Output.Background = 0
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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

// SaveConfig saves the configuration to a YAML file.
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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
