// Package config provides configuration loading and management for drawem.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// PartialVolume describes one partial volume class to synthesize
type PartialVolume struct {
	// ClassA and ClassB are the indices of the mixed classes
	ClassA int `yaml:"classA"`
	ClassB int `yaml:"classB"`

	// Tissue is the coarse group of the new class: outlier, csf, gm or wm
	Tissue string `yaml:"tissue"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Segmentation parameters
	Segmentation struct {
		// Input is the image to segment
		Input string `yaml:"input"`

		// Priors are the prior probability maps, one per class
		Priors []string `yaml:"priors"`

		// Posteriors optionally seed the first E-step
		Posteriors []string `yaml:"posteriors"`

		// Mask restricts the classification to non-zero voxels
		Mask string `yaml:"mask"`

		// PostPenalty is an image of per-voxel weights for the post-penalty phase
		PostPenalty string `yaml:"postPenalty"`

		// MaxIterations is the number of EM iterations per phase
		MaxIterations int `yaml:"maxIterations"`

		// RelDiff is the relative log-likelihood change that ends a phase
		RelDiff float64 `yaml:"relDiff"`

		// BiasFieldDegree is the final polynomial degree of the bias field, 0 disables it
		BiasFieldDegree int `yaml:"biasFieldDegree"`

		// Padding is the intensity marking voxels outside the image, nil for none
		Padding *float64 `yaml:"padding"`

		// Workers is the number of goroutines used by the voxel passes
		Workers int `yaml:"workers"`

		// SparseAtlas stores probability maps sparsely
		SparseAtlas bool `yaml:"sparseAtlas"`

		// Background adds a background class complementing the priors
		Background bool `yaml:"background"`
	} `yaml:"segmentation"`

	// MRF parameters
	MRF struct {
		// ConnectivityFile holds the class adjacency matrix, empty disables the MRF
		ConnectivityFile string `yaml:"connectivityFile"`

		// Strength scales the MRF energy
		Strength float64 `yaml:"strength"`

		// BigNeighbourhood selects the 26-neighbourhood
		BigNeighbourhood bool `yaml:"bigNeighbourhood"`

		// Times is the number of MRF iterations, 0 means maxIterations
		Times int `yaml:"times"`

		// Beta weights the spatial term
		Beta float64 `yaml:"beta"`

		// BetaInter weights the inter-atlas term
		BetaInter float64 `yaml:"betaInter"`

		// InterAtlas lists auxiliary probability maps for the inter-atlas term
		InterAtlas []string `yaml:"interAtlas"`
	} `yaml:"mrf"`

	// Relaxation parameters
	Relaxation struct {
		Enabled bool    `yaml:"enabled"`
		Factor  float64 `yaml:"factor"`
		Times   int     `yaml:"times"`
	} `yaml:"relaxation"`

	// Partial volume parameters
	PartialVolume struct {
		// Classes lists the partial volume classes added in the last phase
		Classes []PartialVolume `yaml:"classes"`

		// Hui enables the anatomical partial volume correction
		Hui bool `yaml:"hui"`

		// Tissues assigns class indices to the outlier, csf, gm and wm groups
		Tissues struct {
			Outlier []int `yaml:"outlier"`
			CSF     []int `yaml:"csf"`
			GM      []int `yaml:"gm"`
			WM      []int `yaml:"wm"`
		} `yaml:"tissues"`

		// Superlabels groups classes that share Gaussian parameters
		Superlabels [][]int `yaml:"superlabels"`
	} `yaml:"partialVolume"`

	// Output parameters
	Output struct {
		Segmentation          string         `yaml:"segmentation"`
		Corrected             string         `yaml:"corrected"`
		BiasField             string         `yaml:"biasField"`
		BiasFieldCoefficients string         `yaml:"biasFieldCoefficients"`
		Probabilities         map[int]string `yaml:"probabilities"`
		Parameters            string         `yaml:"parameters"`
		Report                string         `yaml:"report"`

		// SaveIntermediaryResults determines whether to save QC slices of the results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is the directory for QC slices
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Segmentation.MaxIterations = 20
	cfg.Segmentation.RelDiff = 0.005
	cfg.Segmentation.BiasFieldDegree = 4
	cfg.Segmentation.Workers = runtime.NumCPU()

	cfg.MRF.Strength = 1
	cfg.MRF.Beta = 1.0 / 3
	cfg.MRF.BetaInter = 1.0 / 3

	cfg.Relaxation.Factor = 0.5
	cfg.Relaxation.Times = 1

	cfg.Output.Segmentation = "segmentation.nii.gz"
	cfg.Output.IntermediaryDir = "qc"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	if c.Segmentation.Input == "" {
		return fmt.Errorf("no input image configured")
	}
	if len(c.Segmentation.Priors) == 0 {
		return fmt.Errorf("no prior probability maps configured")
	}
	if n := len(c.Segmentation.Posteriors); n > 0 && n != len(c.Segmentation.Priors) {
		return fmt.Errorf("expected %d initial posteriors, got %d", len(c.Segmentation.Priors), n)
	}
	if c.Segmentation.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive, got %d", c.Segmentation.MaxIterations)
	}
	if c.Relaxation.Factor < 0 || c.Relaxation.Factor > 1 {
		return fmt.Errorf("relaxation factor must be in [0, 1], got %v", c.Relaxation.Factor)
	}
	for _, pv := range c.PartialVolume.Classes {
		switch pv.Tissue {
		case "", "outlier", "csf", "gm", "wm":
		default:
			return fmt.Errorf("unknown tissue %q for partial volume class %d,%d", pv.Tissue, pv.ClassA, pv.ClassB)
		}
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
