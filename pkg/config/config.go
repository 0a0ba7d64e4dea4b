// Package config provides configuration loading and management for b0masks.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Backend names accepted by processing.backend
var Backends = []string{"pool", "errgroup", "sequential"}

// Consensus modes accepted by segmentation.consensus
var ConsensusModes = []string{"native", "fslmaths"}

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Selection controls which volumes count as b0
	Selection struct {
		// Target is the b-value to select
		Target float64 `yaml:"target" toml:"target"`

		// Tolerance is the accepted absolute distance from Target
		Tolerance float64 `yaml:"tolerance" toml:"tolerance"`
	} `yaml:"selection" toml:"selection"`

	// Processing parameters
	Processing struct {
		// NumCores is the size of the worker pool
		NumCores int `yaml:"numCores" toml:"num_cores"`

		// Backend is one of Backends
		Backend string `yaml:"backend" toml:"backend"`

		// FailFast cancels outstanding volumes after the first failure
		FailFast bool `yaml:"failFast" toml:"fail_fast"`
	} `yaml:"processing" toml:"processing"`

	// Segmentation parameters
	Segmentation struct {
		// MedianRadius is the half width of the median filter cube
		MedianRadius int `yaml:"medianRadius" toml:"median_radius"`

		// NumPass is how many times the median filter is applied
		NumPass int `yaml:"numPass" toml:"num_pass"`

		// BetFrac is bet's fractional intensity threshold
		BetFrac float64 `yaml:"betFrac" toml:"bet_frac"`

		// Consensus is one of ConsensusModes
		Consensus string `yaml:"consensus" toml:"consensus"`
	} `yaml:"segmentation" toml:"segmentation"`

	// Output parameters
	Output struct {
		// Dir overrides the directory outputs are written to; empty means next to the input
		Dir string `yaml:"dir" toml:"dir"`

		// Logfile, when set, also writes logs to a rotating file
		Logfile string `yaml:"logFile" toml:"log_file"`
		MaxSize int    `yaml:"maxLogSize" toml:"max_log_size"`
		MaxAge  int    `yaml:"maxLogAge" toml:"max_log_age"`

		// JSON switches console logs to JSON lines
		JSON bool `yaml:"logJSON" toml:"log_json"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`

	// Tools locates the FSL installation
	Tools struct {
		// FSLDir overrides PATH lookup with FSLDir/bin
		FSLDir string `yaml:"fslDir" toml:"fsl_dir"`
	} `yaml:"tools" toml:"tools"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Selection.Target = 0
	cfg.Selection.Tolerance = 50

	cfg.Processing.NumCores = 4
	cfg.Processing.Backend = "pool"
	cfg.Processing.FailFast = false

	cfg.Segmentation.MedianRadius = 4
	cfg.Segmentation.NumPass = 2
	cfg.Segmentation.BetFrac = 0.2
	cfg.Segmentation.Consensus = "native"

	cfg.Output.MaxSize = 100
	cfg.Output.MaxAge = 30
	cfg.Output.Verbose = false

	cfg.Tools.FSLDir = os.Getenv("FSLDIR")

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
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

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Selection.Tolerance < 0:
		return fmt.Errorf("%w: selection.tolerance must be non-negative, got %v", ErrInvalid, c.Selection.Tolerance)
	case c.Processing.NumCores < 1:
		return fmt.Errorf("%w: processing.numCores must be at least 1, got %d", ErrInvalid, c.Processing.NumCores)
	case !contains(Backends, c.Processing.Backend):
		return fmt.Errorf("%w: processing.backend %q is not one of %s", ErrInvalid,
			c.Processing.Backend, strings.Join(Backends, ", "))
	case c.Segmentation.MedianRadius < 0:
		return fmt.Errorf("%w: segmentation.medianRadius must be non-negative, got %d", ErrInvalid, c.Segmentation.MedianRadius)
	case c.Segmentation.NumPass < 1:
		return fmt.Errorf("%w: segmentation.numPass must be at least 1, got %d", ErrInvalid, c.Segmentation.NumPass)
	case c.Segmentation.BetFrac <= 0 || c.Segmentation.BetFrac >= 1:
		return fmt.Errorf("%w: segmentation.betFrac must be in (0, 1), got %v", ErrInvalid, c.Segmentation.BetFrac)
	case !contains(ConsensusModes, c.Segmentation.Consensus):
		return fmt.Errorf("%w: segmentation.consensus %q is not one of %s", ErrInvalid,
			c.Segmentation.Consensus, strings.Join(ConsensusModes, ", "))
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
