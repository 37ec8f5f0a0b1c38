package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SyntheticModelName selects the seeded in-process model instead of a GGUF file.
const SyntheticModelName = "synthetic"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the value object passed to each pipeline entry point.
type Config struct {
	// Model is a GGUF path or "synthetic".
	Model string `yaml:"model"`
	// ModelFamily keys the instruction/continuation boundary detector. When
	// empty, DelimiterToken alone selects a token boundary.
	ModelFamily string `yaml:"model_family"`
	// DelimiterToken overrides the family's delimiter token id when non-negative.
	DelimiterToken int `yaml:"delimiter_token"`
	// SteerLayer is the decoder layer whose output receives the steering vector.
	SteerLayer int `yaml:"steer_layer"`
	// Coef scales the steering vector for the experimental condition.
	Coef float32 `yaml:"coef"`
	// SteerVector is the path of the pre-computed vector (.arrow or .pt).
	SteerVector string `yaml:"steer_vector"`
	// Data is the JSON example set, matching half first.
	Data string `yaml:"data"`
	// Output is the prefix for <output>_control.arrow and <output>_exp.arrow.
	Output string `yaml:"output"`
	// Seed initialises the synthetic model and is stamped on persisted records.
	Seed int64 `yaml:"seed"`
	// BatchSize is the number of examples per forward pass.
	BatchSize int `yaml:"batch_size"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	// FlightAddr, when set, receives both likelihood records over Arrow Flight.
	FlightAddr string `yaml:"flight_addr"`

	// Score stage inputs.
	Control        string `yaml:"control"`
	Experiment     string `yaml:"experiment"`
	Title          string `yaml:"title"`
	ControlName    string `yaml:"control_name"`
	ExperimentName string `yaml:"experiment_name"`
	ResultsDir     string `yaml:"results_dir"`
}

func Default() Config {
	return Config{
		ModelFamily:    "llama2",
		DelimiterToken: -1,
		SteerLayer:     13,
		Coef:           1,
		Seed:           42,
		BatchSize:      20,
		LogLevel:       "info",
		LogFormat:      "console",
		ControlName:    "baseline",
		ExperimentName: "steered",
		ResultsDir:     "results",
	}
}

// Load reads a YAML file over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) IsSynthetic() bool {
	return strings.EqualFold(c.Model, SyntheticModelName)
}

// ValidateLikelihood checks the fields used by the likelihood stage.
func (c *Config) ValidateLikelihood() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if c.SteerVector == "" {
		return fmt.Errorf("%w: steer_vector is required", ErrInvalidConfig)
	}
	if c.Data == "" {
		return fmt.Errorf("%w: data is required", ErrInvalidConfig)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output is required", ErrInvalidConfig)
	}
	if c.SteerLayer < 0 {
		return fmt.Errorf("%w: steer_layer %d (must be non-negative)", ErrInvalidConfig, c.SteerLayer)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size %d (must be positive)", ErrInvalidConfig, c.BatchSize)
	}
	if c.ModelFamily == "" && c.DelimiterToken < 0 {
		return fmt.Errorf("%w: model_family or delimiter_token is required", ErrInvalidConfig)
	}
	return nil
}

// ValidateScore checks the fields used by the score stage.
func (c *Config) ValidateScore() error {
	if c.Control == "" || c.Experiment == "" {
		return fmt.Errorf("%w: control and experiment are required", ErrInvalidConfig)
	}
	if c.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidConfig)
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("%w: results_dir is required", ErrInvalidConfig)
	}
	return nil
}

// ControlPath is where the baseline likelihoods of a likelihood run are written.
func (c *Config) ControlPath() string {
	return c.Output + "_control.arrow"
}

// ExperimentPath is where the steered likelihoods of a likelihood run are written.
func (c *Config) ExperimentPath() string {
	return c.Output + "_exp.arrow"
}
