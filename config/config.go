// Package config loads the run configuration once, from defaults, an
// optional YAML file and bound command-line flags, and hands it to the
// rest of the program as a value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vp/layers"
	"github.com/tsawler/go-vp/vision/dataset"
)

// Networks are the supported classifier variants. Every variant except
// dense is a sparsified checkpoint rebuilt from a base and a mask file.
var Networks = []string{"dense", "LT", "rigL", "acdc", "STR"}

// Error reports an invalid configuration value.
type Error struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s=%v: %s", e.Field, e.Value, e.Reason)
}

type Paths struct {
	Data          string `mapstructure:"data" yaml:"data"`
	Results       string `mapstructure:"results" yaml:"results"`
	Weights       string `mapstructure:"weights" yaml:"weights"`
	NativeClasses string `mapstructure:"native_classes" yaml:"native_classes,omitempty"`
}

type PromptConfig struct {
	OutputSize int    `mapstructure:"output_size" yaml:"output_size"`
	Init       string `mapstructure:"init" yaml:"init"`
	Normalize  bool   `mapstructure:"normalize" yaml:"normalize"`
}

type MappingConfig struct {
	Strategy        string `mapstructure:"strategy" yaml:"strategy"`
	RemapEveryEpoch bool   `mapstructure:"remap_every_epoch" yaml:"remap_every_epoch"`
	Aggregation     string `mapstructure:"aggregation" yaml:"aggregation"`
}

type MixedPrecisionConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	InitScale      float64 `mapstructure:"init_scale" yaml:"init_scale"`
	GrowthFactor   float64 `mapstructure:"growth_factor" yaml:"growth_factor"`
	BackoffFactor  float64 `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	GrowthInterval int     `mapstructure:"growth_interval" yaml:"growth_interval"`
}

type CheckpointConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Resume bool   `mapstructure:"resume" yaml:"resume"`
}

type PlottingConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Config is the complete run configuration.
type Config struct {
	Experiment string  `mapstructure:"experiment" yaml:"experiment"`
	Network    string  `mapstructure:"network" yaml:"network"`
	Dataset    string  `mapstructure:"dataset" yaml:"dataset"`
	Epochs     int     `mapstructure:"epoch" yaml:"epoch"`
	LR         float64 `mapstructure:"lr" yaml:"lr"`
	Seed       int64   `mapstructure:"seed" yaml:"seed"`
	Scheduler  string  `mapstructure:"scheduler" yaml:"scheduler"`
	BatchSize  int     `mapstructure:"batch_size" yaml:"batch_size"`
	Workers    int     `mapstructure:"workers" yaml:"workers"`
	Prefetch   int     `mapstructure:"prefetch" yaml:"prefetch"`
	ImageSize  int     `mapstructure:"image_size" yaml:"image_size,omitempty"` // 0 selects the dataset's size
	LogLevel   string  `mapstructure:"log_level" yaml:"log_level"`

	Paths          Paths                `mapstructure:"paths" yaml:"paths"`
	Prompt         PromptConfig         `mapstructure:"prompt" yaml:"prompt"`
	Mapping        MappingConfig        `mapstructure:"mapping" yaml:"mapping"`
	MixedPrecision MixedPrecisionConfig `mapstructure:"mixed_precision" yaml:"mixed_precision"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint" yaml:"checkpoint"`
	Plotting       PlottingConfig       `mapstructure:"plotting" yaml:"plotting"`
	Classifier     []layers.LayerConfig `mapstructure:"classifier" yaml:"classifier"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("experiment", "cnn/rlm_vp")
	v.SetDefault("network", "LT")
	v.SetDefault("dataset", "cifar10")
	v.SetDefault("epoch", 200)
	v.SetDefault("lr", 0.01)
	v.SetDefault("seed", 4)
	v.SetDefault("scheduler", "multistep")
	v.SetDefault("batch_size", 256)
	v.SetDefault("workers", 4)
	v.SetDefault("prefetch", 2)
	v.SetDefault("image_size", 0)
	v.SetDefault("log_level", "info")

	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.results", "results")
	v.SetDefault("paths.weights", "weights")

	v.SetDefault("prompt.output_size", 224)
	v.SetDefault("prompt.init", "zero")
	v.SetDefault("prompt.normalize", true)

	v.SetDefault("mapping.strategy", "random")
	v.SetDefault("mapping.remap_every_epoch", false)
	v.SetDefault("mapping.aggregation", "mean")

	v.SetDefault("mixed_precision.enabled", true)
	v.SetDefault("mixed_precision.init_scale", 65536.0)
	v.SetDefault("mixed_precision.growth_factor", 2.0)
	v.SetDefault("mixed_precision.backoff_factor", 0.5)
	v.SetDefault("mixed_precision.growth_interval", 2000)

	v.SetDefault("checkpoint.format", "proto")
	v.SetDefault("checkpoint.resume", false)

	v.SetDefault("plotting.enabled", false)
	v.SetDefault("plotting.url", "http://localhost:8080")
	v.SetDefault("plotting.timeout", 30*time.Second)

	v.SetDefault("classifier", []map[string]interface{}{
		{"type": "avgpool2d", "name": "pool", "kernel": 8},
		{"type": "dense", "name": "fc", "units": 1000},
	})
}

// FlagBindings maps command-line flag names to configuration keys.
var FlagBindings = map[string]string{
	"network":          "network",
	"dataset":          "dataset",
	"epoch":            "epoch",
	"lr":               "lr",
	"seed":             "seed",
	"resume":           "checkpoint.resume",
	"mapping-strategy": "mapping.strategy",
	"log-level":        "log_level",
	"batch-size":       "batch_size",
	"data":             "paths.data",
	"results":          "paths.results",
	"weights":          "paths.weights",
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and any flags in flags that were set explicitly.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("VP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if flags != nil {
		for name, key := range FlagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field that has a closed set of values or a range.
func (c *Config) Validate() error {
	if !contains(Networks, c.Network) {
		return &Error{Field: "network", Value: c.Network, Reason: fmt.Sprintf("must be one of %v", Networks)}
	}
	if !contains(dataset.Names(), c.Dataset) {
		return &Error{Field: "dataset", Value: c.Dataset, Reason: "unsupported dataset"}
	}
	if c.Epochs <= 0 {
		return &Error{Field: "epoch", Value: c.Epochs, Reason: "must be positive"}
	}
	if c.LR <= 0 {
		return &Error{Field: "lr", Value: c.LR, Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &Error{Field: "batch_size", Value: c.BatchSize, Reason: "must be positive"}
	}
	if c.ImageSize < 0 {
		return &Error{Field: "image_size", Value: c.ImageSize, Reason: "must not be negative"}
	}
	if size, _ := c.InputSize(); c.Prompt.OutputSize < size {
		return &Error{Field: "prompt.output_size", Value: c.Prompt.OutputSize, Reason: fmt.Sprintf("smaller than input size %d", size)}
	}
	switch c.Mapping.Strategy {
	case "random", "matrix-derived":
	default:
		return &Error{Field: "mapping.strategy", Value: c.Mapping.Strategy, Reason: "must be random or matrix-derived"}
	}
	if len(c.Classifier) == 0 {
		return &Error{Field: "classifier", Value: nil, Reason: "no layers"}
	}
	return nil
}

// InputSize is the image side length fed to the prompt.
func (c *Config) InputSize() (int, error) {
	if c.ImageSize > 0 {
		return c.ImageSize, nil
	}
	return dataset.ImageSize(c.Dataset)
}

// RunFolder names the run directory from the settings that distinguish runs.
func (c *Config) RunFolder() string {
	return fmt.Sprintf("%s_%s_lr%g_ep%d_seed%d", c.Network, c.Dataset, c.LR, c.Epochs, c.Seed)
}

// RunDir is <results>/<experiment>/<run folder>.
func (c *Config) RunDir() string {
	return filepath.Join(c.Paths.Results, filepath.FromSlash(c.Experiment), c.RunFolder())
}

// WeightFiles returns the safetensors files of the network variant. mask
// is empty for the dense network.
func (c *Config) WeightFiles() (base, mask string) {
	if c.Network == "dense" {
		return filepath.Join(c.Paths.Weights, "dense.safetensors"), ""
	}
	dir := filepath.Join(c.Paths.Weights, c.Network)
	return filepath.Join(dir, "checkpoint.safetensors"), filepath.Join(dir, "mask.safetensors")
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// IsConfigError reports whether err carries a *Error.
func IsConfigError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
