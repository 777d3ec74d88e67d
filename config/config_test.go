package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network != "LT" || cfg.Epochs != 200 || cfg.LR != 0.01 || cfg.Seed != 4 {
		t.Errorf("defaults = %s/%d/%g/%d, expected LT/200/0.01/4", cfg.Network, cfg.Epochs, cfg.LR, cfg.Seed)
	}
	if cfg.Prompt.OutputSize != 224 || !cfg.Prompt.Normalize {
		t.Errorf("prompt defaults = %+v", cfg.Prompt)
	}
	if len(cfg.Classifier) != 2 || cfg.Classifier[0].Kernel != 8 || cfg.Classifier[1].Units != 1000 {
		t.Errorf("classifier defaults = %+v", cfg.Classifier)
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	data := `
network: dense
dataset: svhn
epoch: 20
prompt:
  output_size: 64
classifier:
  - type: flatten
  - type: dense
    name: head
    units: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Float64("lr", 0.01, "")
	flags.Int("epoch", 200, "")
	if err := flags.Parse([]string{"--lr", "0.05"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network != "dense" || cfg.Dataset != "svhn" {
		t.Errorf("file values not applied: %s %s", cfg.Network, cfg.Dataset)
	}
	if cfg.LR != 0.05 {
		t.Errorf("lr = %g, expected flag value 0.05", cfg.LR)
	}
	if cfg.Epochs != 20 {
		t.Errorf("epoch = %d, expected file value 20 over unset flag", cfg.Epochs)
	}
	if len(cfg.Classifier) != 2 || cfg.Classifier[1].Name != "head" {
		t.Errorf("classifier = %+v", cfg.Classifier)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"network", func(c *Config) { c.Network = "vgg" }, "network"},
		{"dataset", func(c *Config) { c.Dataset = "mnist" }, "dataset"},
		{"epochs", func(c *Config) { c.Epochs = 0 }, "epoch"},
		{"lr", func(c *Config) { c.LR = -1 }, "lr"},
		{"batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"output size", func(c *Config) { c.Prompt.OutputSize = 16 }, "prompt.output_size"},
		{"strategy", func(c *Config) { c.Mapping.Strategy = "greedy" }, "mapping.strategy"},
		{"classifier", func(c *Config) { c.Classifier = nil }, "classifier"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Load("", nil)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			test.mutate(cfg)
			err = cfg.Validate()
			if !IsConfigError(err) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if got := err.(*Error).Field; got != test.field {
				t.Errorf("field = %s, expected %s", got, test.field)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.RunFolder(); got != "LT_cifar10_lr0.01_ep200_seed4" {
		t.Errorf("RunFolder = %s", got)
	}
	want := filepath.Join("results", "cnn", "rlm_vp", "LT_cifar10_lr0.01_ep200_seed4")
	if got := cfg.RunDir(); got != want {
		t.Errorf("RunDir = %s, expected %s", got, want)
	}

	base, mask := cfg.WeightFiles()
	if base != filepath.Join("weights", "LT", "checkpoint.safetensors") || mask != filepath.Join("weights", "LT", "mask.safetensors") {
		t.Errorf("WeightFiles = %s %s", base, mask)
	}
	cfg.Network = "dense"
	if _, mask := cfg.WeightFiles(); mask != "" {
		t.Errorf("dense network has mask file %s", mask)
	}

	if size, err := cfg.InputSize(); err != nil || size != 32 {
		t.Errorf("InputSize = %d, %v, expected 32", size, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Dataset = "dtd"
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load of saved config failed: %v", err)
	}
	if loaded.Dataset != "dtd" || loaded.Classifier[1].Units != 1000 {
		t.Errorf("reloaded config = %+v", loaded)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"nonsense", logrus.InfoLevel},
	}
	for _, test := range tests {
		if got := NewLogger(test.level, nil).GetLevel(); got != test.want {
			t.Errorf("NewLogger(%q) level = %v, expected %v", test.level, got, test.want)
		}
	}

	var buf bytes.Buffer
	NewLogger("info", &buf).WithField("epoch", 3).Info("done")
	if !strings.Contains(buf.String(), "epoch=3") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "app", "vp-train", "config.example.yaml"), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Plotting.Timeout.Seconds() != 30 || cfg.Checkpoint.Format != "proto" {
		t.Errorf("example config = %+v", cfg)
	}
}
