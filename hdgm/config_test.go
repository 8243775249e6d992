package hdgm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
	if cfg.PixelCount() != 784 {
		t.Errorf("Expected 784 pixels, got %d", cfg.PixelCount())
	}
	cfg.MCSamples = 3
	if cfg.Rows() != 384 {
		t.Errorf("Expected 384 rows, got %d", cfg.Rows())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		cause  error
	}{
		{"unknown likelihood", func(c *Config) { c.Likelihood = "poisson" }, ErrUnknownLikelihood},
		{"no channels", func(c *Config) { c.Channels = 0 }, ErrInvalidConfig},
		{"one class", func(c *Config) { c.Classes = 1 }, ErrInvalidConfig},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, ErrInvalidConfig},
		{"small superbatch", func(c *Config) { c.SuperbatchSize = 10 }, ErrInvalidConfig},
		{"no samples", func(c *Config) { c.MCSamples = 0 }, ErrInvalidConfig},
		{"negative weight", func(c *Config) { c.SupervisedWeight = -1 }, ErrInvalidConfig},
		{"tiny image", func(c *Config) { c.InputDim = 6 }, ErrInvalidConfig},
		{"gaussian", func(c *Config) { c.Likelihood = Gaussian }, nil},
		{"smallest image", func(c *Config) { c.InputDim = 15 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if errors.Cause(err) != tt.cause {
				t.Errorf("Expected cause %v, got %v", tt.cause, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	if err := os.WriteFile(path, []byte(`{"classes": 5, "likelihood": "gaussian", "mc_samples": 2}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Classes != 5 || cfg.Likelihood != Gaussian || cfg.MCSamples != 2 {
		t.Errorf("Expected overrides to apply, got %+v", cfg)
	}
	if cfg.BatchSize != 128 || cfg.OptimizerParams["lr"] != 1e-3 {
		t.Errorf("Expected defaults for unset fields, got %+v", cfg)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"likelihood": "laplace"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); errors.Cause(err) != ErrUnknownLikelihood {
		t.Errorf("Expected ErrUnknownLikelihood, got %v", err)
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}
}
