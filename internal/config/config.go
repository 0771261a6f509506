// Package config loads .sift.yaml and answers which tracked files are
// in scope for fingerprinting.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Filename is the config file looked up at the project root.
const Filename = ".sift.yaml"

// DefaultBatchSize is the recorder flush boundary when unset.
const DefaultBatchSize = 250

// Remote configures the network fingerprint store.
type Remote struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Config is the project configuration.
type Config struct {
	Repo        string   `yaml:"repo"`
	Job         string   `yaml:"job"`
	Environment string   `yaml:"environment"`
	Database    string   `yaml:"database"`
	BatchSize   int      `yaml:"batchSize"`
	Include     []string `yaml:"include"`
	Exclude     []string `yaml:"exclude"`
	Remote      Remote   `yaml:"remote"`
}

// Default returns the configuration used when no .sift.yaml exists.
func Default() *Config {
	return &Config{
		Repo:        "default",
		Job:         "default",
		Environment: "default",
		Database:    filepath.Join(".sift", "sift.db"),
		BatchSize:   DefaultBatchSize,
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir loads root/.sift.yaml, falling back to defaults when the file
// does not exist.
func LoadDir(root string) (*Config, error) {
	cfg, err := Load(filepath.Join(root, Filename))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	for _, pattern := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}
	if c.Remote.Retries < 0 {
		return fmt.Errorf("remote retries must not be negative, got %d", c.Remote.Retries)
	}
	return nil
}

// Matches reports whether a slash-separated relative path is in scope.
// An empty include list means everything; excludes always win.
func (c *Config) Matches(path string) bool {
	for _, pattern := range c.Exclude {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, pattern := range c.Include {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
