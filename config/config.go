// Package config loads graph settings from a YAML or TOML file.
//
// The format is picked from the file extension: .yaml and .yml are decoded
// as YAML, .toml as TOML. Missing settings take the storage defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/a-poor/bluegraph/storage"
)

// Config is the file representation of a graph's settings.
type Config struct {
	Directory string          `yaml:"directory" toml:"directory"`
	Nodes     PartitionConfig `yaml:"nodes" toml:"nodes"`
	Edges     PartitionConfig `yaml:"edges" toml:"edges"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// PartitionConfig sizes the partitions of one record family.
type PartitionConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`

	// BucketDepth is a pointer so an explicit 0 (no bucketing) can be told
	// apart from a missing setting.
	BucketDepth *int `yaml:"bucket_depth" toml:"bucket_depth"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error") and
// format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Directory) == "" {
		c.Directory = storage.DefaultDirectory
	}
	if c.Nodes.Capacity == 0 {
		c.Nodes.Capacity = storage.DefaultNodeCapacity
	}
	if c.Edges.Capacity == 0 {
		c.Edges.Capacity = storage.DefaultEdgeCapacity
	}
	if c.Nodes.BucketDepth == nil {
		d := storage.DefaultNodeBucketDepth
		c.Nodes.BucketDepth = &d
	}
	if c.Edges.BucketDepth == nil {
		d := storage.DefaultEdgeBucketDepth
		c.Edges.BucketDepth = &d
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Nodes.Capacity < 1 {
		return fmt.Errorf("nodes.capacity must be positive, got %d", c.Nodes.Capacity)
	}
	if c.Edges.Capacity < 1 {
		return fmt.Errorf("edges.capacity must be positive, got %d", c.Edges.Capacity)
	}
	if c.Nodes.BucketDepth != nil && *c.Nodes.BucketDepth < 0 {
		return fmt.Errorf("nodes.bucket_depth must not be negative, got %d", *c.Nodes.BucketDepth)
	}
	if c.Edges.BucketDepth != nil && *c.Edges.BucketDepth < 0 {
		return fmt.Errorf("edges.bucket_depth must not be negative, got %d", *c.Edges.BucketDepth)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Options converts the config to storage options. Logger and Registerer are
// left for the caller to set.
func (c *Config) Options() storage.Options {
	opts := storage.DefaultOptions()
	opts.Directory = c.Directory
	opts.NodeCapacity = c.Nodes.Capacity
	opts.EdgeCapacity = c.Edges.Capacity
	if c.Nodes.BucketDepth != nil {
		opts.NodeBucketDepth = *c.Nodes.BucketDepth
	}
	if c.Edges.BucketDepth != nil {
		opts.EdgeBucketDepth = *c.Edges.BucketDepth
	}
	return opts
}
