// Package config provides the optional YAML configuration file for the
// downloader. Command line flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration validation
var (
	ErrInvalidLogLevel  = errors.New("log_level must be one of debug, info, warn, error")
	ErrInvalidLogFormat = errors.New("log_format must be json or text")
	ErrNegativeCacheTTL = errors.New("cache.ttl must not be negative")
)

// Config represents the top-level configuration structure.
type Config struct {
	OutputDirectory string      `yaml:"output_directory"`
	Quiet           bool        `yaml:"quiet"`
	LogLevel        string      `yaml:"log_level"`
	LogFormat       string      `yaml:"log_format"`
	URLs            URLConfig   `yaml:"urls"`
	Cache           CacheConfig `yaml:"cache"`
}

// URLConfig allows pointing the downloader at mirrors of the official
// repositories.
type URLConfig struct {
	ReleaseBase  string `yaml:"release_base"`
	DailyBuilds  string `yaml:"daily_builds"`
	DailyArchive string `yaml:"daily_archive"`
	Manifest     string `yaml:"manifest"`
}

// CacheConfig controls the request cache.
type CacheConfig struct {
	Path     string `yaml:"path"`
	TTL      string `yaml:"ttl"`
	Disabled bool   `yaml:"disabled"`
}

// GetTTL parses and returns the cache TTL duration. Zero means the cache
// default applies.
func (c *CacheConfig) GetTTL() time.Duration {
	if c.TTL == "" {
		return 0
	}
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0
	}
	return ttl
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		OutputDirectory: ".",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config directory: %w", err)
	}
	return filepath.Join(base, "blender-downloader", "config.yaml"), nil
}

// LoadConfig reads and validates the configuration file at filePath. A
// missing file yields the defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	if c.Cache.TTL != "" {
		ttl, err := time.ParseDuration(c.Cache.TTL)
		if err != nil {
			return fmt.Errorf("invalid cache.ttl: %w", err)
		}
		if ttl < 0 {
			return ErrNegativeCacheTTL
		}
	}
	return nil
}
