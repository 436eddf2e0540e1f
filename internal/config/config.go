// Package config handles configuration loading from TOML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Log   LogConfig   `toml:"log"`
	Index IndexConfig `toml:"index"`
	Cache CacheConfig `toml:"cache"`
}

// LogConfig holds logging settings. The server's stdout carries the LSP
// protocol, so logs go to stderr or a file.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// LevelOrDefault returns the configured level or "info" if unset.
func (l LogConfig) LevelOrDefault() string {
	if l.Level == "" {
		return "info"
	}
	return l.Level
}

// IndexConfig holds workspace indexing settings.
type IndexConfig struct {
	Enabled *bool `toml:"enabled"`
}

// EnabledOrDefault returns whether background indexing is on; defaults to true.
func (i IndexConfig) EnabledOrDefault() bool {
	if i.Enabled == nil {
		return true
	}
	return *i.Enabled
}

// CacheConfig holds declaration cache settings.
type CacheConfig struct {
	Path string `toml:"path"`
}

// PathOrDefault returns the configured cache path or index.db in the data
// directory. Empty when neither can be resolved.
func (c CacheConfig) PathOrDefault() string {
	if c.Path != "" {
		return c.Path
	}
	dir, err := EnsureDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "index.db")
}

var logLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "disabled": true,
}

// Load reads configuration from a TOML file and applies environment variable
// overrides. A missing file is not an error: the server starts with defaults
// so editors can launch it bare.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if !logLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level=%q is not a zerolog level", c.Log.Level))
	}
	if c.Log.File != "" {
		if dir := filepath.Dir(c.Log.File); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				errs = append(errs, fmt.Errorf("log.file directory %q does not exist", dir))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SHLS_LOG_LEVEL", func(v string) {
			if v != "" {
				cfg.Log.Level = v
			}
		}},
		{"SHLS_LOG_FILE", func(v string) {
			if v != "" {
				cfg.Log.File = v
			}
		}},
		{"SHLS_CACHE_PATH", func(v string) {
			if v != "" {
				cfg.Cache.Path = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DefaultPath returns the path of the default config file (~/.config/shls/config.toml).
func DefaultPath() string {
	dir, err := DataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// DataDir returns the path to the shls data directory (~/.config/shls).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "shls"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
