// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for federation
// components.
//
// Configuration is loaded from a single file specified by:
//   - FEDERATION_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for federation components.
type Config struct {
	// ServerName is this homeserver's name, the part after the colon
	// in its user and room identifiers.
	ServerName string `yaml:"server_name"`

	// KeyVersion names the active event-signing key
	// ("ed25519:<version>" on the wire).
	KeyVersion string `yaml:"key_version"`

	// DefaultRoomVersion is the room version used when creating
	// rooms without an explicit version.
	DefaultRoomVersion string `yaml:"default_room_version"`

	// Database configures the sqlite event store.
	Database DatabaseConfig `yaml:"database"`

	// Cache configures the per-room state caches.
	Cache CacheConfig `yaml:"cache"`

	// Replay configures the federation-replay tool.
	Replay ReplayConfig `yaml:"replay"`
}

// DatabaseConfig configures the sqlite event store.
type DatabaseConfig struct {
	// Path is the sqlite database file. The parent directory must
	// exist.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Zero means the
	// store's default.
	PoolSize int `yaml:"pool_size"`
}

// CacheConfig configures the per-room state caches.
type CacheConfig struct {
	// BudgetBytes bounds each room's state cache in estimated bytes.
	// Zero means the cache's default.
	BudgetBytes int64 `yaml:"budget_bytes"`
}

// ReplayConfig configures the federation-replay determinism checker.
type ReplayConfig struct {
	// Shuffles is how many random delivery orders each scenario is
	// replayed in, beyond the file order.
	Shuffles int `yaml:"shuffles"`

	// Seed drives the shuffle generator so runs are reproducible.
	Seed int64 `yaml:"seed"`
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		ServerName:         "localhost",
		KeyVersion:         "auto",
		DefaultRoomVersion: "10",
		Database: DatabaseConfig{
			Path: "${FEDERATION_ROOT:-.}/events.db",
		},
		Replay: ReplayConfig{
			Shuffles: 10,
			Seed:     1,
		},
	}
}

// Load loads configuration from the path in FEDERATION_CONFIG. There
// are no fallbacks: if the variable is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("FEDERATION_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FEDERATION_CONFIG environment variable not set; " +
			"set it to the path of your federation.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults. Environment variables do not override config
// values; the only expansion is ${VAR} and ${VAR:-default} in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Database.Path = expandVars(c.Database.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	}
	if c.KeyVersion == "" {
		errs = append(errs, fmt.Errorf("key_version is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Replay.Shuffles < 0 {
		errs = append(errs, fmt.Errorf("replay.shuffles must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
