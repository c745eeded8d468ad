// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Coffer embedders
// and the coffer CLI.
//
// Configuration is loaded from a single YAML file specified by:
//   - COFFER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for a Coffer storage instance.
type Config struct {
	// Root is the storage directory holding the encrypted records.
	Root string `yaml:"root"`

	// Salt overrides the HKDF salt. Empty selects the library
	// default. Changing this after records exist makes them
	// unrecoverable.
	Salt string `yaml:"salt,omitempty"`

	// Info overrides the HKDF info string, giving key separation
	// between application contexts on one device. Empty selects the
	// library default.
	Info string `yaml:"info,omitempty"`

	// Watch is the configured on/off switch for the directory watcher
	// over the storage root. It is only loaded and defaulted: nothing
	// reads it, and coffer.Manager starts its watcher whatever its
	// value.
	Watch bool `yaml:"watch"`

	// LogLevel selects the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible zero-values before the file is merged in;
// the config file remains the source of truth.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	return &Config{
		Root:     filepath.Join(homeDirectory, ".local", "share", "coffer"),
		Watch:    true,
		LogLevel: "info",
	}
}

// Load loads configuration from the COFFER_CONFIG environment
// variable. There are no fallbacks: if COFFER_CONFIG is not set, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("COFFER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("COFFER_CONFIG environment variable not set; " +
			"set it to the path of your coffer.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults. Environment variables do not override config
// values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// expandVariables expands ${HOME} and ${XDG_DATA_HOME} in Root.
func (c *Config) expandVariables() {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(homeDirectory, ".local", "share")
	}
	replacer := strings.NewReplacer(
		"${HOME}", homeDirectory,
		"${XDG_DATA_HOME}", dataHome,
	)
	c.Root = replacer.Replace(c.Root)
}
