// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the traced daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - the TRACED_CONFIG environment variable, or
//   - the --config flag passed to the daemon.
//
// There are no fallbacks or automatic discovery, and flag values
// override file values. This keeps configuration deterministic and
// auditable with no hidden overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on for chunk
	// announcements.
	SocketPath string `yaml:"socket_path"`

	// ShmDir is the directory holding shared-memory chunk objects.
	ShmDir string `yaml:"shm_dir"`

	// Output is the trace document destination: a file path, or "-"
	// for stdout.
	Output string `yaml:"output"`

	// Compress selects output compression: "none", "gzip", or "zstd".
	// Empty means none unless the output suffix implies otherwise.
	Compress string `yaml:"compress"`

	// LogLevel is the slog level for daemon logging: "debug", "info",
	// "warn", or "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SocketPath: "/tmp/traced",
		ShmDir:     "/dev/shm",
		Output:     "-",
		LogLevel:   "info",
	}
}

// Load reads the configuration file at path. If path is empty, the
// TRACED_CONFIG environment variable names the file; if that is also
// empty, Load returns Default() untouched. Unknown keys are an error —
// a typoed key silently doing nothing is worse than a failed start.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("TRACED_CONFIG")
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SlogLevel converts the configured log level to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", c.LogLevel)
	}
}
