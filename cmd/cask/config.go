// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// configEnvVar names the config file when --config is not given.
const configEnvVar = "CASK_CONFIG"

// fileConfig is the YAML configuration for the cask CLI. Everything
// is optional; flags override file values.
type fileConfig struct {
	// Socket is the daemon's Unix socket path.
	Socket string `yaml:"socket"`

	// DaemonCommand forks the given command on a socketpair instead
	// of dialing Socket. The first element is the binary, resolved
	// on PATH and in the standard Nix profile locations.
	DaemonCommand []string `yaml:"daemon_command"`

	// MaxConnections bounds the connection pool.
	MaxConnections int `yaml:"max_connections"`

	// MaxConnectionAge retires pooled connections, e.g. "5m".
	MaxConnectionAge duration `yaml:"max_connection_age"`

	// Settings are daemon settings pushed on connect, by name.
	Settings map[string]string `yaml:"settings"`
}

// duration parses YAML duration strings like "90s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

// loadConfig reads the config file named by path, or by CASK_CONFIG
// when path is empty. A missing name means defaults.
func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
