// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the modelmux server.
// It handles loading and parsing the YAML configuration file, and provides
// structured access to application settings including server bind address,
// backend endpoints, probe timing, and logging options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCloudAddress is the metered cloud backend root.
	DefaultCloudAddress = "https://api.modelmux.dev"
	// DefaultLocalAddress is the local Ollama daemon root.
	DefaultLocalAddress = "http://127.0.0.1:11434"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for
	// local-only access.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// CloudAddress is the root URL of the metered cloud backend.
	CloudAddress string `yaml:"cloud-address"`
	// LocalAddress is the root URL of the local inference daemon.
	LocalAddress string `yaml:"local-address"`

	// CustomBackends seeds custom endpoints at startup, in addition to any
	// persisted ones. Persisted records win on address collision.
	CustomBackends []CustomBackend `yaml:"custom-backends"`

	// ProbeTimeoutMs bounds a single health probe attempt in milliseconds.
	ProbeTimeoutMs int `yaml:"probe-timeout-ms"`
	// ProbeIntervalSec is the period of the background health sweep in
	// seconds. Set to 0 to disable periodic probing.
	ProbeIntervalSec int `yaml:"probe-interval-sec"`

	// StatePath is the SQLite database file holding persisted state.
	StatePath string `yaml:"state-path"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`
	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`
	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under
	// the logs directory. Set to 0 to disable.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`
}

// CustomBackend is one user-supplied endpoint declared in the config file.
type CustomBackend struct {
	Address    string `yaml:"address"`
	Credential string `yaml:"credential"`
	Enabled    bool   `yaml:"enabled"`
}

// ProbeTimeout returns the configured probe bound as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the sweep period, or 0 when periodic probing is off.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

// LoadConfig reads YAML from configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. If optional is true and the
// file is missing or empty, it returns a default Config.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if optional && len(data) == 0 {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills absent keys with their defaults.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.CloudAddress == "" {
		c.CloudAddress = DefaultCloudAddress
	}
	if c.LocalAddress == "" {
		c.LocalAddress = DefaultLocalAddress
	}
	if c.ProbeTimeoutMs == 0 {
		c.ProbeTimeoutMs = 2500
	}
	if c.StatePath == "" {
		c.StatePath = "modelmux.db"
	}
}
