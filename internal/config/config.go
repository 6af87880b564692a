// Copyright 2025 Stashmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the stashmirror configuration from
// {config_dir}/config.yaml. The config directory defaults to ~/.stashmirror
// and can be moved with STASHMIRROR_CONFIG_DIR (used for test isolation).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stashmirror/internal/artifacts"
)

// getConfigDir returns the config directory path. Computed dynamically so
// tests can repoint it via the environment.
func getConfigDir() string {
	if dir := os.Getenv("STASHMIRROR_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stashmirror")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// LockPath returns the sync process lock file path.
func LockPath() string {
	return filepath.Join(getConfigDir(), "sync.lock")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with the default config
// file. An existing config is never overwritten.
func InitConfigDir() (created bool, err error) {
	if err := EnsureConfigDir(); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, artifacts.DefaultConfig, 0600); err != nil {
		return false, fmt.Errorf("failed to create default config: %w", err)
	}
	return true, nil
}

// Instance is one upstream source to mirror. The id becomes part of every
// mirrored row's composite identity and must never change once synced.
type Instance struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Config is the stashmirror configuration.
type Config struct {
	DataFile         string     `yaml:"datafile"`           // default: "mirror.db", relative to config dir
	LogLevel         string     `yaml:"log_level"`          // trace, debug, info, warn, off
	SyncInterval     string     `yaml:"sync_interval"`      // Go duration, default "15m"
	PerPage          int        `yaml:"per_page"`           // default 100
	EscalateAfter    int        `yaml:"escalate_after"`     // default 3
	SyncBusyTimeout  int        `yaml:"sync_busy_timeout"`  // ms, 0 = default
	QueryBusyTimeout int        `yaml:"query_busy_timeout"` // ms, 0 = default
	WriteBack        bool       `yaml:"write_back"`         // push overlay mutations upstream
	Instances        []Instance `yaml:"instances"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.DataFile == "" {
		cfg.DataFile = "mirror.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SyncInterval == "" {
		cfg.SyncInterval = "15m"
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
}

// Validate checks instance entries for the mistakes that would corrupt a
// mirror: missing ids, duplicate ids, missing URLs.
func (cfg *Config) Validate() error {
	seen := make(map[string]bool, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance with url %q has no id", inst.URL)
		}
		if inst.URL == "" {
			return fmt.Errorf("instance %q has no url", inst.ID)
		}
		if seen[inst.ID] {
			return fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	return nil
}

// DataFilePath resolves the mirror database path. Relative paths resolve
// against the config directory.
func (cfg *Config) DataFilePath() string {
	if filepath.IsAbs(cfg.DataFile) {
		return cfg.DataFile
	}
	return filepath.Join(getConfigDir(), cfg.DataFile)
}

// Interval parses the sync interval, falling back to the default on a
// malformed value.
func (cfg *Config) Interval() time.Duration {
	d, err := time.ParseDuration(cfg.SyncInterval)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// LoggingEnabled reports whether logging is on (level other than "off").
func (cfg *Config) LoggingEnabled() bool {
	level := strings.ToLower(cfg.LogLevel)
	return level != "" && level != "off" && level != "none"
}

// Load reads the config file, falling back to embedded defaults if it does
// not exist.
func Load() (*Config, error) {
	return LoadFromPath(ConfigPath())
}

// LoadFromPath reads a config file from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = artifacts.DefaultConfig
		} else {
			return nil, err
		}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
