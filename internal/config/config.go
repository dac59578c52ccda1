// Package config loads wingpad's settings from ~/.wingpad/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the client settings.
type Config struct {
	// Relay is the websocket URL of the relay server.
	Relay string `yaml:"relay,omitempty"`
	// Handle is the display name other peers see; immutable for the
	// lifetime of a session.
	Handle string `yaml:"handle,omitempty"`
	// Token is the device auth token for the relay.
	Token string `yaml:"token,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`

	// StorePath overrides the sqlite history location.
	StorePath string `yaml:"store_path,omitempty"`

	// Ignore lists glob patterns the watcher and the initial walk skip.
	Ignore []string `yaml:"ignore,omitempty"`
}

const defaultRelay = "wss://relay.wingpad.dev/ws"

var defaultIgnore = []string{".git", "node_modules", "target"}

func Default() *Config {
	return &Config{
		Relay:    defaultRelay,
		LogLevel: "info",
		Ignore:   append([]string(nil), defaultIgnore...),
	}
}

// Dir returns the config directory, creating nothing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wingpad"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file, falling back to defaults when it doesn't
// exist.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Relay == "" {
		cfg.Relay = defaultRelay
	}
	if len(cfg.Ignore) == 0 {
		cfg.Ignore = append([]string(nil), defaultIgnore...)
	}
	return cfg, nil
}

// Save writes the config file, creating the directory if needed.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// StoreLocation resolves the sqlite path, defaulting inside the config dir.
func (c *Config) StoreLocation() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "wingpad.db"), nil
}

// Ignored reports whether a path component matches an ignore pattern.
func (c *Config) Ignored(name string) bool {
	for _, pattern := range c.Ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
