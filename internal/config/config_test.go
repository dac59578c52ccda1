package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay != defaultRelay {
		t.Errorf("relay = %q, want default", cfg.Relay)
	}
	if len(cfg.Ignore) == 0 {
		t.Error("default ignore list should not be empty")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := &Config{
		Relay:    "wss://example.test/ws",
		Handle:   "alice",
		LogLevel: "debug",
		Ignore:   []string{".git", "dist"},
	}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Relay != cfg.Relay || loaded.Handle != cfg.Handle || loaded.LogLevel != cfg.LogLevel {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Ignore) != 2 || loaded.Ignore[1] != "dist" {
		t.Errorf("ignore = %v", loaded.Ignore)
	}
}

func TestLoadBadYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("relay: [unterminated"), 0o644)
	if _, err := LoadFrom(path); err == nil {
		t.Error("bad yaml should fail to load")
	}
}

func TestIgnored(t *testing.T) {
	cfg := Default()
	if !cfg.Ignored(".git") {
		t.Error(".git should be ignored by default")
	}
	if cfg.Ignored("src") {
		t.Error("src should not be ignored")
	}
	cfg.Ignore = append(cfg.Ignore, "*.tmp")
	if !cfg.Ignored("scratch.tmp") {
		t.Error("glob patterns should match")
	}
}
