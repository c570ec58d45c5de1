package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences (e.g. \U -> Unicode escape), causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "DEBUG"

tiers:
  memory:
    enabled: true
    size: 64Mi
    block_size: 4Mi
    associativity: 4
  bounded_filelock:
    enabled: true
    size: 256Mi
    block_size: 4Mi
    associativity: 4
    path: "` + yamlSafePath(tmpDir) + `/cache.dat"

network:
  enabled: true
  transfer_threads: 8
  decompression_threads: 4
  max_retries: 3
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected log level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Tiers.Memory.Size != 64*1024*1024 {
		t.Errorf("expected memory tier size 64Mi, got %d", cfg.Tiers.Memory.Size)
	}
	if !cfg.Tiers.BoundedFilelock.Enabled {
		t.Errorf("expected bounded_filelock tier to be enabled")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected no error when config file is absent, got %v", err)
	}
	if !cfg.Tiers.Memory.Enabled {
		t.Errorf("expected default config to enable the memory tier")
	}
}

func TestMustLoad_MissingConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	_, err := MustLoad(filepath.Join(tmpDir, "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for an explicitly missing config path")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	original := GetDefaultConfig()
	original.Logging.Level = "WARN"

	if err := SaveConfig(original, configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	if loaded.Logging.Level != "WARN" {
		t.Errorf("expected reloaded level WARN, got %q", loaded.Logging.Level)
	}
}
