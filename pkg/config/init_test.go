package config

import (
	"path/filepath"
	"testing"
)

func TestGetConfigDir_HonorsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg")

	dir := GetConfigDir()
	want := filepath.Join("/custom/xdg", "tazer")
	if dir != want {
		t.Errorf("expected %q, got %q", want, dir)
	}
}

func TestGetDefaultConfigPath_IsConfigYamlUnderConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg")

	path := GetDefaultConfigPath()
	want := filepath.Join("/custom/xdg", "tazer", "config.yaml")
	if path != want {
		t.Errorf("expected %q, got %q", want, path)
	}
}

func TestDefaultConfigExists_FalseWhenAbsent(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if DefaultConfigExists() {
		t.Error("expected no default config to exist in a fresh temp dir")
	}
}

func TestDefaultConfigExists_TrueAfterSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if err := SaveConfig(GetDefaultConfig(), GetDefaultConfigPath()); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	if !DefaultConfigExists() {
		t.Error("expected default config to exist after SaveConfig")
	}
}

func TestMustLoad_UsesDefaultLocationWhenConfigPathEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	saved := GetDefaultConfig()
	saved.Logging.Level = "ERROR"
	if err := SaveConfig(saved, GetDefaultConfigPath()); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	cfg, err := MustLoad("")
	if err != nil {
		t.Fatalf("expected MustLoad to find the default config, got: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected loaded level ERROR, got %q", cfg.Logging.Level)
	}
}

func TestMustLoad_ErrorsWhenNoDefaultConfigExists(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if _, err := MustLoad(""); err == nil {
		t.Fatal("expected an error pointing at `tazerctl config init` when no default config exists")
	}
}
