package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Bus.Capacity = 256
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Bus.Capacity != 256 {
		t.Errorf("Bus.Capacity = %d, want 256", loaded.Bus.Capacity)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg := LoadOrDefault("/nonexistent/config.toml")
	if cfg.Bus.Capacity != 1024 {
		t.Errorf("Bus.Capacity = %d, want default 1024", cfg.Bus.Capacity)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want default 5", cfg.Retry.MaxAttempts)
	}
}

// TestPartialFileKeepsDefaults: a config that only overrides one knob must
// not zero out every other limit.
func TestPartialFileKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	partial := "[rates]\nchat_per_sec = 2.0\n"
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rates.ChatPerSec != 2.0 {
		t.Errorf("ChatPerSec = %v, want 2.0", cfg.Rates.ChatPerSec)
	}
	if cfg.Rates.GlobalPerSec != 25 {
		t.Errorf("GlobalPerSec = %v, want default 25", cfg.Rates.GlobalPerSec)
	}
	if cfg.Cache.MessagesPerChat != 500 {
		t.Errorf("MessagesPerChat = %d, want default 500", cfg.Cache.MessagesPerChat)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
