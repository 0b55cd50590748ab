package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AutoLockMinutes != 15 {
		t.Errorf("AutoLockMinutes = %d, want 15", cfg.AutoLockMinutes)
	}
	if cfg.UI.Scale != 1.0 {
		t.Errorf("UI.Scale = %v, want 1.0", cfg.UI.Scale)
	}
	if cfg.UI.HighContrast {
		t.Error("HighContrast should default to false")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	in := &Config{
		VaultDir:        "/custom/vault",
		AutoLockMinutes: 5,
		KDF:             KDF{Time: 4, Memory: 128 * 1024, Threads: 2},
		UI:              UI{Scale: 1.5, HighContrast: true},
	}
	if err := Save(dir, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *got != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not yaml: ["), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load should fail on invalid YAML")
	}
}

func TestLoadNormalizes(t *testing.T) {
	dir := t.TempDir()
	raw := "ui:\n  scale: -2\nauto_lock_minutes: -10\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.UI.Scale != 1.0 {
		t.Errorf("Scale = %v, want normalized 1.0", cfg.UI.Scale)
	}
	if cfg.AutoLockMinutes != 0 {
		t.Errorf("AutoLockMinutes = %d, want 0", cfg.AutoLockMinutes)
	}
}

func TestResolveVaultDir(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveVaultDir("/app"); got != "/app" {
		t.Errorf("ResolveVaultDir = %q, want /app", got)
	}
	cfg.VaultDir = "/elsewhere"
	if got := cfg.ResolveVaultDir("/app"); got != "/elsewhere" {
		t.Errorf("ResolveVaultDir = %q, want /elsewhere", got)
	}
}
