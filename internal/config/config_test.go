package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "tpm" {
		t.Errorf("Backend = %q, want tpm", cfg.Backend)
	}
	if cfg.Compression != "zstd" {
		t.Errorf("Compression = %q, want zstd", cfg.Compression)
	}
	if err := cfg.Geometry().Validate(); err != nil {
		t.Errorf("default geometry invalid: %v", err)
	}
	if _, err := cfg.DefaultSchedule(); err != nil {
		t.Errorf("default schedule invalid: %v", err)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinguard.toml")
	data := `
store_dir = "/tmp/store"
backend = "soft"
schedule = "3:10,6:forever"

[soft]
state_path = "/tmp/soft.state"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDir != "/tmp/store" {
		t.Errorf("StoreDir = %q", cfg.StoreDir)
	}
	if cfg.Backend != "soft" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.Soft.StatePath != "/tmp/soft.state" {
		t.Errorf("Soft.StatePath = %q", cfg.Soft.StatePath)
	}
	// Untouched keys keep their defaults.
	if cfg.Compression != "zstd" {
		t.Errorf("Compression = %q, want zstd", cfg.Compression)
	}
	sched, err := cfg.DefaultSchedule()
	if err != nil {
		t.Fatalf("DefaultSchedule: %v", err)
	}
	if len(sched) != 2 {
		t.Errorf("schedule has %d entries, want 2", len(sched))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.toml"); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
