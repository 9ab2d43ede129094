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
	if cfg.HTTPPort != "8090" {
		t.Fatalf("default port = %q", cfg.HTTPPort)
	}
	if cfg.Workers != 4 {
		t.Fatalf("default workers = %d", cfg.Workers)
	}
	if cfg.Cadence.CollectSeconds != 30 {
		t.Fatalf("default collect cadence = %d", cfg.Cadence.CollectSeconds)
	}
	if cfg.Cadence.TrainAllSeconds != 86400 {
		t.Fatalf("default train-all cadence = %d", cfg.Cadence.TrainAllSeconds)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("httpPort: \"9000\"\nworkers: 8\ncadence:\n  collectSeconds: 15\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "9100")
	t.Setenv("WORKER_COUNT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// env beats file, file beats default
	if cfg.HTTPPort != "9100" {
		t.Fatalf("port = %q, want env override 9100", cfg.HTTPPort)
	}
	if cfg.Workers != 8 {
		t.Fatalf("workers = %d, want file value 8", cfg.Workers)
	}
	if cfg.Cadence.CollectSeconds != 15 {
		t.Fatalf("collect cadence = %d, want 15", cfg.Cadence.CollectSeconds)
	}
	// untouched fields keep defaults
	if cfg.Cadence.CleanupSeconds != 86400 {
		t.Fatalf("cleanup cadence = %d, want default", cfg.Cadence.CleanupSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatalf("missing file must error")
	}
}

func TestLoadNonPositiveWorkers(t *testing.T) {
	t.Setenv("WORKER_COUNT", "-2")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("non-positive workers should fall back, got %d", cfg.Workers)
	}
}
