package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rexxfleet/orchestrator/internal/security"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != security.ModeModerate {
		t.Errorf("default mode = %q, want moderate", cfg.Mode)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.DefaultTimeout)
	}
	if !cfg.SudoRetryExec || cfg.SudoRetryTransfer {
		t.Errorf("default sudo retry = (%v, %v), want (true, false)", cfg.SudoRetryExec, cfg.SudoRetryTransfer)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLEETENGINE_MODE", "strict")
	t.Setenv("FLEETENGINE_MAX_MEMORY_BYTES", "1073741824")
	t.Setenv("FLEETENGINE_MAX_CPUS", "2.5")
	t.Setenv("FLEETENGINE_ALLOWED_VOLUME_PATHS", "/srv/data, /srv/scratch")
	t.Setenv("FLEETENGINE_AUTO_STOP_BASES", "true")
	t.Setenv("FLEETENGINE_DEFAULT_TIMEOUT_SECONDS", "45")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != security.ModeStrict {
		t.Errorf("mode = %q, want strict", cfg.Mode)
	}
	if cfg.MaxMemoryBytes != 1073741824 {
		t.Errorf("max memory = %d", cfg.MaxMemoryBytes)
	}
	if cfg.MaxCPUs != 2.5 {
		t.Errorf("max cpus = %v", cfg.MaxCPUs)
	}
	if len(cfg.AllowedVolumePaths) != 2 || cfg.AllowedVolumePaths[0] != "/srv/data" {
		t.Errorf("allowed volume paths = %v", cfg.AllowedVolumePaths)
	}
	if !cfg.AutoStopBases {
		t.Error("auto stop bases should be true")
	}
	if cfg.DefaultTimeout != 45*time.Second {
		t.Errorf("default timeout = %v, want 45s", cfg.DefaultTimeout)
	}

	policy, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if policy.Mode != security.ModeStrict {
		t.Errorf("policy mode = %q", policy.Mode)
	}
}

func TestLoadFromFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	content := `
mode = "strict"
max_memory_bytes = 536870912
allowed_images = ["library/alpine", "library/debian"]
sudo_retry_transfer = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != security.ModeStrict {
		t.Errorf("mode = %q, want strict", cfg.Mode)
	}
	if cfg.MaxMemoryBytes != 536870912 {
		t.Errorf("max memory = %d", cfg.MaxMemoryBytes)
	}
	if len(cfg.AllowedImages) != 2 {
		t.Errorf("allowed images = %v", cfg.AllowedImages)
	}
	if !cfg.SudoRetryTransfer {
		t.Error("sudo retry transfer should be true from file overlay")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing explicit policy file")
	}
}

func TestDelimiterStyle(t *testing.T) {
	cfg := Default()
	cfg.VariableDelimiter = "dollar"
	if cfg.DelimiterStyle() != "dollar" {
		t.Errorf("DelimiterStyle() = %q, want dollar", cfg.DelimiterStyle())
	}
	cfg.VariableDelimiter = "unknown"
	if cfg.DelimiterStyle() != "braces" {
		t.Errorf("DelimiterStyle() = %q, want braces fallback", cfg.DelimiterStyle())
	}
}
