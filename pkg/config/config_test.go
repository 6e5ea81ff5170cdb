package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetchq.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Cache.MaxBytes != 20<<20 {
		t.Errorf("MaxBytes = %d, want 20 MiB", cfg.Cache.MaxBytes)
	}
	if cfg.Network.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want 4", cfg.Network.PoolSize)
	}
	if cfg.WriteDelay() != 5*time.Second {
		t.Errorf("WriteDelay = %v, want 5s", cfg.WriteDelay())
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
cache:
  dir: /var/cache/fetchq
  max_bytes: 1048576
  write_delay: 250ms
network:
  pool_size: 8
bandwidth:
  lower_kbps: 20
  upper_kbps: 40
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.Dir != "/var/cache/fetchq" {
		t.Errorf("Dir = %q", cfg.Cache.Dir)
	}
	if cfg.Cache.MaxBytes != 1<<20 {
		t.Errorf("MaxBytes = %d, want 1 MiB", cfg.Cache.MaxBytes)
	}
	if cfg.WriteDelay() != 250*time.Millisecond {
		t.Errorf("WriteDelay = %v, want 250ms", cfg.WriteDelay())
	}
	if cfg.Network.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want 8", cfg.Network.PoolSize)
	}
	if cfg.Bandwidth.LowerKBps != 20 || cfg.Bandwidth.UpperKBps != 40 {
		t.Errorf("bandwidth = %d/%d", cfg.Bandwidth.LowerKBps, cfg.Bandwidth.UpperKBps)
	}
}

func TestLoad_DefaultsForAbsentFields(t *testing.T) {
	path := writeConfig(t, `
cache:
  dir: somewhere
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want default 4", cfg.Network.PoolSize)
	}
	if cfg.Cache.MaxBytes != 20<<20 {
		t.Errorf("MaxBytes = %d, want default", cfg.Cache.MaxBytes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty dir", content: "cache:\n  dir: \"\"\n"},
		{name: "bad delay", content: "cache:\n  dir: x\n  write_delay: soonish\n"},
		{name: "bad thresholds", content: "cache:\n  dir: x\nbandwidth:\n  lower_kbps: 90\n  upper_kbps: 80\n"},
		{name: "negative pool", content: "cache:\n  dir: x\nnetwork:\n  pool_size: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded on missing file")
	}
}
