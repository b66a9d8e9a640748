// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the built-in configuration is valid.
func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	if cfg.Backend != "auto" {
		t.Errorf("Backend = %q, want auto", cfg.Backend)
	}
}

// TestLoadYAMLFile verifies file values override defaults.
func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `backend: software
log_level: debug
max_streams: 4
max_cpu_percent: 60
sources:
  - videotestsrc://
  - rtsp://cam1/stream
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Backend != "software" || cfg.LogLevel != "debug" {
		t.Errorf("backend/log_level = %q/%q", cfg.Backend, cfg.LogLevel)
	}
	if cfg.MaxStreams != 4 {
		t.Errorf("MaxStreams = %d, want 4", cfg.MaxStreams)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0] != "videotestsrc://" {
		t.Errorf("Sources = %v", cfg.Sources)
	}
	// Unset keys keep defaults.
	if cfg.PoolCapacity != Default().PoolCapacity {
		t.Errorf("PoolCapacity = %d, want default", cfg.PoolCapacity)
	}
}

// TestEnvOverridesFile verifies the precedence chain.
func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_streams: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KESTREL_MAX_STREAMS", "2")
	t.Setenv("KESTREL_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.MaxStreams != 2 {
		t.Errorf("MaxStreams = %d, want env override 2", cfg.MaxStreams)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

// TestLoadMissingExplicitFile verifies explicit paths must exist.
func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load(missing explicit path) = nil error")
	}
}

// TestValidateRejectsBadValues verifies validation rules.
func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "gpu" }},
		{"log level", func(c *Config) { c.LogLevel = "trace" }},
		{"streams", func(c *Config) { c.MaxStreams = 0 }},
		{"pool", func(c *Config) { c.PoolCapacity = -1 }},
		{"cpu", func(c *Config) { c.MaxCPUPercent = 200 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

// TestMultiStreamConversion verifies the flat settings map through.
func TestMultiStreamConversion(t *testing.T) {
	cfg := Default()
	cfg.MaxStreams = 3
	cfg.RecoveryMaxRetries = 7
	cfg.RecoveryInitialSecs = 0.5
	cfg.UpdateIntervalSecs = 2

	ms := cfg.MultiStream()
	if ms.MaxConcurrentStreams != 3 || ms.ResourceLimits.MaxStreams != 3 {
		t.Errorf("stream bounds = %d/%d, want 3", ms.MaxConcurrentStreams, ms.ResourceLimits.MaxStreams)
	}
	if ms.RecoveryConfig.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", ms.RecoveryConfig.MaxRetries)
	}
	if ms.RecoveryConfig.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", ms.RecoveryConfig.InitialBackoff)
	}
	if ms.UpdateInterval != 2*time.Second {
		t.Errorf("UpdateInterval = %v, want 2s", ms.UpdateInterval)
	}

	cfg.HealthMinFPS = 22
	cfg.HealthMaxUnderruns = 9
	cfg.HealthMaxLatencyMS = 250
	ms = cfg.MultiStream()
	if ms.HealthConfig.MinFrameRate != 22 {
		t.Errorf("MinFrameRate = %v, want 22", ms.HealthConfig.MinFrameRate)
	}
	if ms.HealthConfig.MaxUnderruns != 9 {
		t.Errorf("MaxUnderruns = %d, want 9", ms.HealthConfig.MaxUnderruns)
	}
	if ms.HealthConfig.MaxLatency != 250*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 250ms", ms.HealthConfig.MaxLatency)
	}
}

// TestWatchReloadsOnChange verifies hot reload delivers the new config
// and skips invalid ones.
func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_streams: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Config, 4)
	if err := Watch(ctx, path, nil, func(c Config) { reloads <- c }); err != nil {
		t.Fatalf("Watch() = %v", err)
	}

	// A valid change arrives.
	if err := os.WriteFile(path, []byte("max_streams: 6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-reloads:
		if cfg.MaxStreams != 6 {
			t.Errorf("reloaded MaxStreams = %d, want 6", cfg.MaxStreams)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after valid change")
	}

	// An invalid change is rejected silently.
	if err := os.WriteFile(path, []byte("max_streams: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-reloads:
		t.Errorf("invalid config delivered: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
