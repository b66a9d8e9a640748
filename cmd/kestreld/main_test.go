// SPDX-License-Identifier: MIT

package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/kestrelvision/kestrel-go/internal/backend"
	"github.com/kestrelvision/kestrel-go/internal/config"
	"github.com/kestrelvision/kestrel-go/internal/multistream"
)

// TestParseLogLevel verifies the level mapping and its default.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestNewBackendManagerNames verifies backend name resolution.
func TestNewBackendManagerNames(t *testing.T) {
	m, err := newBackendManager("software", nil)
	if err != nil {
		t.Fatalf("newBackendManager(software) = %v", err)
	}
	if m.Kind() != backend.KindSoftware {
		t.Errorf("Kind() = %v, want software", m.Kind())
	}

	if _, err := newBackendManager("gpu", nil); err == nil {
		t.Error("newBackendManager(gpu) = nil error")
	}

	mock, err := newBackendManager("mock", nil)
	if err != nil || mock.Kind() != backend.KindMock {
		t.Errorf("newBackendManager(mock) = %v, %v", mock.Kind(), err)
	}
}

// TestBuildLoggerWithFile verifies the rotating file path.
func TestBuildLoggerWithFile(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.LogLevel = "debug"

	logger, closer, err := buildLogger(cfg)
	if err != nil {
		t.Fatalf("buildLogger() = %v", err)
	}
	if closer == nil {
		t.Fatal("no closer for file-backed logger")
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}

	if _, err := filepath.Glob(filepath.Join(cfg.LogDir, "kestreld.log")); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

// TestApplyRuntimeConfigUpdatesManager verifies a reloaded config
// reaches the running manager's limits and health thresholds.
func TestApplyRuntimeConfigUpdatesManager(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := multistream.NewManager(config.Default().MultiStream(), backend.NewSoftwareBackend(nil), logger)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	t.Cleanup(func() { _ = manager.Stop() })

	next := config.Default()
	next.MaxCPUPercent = 55
	next.HealthMinFPS = 24
	applyRuntimeConfig(logger, manager, next)

	if got := manager.Resources().Limits().MaxCPUPercent; got != 55 {
		t.Errorf("MaxCPUPercent = %v, want 55", got)
	}

	// An invalid reload leaves the previous limits in effect.
	bad := config.Default()
	bad.MaxMemoryMB = -1
	applyRuntimeConfig(logger, manager, bad)
	if got := manager.Resources().Limits().MaxCPUPercent; got != 55 {
		t.Errorf("MaxCPUPercent = %v after rejected reload, want 55", got)
	}
}

// TestBuildLoggerStderr verifies the no-file default.
func TestBuildLoggerStderr(t *testing.T) {
	logger, closer, err := buildLogger(config.Default())
	if err != nil {
		t.Fatalf("buildLogger() = %v", err)
	}
	if closer != nil {
		t.Error("unexpected closer without log_dir")
	}
	logger.Info("hello")
}
