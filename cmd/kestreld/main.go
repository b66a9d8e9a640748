// SPDX-License-Identifier: MIT

// Package main implements kestreld, the multi-stream video analytics
// daemon.
//
// kestreld is designed for unattended operation: it builds a detection
// pipeline on the best available backend, manages a bounded set of
// video sources with automatic recovery, and serves health and metrics
// endpoints.
//
// Usage:
//
//	kestreld [options]
//
// Options:
//
//	--config=PATH      Path to config file (default: /etc/kestrel/config.yaml)
//	--lock-dir=PATH    Directory for the daemon lock file
//	--log-level=LEVEL  Log level: debug, info, warn, error
//	--backend=NAME     Backend override: auto, accelerated, software, mock
//	--help             Show this help message
//
// The daemon automatically:
//   - Detects the execution platform and element backend
//   - Starts the configured sources
//   - Recovers failed streams with exponential backoff
//   - Handles SIGINT/SIGTERM for graceful shutdown
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/backend"
	"github.com/kestrelvision/kestrel-go/internal/config"
	"github.com/kestrelvision/kestrel-go/internal/health"
	"github.com/kestrelvision/kestrel-go/internal/lock"
	"github.com/kestrelvision/kestrel-go/internal/logrot"
	"github.com/kestrelvision/kestrel-go/internal/multistream"
	"github.com/kestrelvision/kestrel-go/internal/supervisor"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	lockDirFlag = flag.String("lock-dir", "", "Directory for the daemon lock file (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	backendFlag = flag.String("backend", "", "Backend: auto, accelerated, software, mock (overrides config)")
	showHelp    = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kestreld: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *lockDirFlag != "" {
		cfg.LockDir = *lockDirFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	logger.Info("kestreld starting", "version", Version, "commit", Commit, "built", BuildTime)

	// One daemon per lock directory.
	fl, err := lock.NewFileLock(filepath.Join(cfg.LockDir, "kestreld.lock"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fl.AcquireContext(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("another kestreld may be running (pid %d): %w", lock.OwnerPID(fl.Path()), err)
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	bm, err := newBackendManager(cfg.Backend, logger)
	if err != nil {
		return err
	}
	logger.Info("backend selected", "backend", bm.Kind().String())

	manager, err := multistream.NewManager(cfg.MultiStream(), bm.Backend(), logger)
	if err != nil {
		return fmt.Errorf("building multi-stream manager: %w", err)
	}

	// Supervision tree: the manager's update loop plus the health
	// endpoint.
	tree := supervisor.New("kestreld", supervisor.Config{
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger,
	})
	if err := tree.Add("multistream", manager); err != nil {
		return err
	}
	if cfg.HealthAddr != "" {
		handler := health.NewHandler(
			health.ManagerProvider{Manager: manager},
			health.NewExporter(manager.Metrics()),
		)
		addr := cfg.HealthAddr
		if err := tree.Add("health", supervisor.ServiceFunc(func(ctx context.Context) error {
			return health.ListenAndServe(ctx, addr, handler, nil)
		})); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Warn("pipeline stop failed", "error", err)
		}
	}()

	for _, result := range manager.AddStreamsBatch(cfg.Sources, multistream.PriorityNormal) {
		if result.Err != nil {
			logger.Error("startup source failed", "uri", result.URI, "error", result.Err)
		} else {
			logger.Info("startup source added", "uri", result.URI, "source", result.ID)
		}
	}

	// Structural settings need a restart; hot reload covers what can
	// change live.
	if err := config.Watch(ctx, *configPath, logger, func(next config.Config) {
		applyRuntimeConfig(logger, manager, next)
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	logger.Info("kestreld running", "streams", manager.StreamCount(), "health_addr", cfg.HealthAddr)
	err = tree.Run(ctx)
	logger.Info("kestreld stopped")
	return err
}

// buildLogger assembles the slog logger, writing through a rotating
// file when log_dir is configured.
func buildLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.LogDir != "" {
		w, err := logrot.New(filepath.Join(cfg.LogDir, "kestreld.log"),
			logrot.WithCompression(true))
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = w
		closer = w
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})
	return slog.New(handler), closer, nil
}

// parseLogLevel maps the config string to a slog level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newBackendManager resolves the backend name to a manager.
func newBackendManager(name string, logger *slog.Logger) (*backend.Manager, error) {
	switch name {
	case "", "auto":
		return backend.NewManager(logger)
	case "accelerated":
		return backend.NewManagerWithKind(backend.KindAccelerated, logger)
	case "software":
		return backend.NewManagerWithKind(backend.KindSoftware, logger)
	case "mock":
		return backend.NewManagerWithKind(backend.KindMock, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// applyRuntimeConfig pushes the hot-reloadable subset of a new config
// into the running manager: resource limits and health thresholds take
// effect immediately, and the throttle recommendation is recomputed
// against the new limits.
func applyRuntimeConfig(logger *slog.Logger, manager *multistream.Manager, next config.Config) {
	ms := next.MultiStream()
	if err := manager.ApplyRuntimeConfig(ms); err != nil {
		logger.Warn("runtime config rejected", "error", err)
		return
	}
	rec := manager.ApplyThrottle()
	logger.Info("runtime config applied",
		"max_streams", ms.ResourceLimits.MaxStreams,
		"max_cpu_percent", ms.ResourceLimits.MaxCPUPercent,
		"max_memory_mb", ms.ResourceLimits.MaxMemoryMB,
		"min_frame_rate", ms.HealthConfig.MinFrameRate,
		"throttled", rec.ShouldThrottle,
	)
}
