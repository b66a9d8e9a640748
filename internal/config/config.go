// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from a YAML file
// layered under KESTREL_* environment variables, with optional hot
// reload of runtime-safe settings via file watching.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kestrelvision/kestrel-go/internal/multistream"
)

// DefaultConfigPath is where the daemon looks without a --config flag.
const DefaultConfigPath = "/etc/kestrel/config.yaml"

// envPrefix namespaces the environment overrides.
const envPrefix = "KESTREL_"

// Config is the daemon configuration.
//
// Durations are expressed in whole seconds in the file so the YAML
// stays hand-editable.
type Config struct {
	// Backend selects the element backend: auto, accelerated,
	// software, or mock.
	Backend string `koanf:"backend" yaml:"backend"`

	LogLevel string `koanf:"log_level" yaml:"log_level"`
	LogDir   string `koanf:"log_dir" yaml:"log_dir"`
	LockDir  string `koanf:"lock_dir" yaml:"lock_dir"`

	// HealthAddr is the health/metrics HTTP bind address; empty
	// disables the endpoint.
	HealthAddr string `koanf:"health_addr" yaml:"health_addr"`

	// Sources are URIs added at startup.
	Sources []string `koanf:"sources" yaml:"sources"`

	// InferenceConfig is handed to the inference element's
	// config-file-path property when set.
	InferenceConfig string `koanf:"inference_config" yaml:"inference_config"`

	MaxStreams           int     `koanf:"max_streams" yaml:"max_streams"`
	PoolCapacity         int     `koanf:"pool_capacity" yaml:"pool_capacity"`
	MaxCPUPercent        float64 `koanf:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxMemoryMB          float64 `koanf:"max_memory_mb" yaml:"max_memory_mb"`
	MemoryPerStreamMB    float64 `koanf:"memory_per_stream_mb" yaml:"memory_per_stream_mb"`
	AdaptiveThrottling   bool    `koanf:"adaptive_throttling" yaml:"adaptive_throttling"`
	UpdateIntervalSecs   int     `koanf:"update_interval_secs" yaml:"update_interval_secs"`
	IdleCleanupSecs      int     `koanf:"idle_cleanup_secs" yaml:"idle_cleanup_secs"`
	RecoveryMaxRetries   int     `koanf:"recovery_max_retries" yaml:"recovery_max_retries"`
	RecoveryInitialSecs  float64 `koanf:"recovery_initial_secs" yaml:"recovery_initial_secs"`
	RecoveryMaxSecs      float64 `koanf:"recovery_max_secs" yaml:"recovery_max_secs"`
	RecoveryJitterFactor float64 `koanf:"recovery_jitter_factor" yaml:"recovery_jitter_factor"`
	HealthMinFPS         float64 `koanf:"health_min_fps" yaml:"health_min_fps"`
	HealthMaxUnderruns   int     `koanf:"health_max_underruns" yaml:"health_max_underruns"`
	HealthMaxLatencyMS   int     `koanf:"health_max_latency_ms" yaml:"health_max_latency_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	ms := multistream.DefaultConfig()
	rc := ms.RecoveryConfig
	return Config{
		Backend:              "auto",
		LogLevel:             "info",
		LockDir:              "/var/run/kestrel",
		HealthAddr:           ":8080",
		MaxStreams:           ms.MaxConcurrentStreams,
		PoolCapacity:         ms.PoolCapacity,
		MaxCPUPercent:        ms.ResourceLimits.MaxCPUPercent,
		MaxMemoryMB:          ms.ResourceLimits.MaxMemoryMB,
		MemoryPerStreamMB:    ms.ResourceLimits.MemoryPerStreamMB,
		AdaptiveThrottling:   ms.ResourceLimits.AdaptiveThrottle,
		UpdateIntervalSecs:   int(ms.UpdateInterval / time.Second),
		IdleCleanupSecs:      int(ms.IdleCleanupThreshold / time.Second),
		RecoveryMaxRetries:   rc.MaxRetries,
		RecoveryInitialSecs:  rc.InitialBackoff.Seconds(),
		RecoveryMaxSecs:      rc.MaxBackoff.Seconds(),
		RecoveryJitterFactor: rc.JitterFactor,
		HealthMinFPS:         ms.HealthConfig.MinFrameRate,
		HealthMaxUnderruns:   ms.HealthConfig.MaxUnderruns,
		HealthMaxLatencyMS:   int(ms.HealthConfig.MaxLatency / time.Millisecond),
	}
}

// Load reads the configuration: defaults, then the YAML file when it
// exists, then KESTREL_* environment variables. A missing file at the
// default path is not an error; an explicit path must exist.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if path != DefaultConfigPath {
				return cfg, fmt.Errorf("config file %s: %w", path, err)
			}
		} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// KESTREL_MAX_STREAMS=4 overrides max_streams, and so on.
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			if key == "sources" {
				return key, strings.Split(value, ",")
			}
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.Backend {
	case "auto", "accelerated", "software", "mock":
	default:
		return fmt.Errorf("invalid backend %q (want auto, accelerated, software, or mock)", c.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("max_streams must be positive, got %d", c.MaxStreams)
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool_capacity must be positive, got %d", c.PoolCapacity)
	}
	return c.MultiStream().Validate()
}

// MultiStream converts the flat daemon settings into the multi-stream
// configuration.
func (c Config) MultiStream() multistream.Config {
	ms := multistream.DefaultConfig()
	ms.MaxConcurrentStreams = c.MaxStreams
	ms.PoolCapacity = c.PoolCapacity
	ms.ResourceLimits.MaxStreams = c.MaxStreams
	ms.ResourceLimits.MaxCPUPercent = c.MaxCPUPercent
	ms.ResourceLimits.MaxMemoryMB = c.MaxMemoryMB
	ms.ResourceLimits.MemoryPerStreamMB = c.MemoryPerStreamMB
	ms.ResourceLimits.AdaptiveThrottle = c.AdaptiveThrottling
	if c.UpdateIntervalSecs > 0 {
		ms.UpdateInterval = time.Duration(c.UpdateIntervalSecs) * time.Second
	}
	if c.IdleCleanupSecs > 0 {
		ms.IdleCleanupThreshold = time.Duration(c.IdleCleanupSecs) * time.Second
	}
	if c.RecoveryMaxRetries > 0 {
		ms.RecoveryConfig.MaxRetries = c.RecoveryMaxRetries
	}
	if c.RecoveryInitialSecs > 0 {
		ms.RecoveryConfig.InitialBackoff = time.Duration(c.RecoveryInitialSecs * float64(time.Second))
	}
	if c.RecoveryMaxSecs > 0 {
		ms.RecoveryConfig.MaxBackoff = time.Duration(c.RecoveryMaxSecs * float64(time.Second))
	}
	if c.RecoveryJitterFactor >= 0 {
		ms.RecoveryConfig.JitterFactor = c.RecoveryJitterFactor
	}
	if c.HealthMinFPS > 0 {
		ms.HealthConfig.MinFrameRate = c.HealthMinFPS
	}
	if c.HealthMaxUnderruns > 0 {
		ms.HealthConfig.MaxUnderruns = c.HealthMaxUnderruns
	}
	if c.HealthMaxLatencyMS > 0 {
		ms.HealthConfig.MaxLatency = time.Duration(c.HealthMaxLatencyMS) * time.Millisecond
	}
	return ms
}
