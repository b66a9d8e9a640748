// SPDX-License-Identifier: MIT

// Package multistream coordinates many concurrent video streams: a
// resource manager with adaptive throttling, a fixed pool of detection
// pipelines, a priority stream coordinator, a metrics collector, and
// the manager that composes them with the source controller.
package multistream

import (
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// ResourceLimits bounds global resource use.
type ResourceLimits struct {
	MaxCPUPercent     float64 `yaml:"max_cpu_percent" koanf:"max_cpu_percent"`
	MaxMemoryMB       float64 `yaml:"max_memory_mb" koanf:"max_memory_mb"`
	MaxStreams        int     `yaml:"max_streams" koanf:"max_streams"`
	MemoryPerStreamMB float64 `yaml:"memory_per_stream_mb" koanf:"memory_per_stream_mb"`
	AdaptiveThrottle  bool    `yaml:"adaptive_throttling" koanf:"adaptive_throttling"`
}

// DefaultResourceLimits returns the standard limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:     80,
		MaxMemoryMB:       2048,
		MaxStreams:        8,
		MemoryPerStreamMB: 200,
		AdaptiveThrottle:  true,
	}
}

// Validate checks the limits for consistency.
func (l ResourceLimits) Validate() error {
	if l.MaxStreams <= 0 {
		return errclass.New(errclass.KindConfiguration, "max_streams must be positive, got %d", l.MaxStreams)
	}
	if l.MaxCPUPercent <= 0 || l.MaxCPUPercent > 100 {
		return errclass.New(errclass.KindConfiguration, "max_cpu_percent must be in (0,100], got %v", l.MaxCPUPercent)
	}
	if l.MaxMemoryMB <= 0 {
		return errclass.New(errclass.KindConfiguration, "max_memory_mb must be positive, got %v", l.MaxMemoryMB)
	}
	if l.MemoryPerStreamMB < 0 {
		return errclass.New(errclass.KindConfiguration, "memory_per_stream_mb must be non-negative, got %v", l.MemoryPerStreamMB)
	}
	return nil
}

// Config is the multi-stream manager configuration.
type Config struct {
	MaxConcurrentStreams int                         `yaml:"max_concurrent_streams" koanf:"max_concurrent_streams"`
	ResourceLimits       ResourceLimits              `yaml:"resource_limits" koanf:"resource_limits"`
	PoolCapacity         int                         `yaml:"pool_capacity" koanf:"pool_capacity"`
	UpdateInterval       time.Duration               `yaml:"update_interval" koanf:"update_interval"`
	IdleCleanupThreshold time.Duration               `yaml:"idle_cleanup_threshold" koanf:"idle_cleanup_threshold"`
	RecoveryConfig       source.RecoveryConfig       `yaml:"-" koanf:"-"`
	BreakerConfig        source.CircuitBreakerConfig `yaml:"-" koanf:"-"`
	HealthConfig         source.HealthConfig         `yaml:"-" koanf:"-"`
	IsolationPolicy      source.IsolationPolicy      `yaml:"-" koanf:"-"`
}

// DefaultConfig returns the standard multi-stream configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 8,
		ResourceLimits:       DefaultResourceLimits(),
		PoolCapacity:         8,
		UpdateInterval:       time.Second,
		IdleCleanupThreshold: 5 * time.Minute,
		RecoveryConfig:       source.DefaultRecoveryConfig(),
		BreakerConfig:        source.DefaultCircuitBreakerConfig(),
		HealthConfig:         source.DefaultHealthConfig(),
		IsolationPolicy:      source.IsolationBasic,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.MaxConcurrentStreams <= 0 {
		return errclass.New(errclass.KindConfiguration, "max_concurrent_streams must be positive, got %d", c.MaxConcurrentStreams)
	}
	if c.PoolCapacity <= 0 {
		return errclass.New(errclass.KindConfiguration, "pool_capacity must be positive, got %d", c.PoolCapacity)
	}
	return c.ResourceLimits.Validate()
}
