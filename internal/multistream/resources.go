// SPDX-License-Identifier: MIT

package multistream

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kestrelvision/kestrel-go/internal/source"
)

// Throttle adjustment tuning: the level moves in steps of 0.1 no more
// often than every 2 s, rising when pressure is above 0.9 and falling
// below 0.6.
const (
	throttleStep         = 0.1
	throttleRaiseAt      = 0.9
	throttleLowerAt      = 0.6
	throttleAdjustPeriod = 2 * time.Second
	resourceHistorySize  = 100
)

// Usage is one observation of global resource consumption.
type Usage struct {
	CPUPercent    float64
	MemoryMB      float64
	ActiveStreams int
	Timestamp     time.Time
}

// ThrottleRecommendation tells stream owners how to shed load.
type ThrottleRecommendation struct {
	ShouldThrottle bool
	QualityFactor  float64 // 1.0 = full quality, down to 0.5
	FrameSkip      int     // Frames to skip per processed frame
}

// Sampler reads system CPU and memory. The default uses gopsutil;
// tests substitute a deterministic one.
type Sampler interface {
	Sample() (cpuPercent, memoryMB float64, err error)
}

// systemSampler reads the host via gopsutil.
type systemSampler struct{}

// Sample returns instantaneous whole-host CPU percent and used memory
// in MB.
func (systemSampler) Sample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, float64(vm.Used) / (1024 * 1024), nil
}

// streamShare is the allocation recorded for one stream.
type streamShare struct {
	memoryMB    float64
	cpuShare    float64
	allocatedAt time.Time
}

// ResourceManager tracks global CPU, memory, and stream counts and
// emits throttle recommendations under pressure.
type ResourceManager struct {
	limits  ResourceLimits
	sampler Sampler
	logger  *slog.Logger

	mu             sync.Mutex
	usage          Usage
	shares         map[source.ID]streamShare
	cpuHistory     []Usage
	throttled      bool
	throttleLevel  float64
	lastAdjustment time.Time
}

// NewResourceManager creates a manager with the system sampler.
// logger may be nil.
func NewResourceManager(limits ResourceLimits, logger *slog.Logger) *ResourceManager {
	return NewResourceManagerWithSampler(limits, systemSampler{}, logger)
}

// NewResourceManagerWithSampler creates a manager with a custom
// sampler.
func NewResourceManagerWithSampler(limits ResourceLimits, sampler Sampler, logger *slog.Logger) *ResourceManager {
	return &ResourceManager{
		limits:  limits,
		sampler: sampler,
		logger:  logger,
		shares:  make(map[source.ID]streamShare),
	}
}

// SetLimits replaces the resource limits at runtime. The next
// admission check, sample, and throttle adjustment use the new values;
// when adaptive throttling is turned off, the current throttle level is
// cleared.
func (m *ResourceManager) SetLimits(limits ResourceLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = limits
	if !limits.AdaptiveThrottle {
		m.throttled = false
		m.throttleLevel = 0
	}
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("resource limits updated",
			"max_streams", limits.MaxStreams,
			"max_cpu_percent", limits.MaxCPUPercent,
			"max_memory_mb", limits.MaxMemoryMB,
		)
	}
	return nil
}

// Limits returns the current resource limits.
func (m *ResourceManager) Limits() ResourceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// CanAddStream reports whether another stream fits: active below the
// maximum, projected memory within bounds, and at least 10% CPU
// headroom.
func (m *ResourceManager) CanAddStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usage.ActiveStreams >= m.limits.MaxStreams {
		return false
	}
	if m.usage.MemoryMB+m.limits.MemoryPerStreamMB > m.limits.MaxMemoryMB {
		return false
	}
	if m.usage.CPUPercent > m.limits.MaxCPUPercent-10 {
		return false
	}
	return true
}

// StreamAdded records a new stream's resource share.
func (m *ResourceManager) StreamAdded(id source.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[id] = streamShare{
		memoryMB:    m.limits.MemoryPerStreamMB,
		cpuShare:    1.0 / float64(m.limits.MaxStreams),
		allocatedAt: time.Now(),
	}
	m.usage.ActiveStreams++
}

// StreamRemoved releases a stream's share.
func (m *ResourceManager) StreamRemoved(id source.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shares, id)
	if m.usage.ActiveStreams > 0 {
		m.usage.ActiveStreams--
	}
}

// UpdateUsage samples the system, appends to the bounded history, and
// adjusts throttling when adaptive throttling is enabled.
func (m *ResourceManager) UpdateUsage() error {
	cpuPct, memMB, err := m.sampler.Sample()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage.CPUPercent = cpuPct
	m.usage.MemoryMB = memMB
	m.usage.Timestamp = time.Now()

	m.cpuHistory = append(m.cpuHistory, m.usage)
	if len(m.cpuHistory) > resourceHistorySize {
		m.cpuHistory = m.cpuHistory[len(m.cpuHistory)-resourceHistorySize:]
	}

	if m.limits.AdaptiveThrottle {
		m.adjustThrottleLocked(cpuPct, memMB)
	}
	return nil
}

// adjustThrottleLocked computes pressure and moves the throttle level,
// rate-limited to one step per adjustment period.
func (m *ResourceManager) adjustThrottleLocked(cpuPct, memMB float64) {
	if time.Since(m.lastAdjustment) < throttleAdjustPeriod {
		return
	}
	pressure := math.Max(cpuPct/m.limits.MaxCPUPercent, memMB/m.limits.MaxMemoryMB)

	switch {
	case pressure > throttleRaiseAt:
		m.throttled = true
		m.throttleLevel = math.Min(m.throttleLevel+throttleStep, 1.0)
		if m.logger != nil {
			m.logger.Warn("resource_pressure", "pressure", pressure, "throttle_level", m.throttleLevel)
		}
	case pressure < throttleLowerAt:
		m.throttleLevel = math.Max(m.throttleLevel-throttleStep, 0)
		if m.throttleLevel == 0 {
			m.throttled = false
		}
	}
	m.lastAdjustment = time.Now()
}

// CurrentUsage returns the last sampled usage.
func (m *ResourceManager) CurrentUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// ThrottleRecommendation yields the current load-shedding advice:
// quality 1 − 0.5·level, frame skip round(3·level).
func (m *ResourceManager) ThrottleRecommendation() ThrottleRecommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.throttled {
		return ThrottleRecommendation{QualityFactor: 1.0}
	}
	return ThrottleRecommendation{
		ShouldThrottle: true,
		QualityFactor:  1.0 - 0.5*m.throttleLevel,
		FrameSkip:      int(math.Round(3 * m.throttleLevel)),
	}
}

// Stats summarizes resource usage over a time window.
type Stats struct {
	CurrentCPU    float64
	AverageCPU    float64
	CurrentMemory float64
	AverageMemory float64
	ActiveStreams int
	MaxStreams    int
}

// Stats returns averages over the given window of history.
func (m *ResourceManager) Stats(window time.Duration) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var cpuSum, memSum float64
	var n int
	for _, u := range m.cpuHistory {
		if u.Timestamp.After(cutoff) {
			cpuSum += u.CPUPercent
			memSum += u.MemoryMB
			n++
		}
	}
	stats := Stats{
		CurrentCPU:    m.usage.CPUPercent,
		CurrentMemory: m.usage.MemoryMB,
		ActiveStreams: m.usage.ActiveStreams,
		MaxStreams:    m.limits.MaxStreams,
	}
	if n > 0 {
		stats.AverageCPU = cpuSum / float64(n)
		stats.AverageMemory = memSum / float64(n)
	}
	return stats
}

// CapacityPrediction estimates whether additional streams fit.
type CapacityPrediction struct {
	CanHandle        bool
	ProjectedCPU     float64
	ProjectedMemory  float64
	ProjectedStreams int
}

// PredictCapacity projects usage with additional streams, assuming
// roughly 10% CPU growth per stream.
func (m *ResourceManager) PredictCapacity(additional int) CapacityPrediction {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := CapacityPrediction{
		ProjectedStreams: m.usage.ActiveStreams + additional,
		ProjectedMemory:  m.usage.MemoryMB + float64(additional)*m.limits.MemoryPerStreamMB,
		ProjectedCPU:     m.usage.CPUPercent * (1 + float64(additional)*0.1),
	}
	p.CanHandle = p.ProjectedStreams <= m.limits.MaxStreams &&
		p.ProjectedMemory <= m.limits.MaxMemoryMB &&
		p.ProjectedCPU <= m.limits.MaxCPUPercent
	return p
}

// RunUpdateLoop samples usage on the interval until ctx is cancelled,
// then returns ctx.Err(). Its interval argument means it does not
// satisfy suture.Service by itself.
func (m *ResourceManager) RunUpdateLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.UpdateUsage(); err != nil && m.logger != nil {
				m.logger.Warn("resource sampling failed", "error", err)
			}
		}
	}
}
