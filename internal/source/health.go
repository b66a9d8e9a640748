// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// HealthVerdict grades a source's health.
type HealthVerdict int

const (
	HealthUnknown HealthVerdict = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns the string representation of HealthVerdict.
func (v HealthVerdict) String() string {
	switch v {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthStatus is a verdict with its reasons.
type HealthStatus struct {
	Verdict HealthVerdict
	Reason  string
}

// HealthConfig configures a per-source health monitor.
type HealthConfig struct {
	MinFrameRate     float64
	MaxUnderruns     int
	MaxLatency       time.Duration
	WindowSize       time.Duration
	CheckInterval    time.Duration
	FailureThreshold int // Consecutive low-rate checks before Unhealthy
}

// DefaultHealthConfig returns the standard health thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		MinFrameRate:     10.0,
		MaxUnderruns:     5,
		MaxLatency:       500 * time.Millisecond,
		WindowSize:       10 * time.Second,
		CheckInterval:    5 * time.Second,
		FailureThreshold: 3,
	}
}

// staleFrameCutoff is how long a source may go without frames before it
// is unconditionally unhealthy.
const staleFrameCutoff = 5 * time.Second

// HealthMetrics is the rolling per-source measurement set.
type HealthMetrics struct {
	FrameRate     float64 // Between the last two frames
	AvgFrameRate  float64 // Over the sliding window
	Underruns     int
	Latency       time.Duration // Last reported network latency, 0 if none
	LastFrameTime time.Time
	TotalFrames   uint64
}

// HealthMonitor observes one source's frame flow through an
// install-once buffer probe and issues verdicts on demand.
type HealthMonitor struct {
	id  ID
	cfg HealthConfig

	mu                  sync.Mutex
	timestamps          []time.Time
	metrics             HealthMetrics
	hasLatency          bool
	consecutiveFailures int
	probeInstalled      bool
}

// NewHealthMonitor creates a monitor with no observations.
func NewHealthMonitor(id ID, cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{id: id, cfg: cfg}
}

// SetConfig replaces the health thresholds at runtime. Observations
// are kept; the next CheckHealth judges them against the new values.
func (m *HealthMonitor) SetConfig(cfg HealthConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the current health thresholds.
func (m *HealthMonitor) Config() HealthConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// InstallProbe attaches the frame-timestamping buffer probe to pad. The
// probe is installed at most once per monitor.
func (m *HealthMonitor) InstallProbe(pad *graph.Pad) {
	m.mu.Lock()
	if m.probeInstalled {
		m.mu.Unlock()
		return
	}
	m.probeInstalled = true
	m.mu.Unlock()

	pad.AddProbe(func(_ *graph.Pad, _ *graph.Buffer) graph.ProbeReturn {
		m.RecordFrame(time.Now())
		return graph.ProbeOK
	})
}

// RecordFrame timestamps one frame and updates the sliding window.
func (m *HealthMonitor) RecordFrame(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timestamps = append(m.timestamps, ts)
	cutoff := ts.Add(-m.cfg.WindowSize)
	drop := 0
	for drop < len(m.timestamps) && m.timestamps[drop].Before(cutoff) {
		drop++
	}
	m.timestamps = m.timestamps[drop:]

	m.metrics.TotalFrames++
	m.metrics.LastFrameTime = ts

	n := len(m.timestamps)
	if n < 2 {
		m.metrics.FrameRate = 0
		m.metrics.AvgFrameRate = 0
		return
	}
	if gap := m.timestamps[n-1].Sub(m.timestamps[n-2]).Seconds(); gap > 0 {
		m.metrics.FrameRate = 1.0 / gap
	}
	if span := m.timestamps[n-1].Sub(m.timestamps[0]).Seconds(); span > 0 {
		m.metrics.AvgFrameRate = float64(n-1) / span
	}
}

// RecordUnderrun counts one buffer underrun.
func (m *HealthMonitor) RecordUnderrun() {
	m.mu.Lock()
	m.metrics.Underruns++
	m.mu.Unlock()
}

// RecordLatency stores a network latency sample.
func (m *HealthMonitor) RecordLatency(latency time.Duration) {
	m.mu.Lock()
	m.metrics.Latency = latency
	m.hasLatency = true
	m.mu.Unlock()
}

// Metrics returns a copy of the current measurements.
func (m *HealthMonitor) Metrics() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// CheckHealth issues a verdict:
//
//	Unhealthy — no frame for over 5 s, too many underruns, or avg rate
//	            below minimum for FailureThreshold consecutive checks
//	Degraded  — avg rate below minimum but under the threshold, or
//	            latency above the maximum
//	Healthy   — otherwise; a healthy check resets the failure counter
func (m *HealthMonitor) CheckHealth() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.metrics.LastFrameTime.IsZero() {
		if silence := now.Sub(m.metrics.LastFrameTime); silence > staleFrameCutoff {
			m.consecutiveFailures++
			return HealthStatus{HealthUnhealthy, fmt.Sprintf("no frames for %.1fs", silence.Seconds())}
		}
	}

	if m.metrics.Underruns > m.cfg.MaxUnderruns {
		m.consecutiveFailures++
		return HealthStatus{HealthUnhealthy, fmt.Sprintf("too many buffer underruns: %d", m.metrics.Underruns)}
	}

	if m.metrics.TotalFrames > 10 && m.metrics.AvgFrameRate < m.cfg.MinFrameRate {
		m.consecutiveFailures++
		if m.consecutiveFailures >= m.cfg.FailureThreshold {
			return HealthStatus{HealthUnhealthy, fmt.Sprintf("frame rate too low: %.1f fps", m.metrics.AvgFrameRate)}
		}
		return HealthStatus{HealthDegraded, fmt.Sprintf("frame rate degraded: %.1f fps", m.metrics.AvgFrameRate)}
	}

	if m.hasLatency && m.metrics.Latency > m.cfg.MaxLatency {
		m.consecutiveFailures++
		return HealthStatus{HealthDegraded, fmt.Sprintf("high network latency: %v", m.metrics.Latency)}
	}

	m.consecutiveFailures = 0
	return HealthStatus{Verdict: HealthHealthy}
}

// Reset clears all observations and the failure counter.
func (m *HealthMonitor) Reset() {
	m.mu.Lock()
	m.timestamps = m.timestamps[:0]
	m.metrics = HealthMetrics{}
	m.hasLatency = false
	m.consecutiveFailures = 0
	m.mu.Unlock()
}

// HealthAggregator combines verdicts across monitors: the worst verdict
// wins and reasons concatenate.
type HealthAggregator struct {
	mu       sync.Mutex
	monitors []*HealthMonitor
}

// NewHealthAggregator creates an empty aggregator.
func NewHealthAggregator() *HealthAggregator {
	return &HealthAggregator{}
}

// Add registers a monitor.
func (a *HealthAggregator) Add(m *HealthMonitor) {
	a.mu.Lock()
	a.monitors = append(a.monitors, m)
	a.mu.Unlock()
}

// Remove unregisters a monitor.
func (a *HealthAggregator) Remove(m *HealthMonitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.monitors {
		if existing == m {
			a.monitors = append(a.monitors[:i], a.monitors[i+1:]...)
			return
		}
	}
}

// OverallHealth returns the worst verdict across all monitors with the
// concatenated reasons. An empty aggregator is Unknown.
func (a *HealthAggregator) OverallHealth() HealthStatus {
	a.mu.Lock()
	monitors := make([]*HealthMonitor, len(a.monitors))
	copy(monitors, a.monitors)
	a.mu.Unlock()

	if len(monitors) == 0 {
		return HealthStatus{Verdict: HealthUnknown}
	}

	worst := HealthHealthy
	var reasons []string
	for _, m := range monitors {
		status := m.CheckHealth()
		if status.Verdict > worst {
			worst = status.Verdict
		}
		if status.Reason != "" {
			reasons = append(reasons, status.Reason)
		}
	}
	return HealthStatus{Verdict: worst, Reason: strings.Join(reasons, "; ")}
}
