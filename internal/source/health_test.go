// SPDX-License-Identifier: MIT

package source

import (
	"strings"
	"testing"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// feedFrames records n frames at the given rate ending now.
func feedFrames(m *HealthMonitor, n int, fps float64) {
	interval := time.Duration(float64(time.Second) / fps)
	start := time.Now().Add(-time.Duration(n) * interval)
	for i := 0; i < n; i++ {
		m.RecordFrame(start.Add(time.Duration(i) * interval))
	}
}

// TestFrameRateCalculation verifies sliding-window rates.
func TestFrameRateCalculation(t *testing.T) {
	m := NewHealthMonitor(0, DefaultHealthConfig())
	feedFrames(m, 30, 30)

	metrics := m.Metrics()
	if metrics.AvgFrameRate < 28 || metrics.AvgFrameRate > 32 {
		t.Errorf("AvgFrameRate = %.1f, want ~30", metrics.AvgFrameRate)
	}
	if metrics.TotalFrames != 30 {
		t.Errorf("TotalFrames = %d, want 30", metrics.TotalFrames)
	}
}

// TestWindowEviction verifies old timestamps leave the window.
func TestWindowEviction(t *testing.T) {
	cfg := DefaultHealthConfig()
	cfg.WindowSize = 100 * time.Millisecond
	m := NewHealthMonitor(0, cfg)

	old := time.Now().Add(-time.Second)
	for i := 0; i < 10; i++ {
		m.RecordFrame(old.Add(time.Duration(i) * time.Millisecond))
	}
	m.RecordFrame(time.Now())

	// Only the fresh frame survives; with one timestamp there is no rate.
	if rate := m.Metrics().AvgFrameRate; rate > 100 {
		t.Errorf("AvgFrameRate = %.1f computed over evicted frames", rate)
	}
}

// TestHealthyVerdict verifies a well-fed source reads healthy.
func TestHealthyVerdict(t *testing.T) {
	m := NewHealthMonitor(0, DefaultHealthConfig())
	feedFrames(m, 60, 30)

	status := m.CheckHealth()
	if status.Verdict != HealthHealthy {
		t.Errorf("verdict = %v (%s), want healthy", status.Verdict, status.Reason)
	}
}

// TestStaleSourceUnhealthy verifies the 5-second silence rule.
func TestStaleSourceUnhealthy(t *testing.T) {
	m := NewHealthMonitor(0, DefaultHealthConfig())
	m.RecordFrame(time.Now().Add(-6 * time.Second))

	status := m.CheckHealth()
	if status.Verdict != HealthUnhealthy {
		t.Errorf("verdict = %v, want unhealthy after 6s silence", status.Verdict)
	}
	if !strings.Contains(status.Reason, "no frames") {
		t.Errorf("reason = %q, want silence reason", status.Reason)
	}
}

// TestLowRateEscalation verifies degraded→unhealthy escalation after
// failure_threshold consecutive checks, and reset on recovery.
func TestLowRateEscalation(t *testing.T) {
	cfg := DefaultHealthConfig()
	cfg.MinFrameRate = 20
	cfg.FailureThreshold = 3
	m := NewHealthMonitor(0, cfg)
	feedFrames(m, 40, 5) // Well below minimum

	if v := m.CheckHealth().Verdict; v != HealthDegraded {
		t.Fatalf("check 1 = %v, want degraded", v)
	}
	if v := m.CheckHealth().Verdict; v != HealthDegraded {
		t.Fatalf("check 2 = %v, want degraded", v)
	}
	if v := m.CheckHealth().Verdict; v != HealthUnhealthy {
		t.Fatalf("check 3 = %v, want unhealthy at threshold", v)
	}

	// Recovery at full rate resets the failure counter.
	m.Reset()
	feedFrames(m, 60, 30)
	if v := m.CheckHealth().Verdict; v != HealthHealthy {
		t.Fatalf("after recovery = %v, want healthy", v)
	}
	m.Reset()
	feedFrames(m, 40, 5)
	if v := m.CheckHealth().Verdict; v != HealthDegraded {
		t.Errorf("failure counter not reset: %v", v)
	}
}

// TestUnderrunLimit verifies underruns beyond the maximum are
// unhealthy.
func TestUnderrunLimit(t *testing.T) {
	cfg := DefaultHealthConfig()
	cfg.MaxUnderruns = 3
	m := NewHealthMonitor(0, cfg)
	feedFrames(m, 60, 30)

	for i := 0; i < 4; i++ {
		m.RecordUnderrun()
	}
	if v := m.CheckHealth().Verdict; v != HealthUnhealthy {
		t.Errorf("verdict = %v, want unhealthy on underruns", v)
	}
}

// TestLatencyDegraded verifies high latency degrades but does not kill.
func TestLatencyDegraded(t *testing.T) {
	cfg := DefaultHealthConfig()
	cfg.MaxLatency = 100 * time.Millisecond
	m := NewHealthMonitor(0, cfg)
	feedFrames(m, 60, 30)
	m.RecordLatency(250 * time.Millisecond)

	status := m.CheckHealth()
	if status.Verdict != HealthDegraded {
		t.Errorf("verdict = %v, want degraded on latency", status.Verdict)
	}
}

// TestSetConfigAppliesNewThresholds verifies runtime threshold updates
// change the verdict without losing observations.
func TestSetConfigAppliesNewThresholds(t *testing.T) {
	cfg := DefaultHealthConfig()
	cfg.MinFrameRate = 10
	m := NewHealthMonitor(0, cfg)
	feedFrames(m, 60, 15) // Healthy against 10, not against 20

	if v := m.CheckHealth().Verdict; v != HealthHealthy {
		t.Fatalf("verdict = %v, want healthy before update", v)
	}

	next := cfg
	next.MinFrameRate = 20
	m.SetConfig(next)
	if got := m.Config().MinFrameRate; got != 20 {
		t.Fatalf("Config().MinFrameRate = %v, want 20", got)
	}
	if v := m.CheckHealth().Verdict; v != HealthDegraded {
		t.Errorf("verdict = %v, want degraded under raised threshold", v)
	}
}

// TestInstallProbeOnce verifies the probe is installed a single time
// and timestamps flowing buffers.
func TestInstallProbeOnce(t *testing.T) {
	m := NewHealthMonitor(0, DefaultHealthConfig())
	src := graph.NewPad("src", graph.PadSrc, nil)
	sink := graph.NewPad("sink", graph.PadSink, nil)
	sink.SetChain(func(_ *graph.Pad, _ *graph.Buffer) graph.FlowReturn { return graph.FlowOK })
	if err := src.Link(sink); err != nil {
		t.Fatal(err)
	}

	m.InstallProbe(src)
	m.InstallProbe(src) // Second install must be a no-op

	src.Push(&graph.Buffer{Data: []byte{1}})
	if got := m.Metrics().TotalFrames; got != 1 {
		t.Errorf("TotalFrames = %d, want 1 (single probe)", got)
	}
}

// TestAggregatorWorstVerdict verifies the aggregate is the worst
// verdict with concatenated reasons.
func TestAggregatorWorstVerdict(t *testing.T) {
	agg := NewHealthAggregator()
	if agg.OverallHealth().Verdict != HealthUnknown {
		t.Error("empty aggregator should be unknown")
	}

	healthy := NewHealthMonitor(0, DefaultHealthConfig())
	feedFrames(healthy, 60, 30)

	stale := NewHealthMonitor(1, DefaultHealthConfig())
	stale.RecordFrame(time.Now().Add(-10 * time.Second))

	agg.Add(healthy)
	agg.Add(stale)

	status := agg.OverallHealth()
	if status.Verdict != HealthUnhealthy {
		t.Errorf("aggregate verdict = %v, want unhealthy", status.Verdict)
	}
	if status.Reason == "" {
		t.Error("aggregate reason empty")
	}

	agg.Remove(stale)
	if v := agg.OverallHealth().Verdict; v != HealthHealthy {
		t.Errorf("aggregate after removal = %v, want healthy", v)
	}
}
