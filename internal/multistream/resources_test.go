// SPDX-License-Identifier: MIT

package multistream

import (
	"math"
	"testing"
	"time"
)

// fakeSampler returns scripted CPU/memory readings.
type fakeSampler struct {
	cpu float64
	mem float64
}

func (s *fakeSampler) Sample() (float64, float64, error) {
	return s.cpu, s.mem, nil
}

func testLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUPercent:     80,
		MaxMemoryMB:       2048,
		MaxStreams:        4,
		MemoryPerStreamMB: 200,
		AdaptiveThrottle:  true,
	}
}

// newTestManager wires a manager to a scripted sampler.
func newTestManager(s *fakeSampler) *ResourceManager {
	return NewResourceManagerWithSampler(testLimits(), s, nil)
}

// TestCanAddStreamCriteria verifies the three admission checks.
func TestCanAddStreamCriteria(t *testing.T) {
	s := &fakeSampler{cpu: 10, mem: 100}
	m := newTestManager(s)
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}

	if !m.CanAddStream() {
		t.Error("CanAddStream() = false on idle system")
	}

	// Stream count at max.
	for i := 0; i < 4; i++ {
		m.StreamAdded(0)
	}
	if m.CanAddStream() {
		t.Error("CanAddStream() = true at max streams")
	}
	for i := 0; i < 4; i++ {
		m.StreamRemoved(0)
	}

	// Memory projection exceeds the cap.
	s.mem = 1900 // +200 projected > 2048
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	if m.CanAddStream() {
		t.Error("CanAddStream() = true with projected memory over cap")
	}

	// CPU headroom under 10%.
	s.mem = 100
	s.cpu = 75 // > 80-10
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	if m.CanAddStream() {
		t.Error("CanAddStream() = true without CPU headroom")
	}
}

// TestThrottleRampUp verifies the level rises 0.1 per adjustment when
// pressure exceeds 0.9, with recommendations following the formulas.
func TestThrottleRampUp(t *testing.T) {
	s := &fakeSampler{cpu: 79, mem: 100} // 79/80 ≈ 0.99 pressure
	m := newTestManager(s)

	// First adjustment happens immediately (no prior adjustment time).
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	rec := m.ThrottleRecommendation()
	if !rec.ShouldThrottle {
		t.Fatal("no throttle under 0.99 pressure")
	}
	if math.Abs(rec.QualityFactor-0.95) > 1e-9 {
		t.Errorf("QualityFactor = %v, want 0.95 at level 0.1", rec.QualityFactor)
	}
	if rec.FrameSkip != 0 {
		t.Errorf("FrameSkip = %d, want round(3*0.1) = 0", rec.FrameSkip)
	}

	// A second sample within 2s must not move the level.
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	if got := m.ThrottleRecommendation().QualityFactor; math.Abs(got-0.95) > 1e-9 {
		t.Errorf("level adjusted before 2s rate limit: quality %v", got)
	}
}

// TestThrottleStepDown verifies the level decays below 0.6 pressure
// and throttling ends at zero.
func TestThrottleStepDown(t *testing.T) {
	s := &fakeSampler{cpu: 79, mem: 100}
	m := newTestManager(s)
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	if !m.ThrottleRecommendation().ShouldThrottle {
		t.Fatal("setup: not throttled")
	}

	// Drop pressure and force the rate limiter open.
	s.cpu = 10
	m.mu.Lock()
	m.lastAdjustment = time.Now().Add(-3 * time.Second)
	m.mu.Unlock()
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}

	rec := m.ThrottleRecommendation()
	if rec.ShouldThrottle {
		t.Errorf("still throttled at level 0: %+v", rec)
	}
	if rec.QualityFactor != 1.0 {
		t.Errorf("QualityFactor = %v, want 1.0", rec.QualityFactor)
	}
}

// TestThrottleLevelClamped verifies the level caps at 1.0 and the
// frame skip at 3.
func TestThrottleLevelClamped(t *testing.T) {
	s := &fakeSampler{cpu: 79, mem: 100}
	m := newTestManager(s)

	for i := 0; i < 15; i++ {
		m.mu.Lock()
		m.lastAdjustment = time.Now().Add(-3 * time.Second)
		m.mu.Unlock()
		if err := m.UpdateUsage(); err != nil {
			t.Fatal(err)
		}
	}
	rec := m.ThrottleRecommendation()
	if math.Abs(rec.QualityFactor-0.5) > 1e-9 {
		t.Errorf("QualityFactor = %v, want 0.5 at level 1.0", rec.QualityFactor)
	}
	if rec.FrameSkip != 3 {
		t.Errorf("FrameSkip = %d, want 3", rec.FrameSkip)
	}
}

// TestSetLimitsTakesEffect verifies runtime limit updates change
// admission and throttling behavior.
func TestSetLimitsTakesEffect(t *testing.T) {
	s := &fakeSampler{cpu: 10, mem: 100}
	m := newTestManager(s)
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	m.StreamAdded(0)
	m.StreamAdded(1)

	// Lowering the stream bound below the active count closes admission.
	next := testLimits()
	next.MaxStreams = 2
	if err := m.SetLimits(next); err != nil {
		t.Fatalf("SetLimits() = %v", err)
	}
	if m.CanAddStream() {
		t.Error("CanAddStream() = true after bound lowered to active count")
	}
	if m.Limits().MaxStreams != 2 {
		t.Errorf("Limits().MaxStreams = %d, want 2", m.Limits().MaxStreams)
	}

	// Raising it reopens admission.
	next.MaxStreams = 8
	if err := m.SetLimits(next); err != nil {
		t.Fatal(err)
	}
	if !m.CanAddStream() {
		t.Error("CanAddStream() = false after bound raised")
	}
}

// TestSetLimitsRejectsInvalid verifies validation guards the update.
func TestSetLimitsRejectsInvalid(t *testing.T) {
	m := newTestManager(&fakeSampler{})
	bad := testLimits()
	bad.MaxCPUPercent = 0
	if err := m.SetLimits(bad); err == nil {
		t.Error("SetLimits(invalid) = nil error")
	}
	if m.Limits().MaxCPUPercent != testLimits().MaxCPUPercent {
		t.Error("invalid limits applied")
	}
}

// TestSetLimitsDisablesThrottle verifies turning adaptive throttling
// off clears the current level.
func TestSetLimitsDisablesThrottle(t *testing.T) {
	s := &fakeSampler{cpu: 79, mem: 100}
	m := newTestManager(s)
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	if !m.ThrottleRecommendation().ShouldThrottle {
		t.Fatal("setup: not throttled")
	}

	next := testLimits()
	next.AdaptiveThrottle = false
	if err := m.SetLimits(next); err != nil {
		t.Fatal(err)
	}
	if rec := m.ThrottleRecommendation(); rec.ShouldThrottle {
		t.Errorf("still throttled after adaptive throttling disabled: %+v", rec)
	}
}

// TestStatsWindow verifies averages over the history window.
func TestStatsWindow(t *testing.T) {
	s := &fakeSampler{cpu: 40, mem: 400}
	m := newTestManager(s)
	for i := 0; i < 5; i++ {
		if err := m.UpdateUsage(); err != nil {
			t.Fatal(err)
		}
	}

	stats := m.Stats(time.Minute)
	if math.Abs(stats.AverageCPU-40) > 1e-9 {
		t.Errorf("AverageCPU = %v, want 40", stats.AverageCPU)
	}
	if stats.MaxStreams != 4 {
		t.Errorf("MaxStreams = %d, want 4", stats.MaxStreams)
	}
}

// TestPredictCapacity verifies projections.
func TestPredictCapacity(t *testing.T) {
	s := &fakeSampler{cpu: 20, mem: 400}
	m := newTestManager(s)
	if err := m.UpdateUsage(); err != nil {
		t.Fatal(err)
	}
	m.StreamAdded(0)

	p := m.PredictCapacity(2)
	if !p.CanHandle {
		t.Errorf("PredictCapacity(2) = %+v, want can-handle", p)
	}
	if p.ProjectedStreams != 3 {
		t.Errorf("ProjectedStreams = %d, want 3", p.ProjectedStreams)
	}

	p = m.PredictCapacity(10)
	if p.CanHandle {
		t.Error("PredictCapacity(10) can-handle over max streams")
	}
}
