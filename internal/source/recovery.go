// SPDX-License-Identifier: MIT

// Package source owns video sources and everything that keeps them
// alive: dynamic add/remove against a running pipeline, per-source
// recovery with exponential backoff, circuit breaking, health
// monitoring, and failure isolation.
package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RecoveryConfig configures per-source recovery behavior.
type RecoveryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64 // 0.0 to 1.0
}

// DefaultRecoveryConfig returns the standard recovery policy.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.3,
	}
}

// RecoveryPhase identifies the recovery state machine phase.
type RecoveryPhase int

const (
	RecoveryIdle RecoveryPhase = iota
	RecoveryRetrying
	RecoveryFailed
	RecoveryRecovered
)

// String returns the string representation of RecoveryPhase.
func (p RecoveryPhase) String() string {
	switch p {
	case RecoveryIdle:
		return "idle"
	case RecoveryRetrying:
		return "retrying"
	case RecoveryFailed:
		return "failed"
	case RecoveryRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// RecoveryState is the observable recovery state.
type RecoveryState struct {
	Phase     RecoveryPhase
	Attempt   int       // Current attempt index while Retrying
	Attempts  int       // Total attempts at terminal phases
	NextRetry time.Time // Set while Retrying
	LastError string    // Set when Failed
}

// RecoveryStats tracks recovery outcomes over the manager's lifetime.
type RecoveryStats struct {
	TotalAttempts        int
	SuccessfulRecoveries int
	FailedRecoveries     int
	CurrentStreak        int
	LongestStreak        int
	LastRecoveryTime     time.Time
}

// RecoveryManager computes retry delays and tracks per-source recovery
// outcomes. All attempts for one source are totally ordered by the
// manager's lock.
type RecoveryManager struct {
	cfg RecoveryConfig

	mu    sync.Mutex
	state RecoveryState
	stats RecoveryStats
	rng   *rand.Rand
}

// NewRecoveryManager creates a manager in the Idle phase.
func NewRecoveryManager(cfg RecoveryConfig) *RecoveryManager {
	return &RecoveryManager{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff returns the delay for attempt i (0-based):
// min(initial × multiplier^i, max) × (1 ± jitter·U(-1,1)), clamped to
// ≥ 0. With jitter 0 the sequence is non-decreasing until capped.
func (m *RecoveryManager) Backoff(attempt int) time.Duration {
	base := m.cfg.InitialBackoff.Seconds() * math.Pow(m.cfg.Multiplier, float64(attempt))
	capped := math.Min(base, m.cfg.MaxBackoff.Seconds())

	if m.cfg.JitterFactor > 0 {
		m.mu.Lock()
		u := m.rng.Float64()*2 - 1
		m.mu.Unlock()
		capped += capped * m.cfg.JitterFactor * u
	}
	if capped < 0 {
		capped = 0
	}
	return time.Duration(capped * float64(time.Second))
}

// StartRecovery begins the next recovery attempt. It returns the delay
// to wait before retrying, or ok=false when no further attempt is
// permitted.
func (m *RecoveryManager) StartRecovery() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var attempt int
	switch m.state.Phase {
	case RecoveryRetrying:
		if m.state.Attempt >= m.cfg.MaxRetries {
			return 0, false
		}
		attempt = m.state.Attempt + 1
	case RecoveryFailed:
		if m.state.Attempts >= m.cfg.MaxRetries {
			return 0, false
		}
		attempt = m.state.Attempts
	default:
		attempt = 0
	}

	if attempt >= m.cfg.MaxRetries {
		m.state = RecoveryState{Phase: RecoveryFailed, Attempts: attempt, LastError: "max retries exceeded"}
		return 0, false
	}

	delay := m.backoffLocked(attempt)
	m.state = RecoveryState{
		Phase:     RecoveryRetrying,
		Attempt:   attempt,
		NextRetry: time.Now().Add(delay),
	}
	m.stats.TotalAttempts++
	return delay, true
}

// backoffLocked is Backoff without re-taking the manager lock.
func (m *RecoveryManager) backoffLocked(attempt int) time.Duration {
	base := m.cfg.InitialBackoff.Seconds() * math.Pow(m.cfg.Multiplier, float64(attempt))
	capped := math.Min(base, m.cfg.MaxBackoff.Seconds())
	if m.cfg.JitterFactor > 0 {
		u := m.rng.Float64()*2 - 1
		capped += capped * m.cfg.JitterFactor * u
	}
	if capped < 0 {
		capped = 0
	}
	return time.Duration(capped * float64(time.Second))
}

// MarkRecovered records a successful recovery and extends the success
// streak.
func (m *RecoveryManager) MarkRecovered() {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := 1
	if m.state.Phase == RecoveryRetrying {
		attempts = m.state.Attempt + 1
	}
	m.state = RecoveryState{Phase: RecoveryRecovered, Attempts: attempts}

	m.stats.SuccessfulRecoveries++
	m.stats.CurrentStreak++
	if m.stats.CurrentStreak > m.stats.LongestStreak {
		m.stats.LongestStreak = m.stats.CurrentStreak
	}
	m.stats.LastRecoveryTime = time.Now()
}

// MarkFailed records a failed attempt and resets the success streak.
func (m *RecoveryManager) MarkFailed(errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := 1
	switch m.state.Phase {
	case RecoveryRetrying:
		attempts = m.state.Attempt + 1
	case RecoveryFailed:
		attempts = m.state.Attempts
	}
	m.state = RecoveryState{Phase: RecoveryFailed, Attempts: attempts, LastError: errText}

	m.stats.FailedRecoveries++
	m.stats.CurrentStreak = 0
}

// Reset returns the manager to Idle without touching statistics.
func (m *RecoveryManager) Reset() {
	m.mu.Lock()
	m.state = RecoveryState{}
	m.mu.Unlock()
}

// State returns the current recovery state.
func (m *RecoveryManager) State() RecoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the lifetime statistics.
func (m *RecoveryManager) Stats() RecoveryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ShouldRetry reports whether another attempt is currently permitted.
func (m *RecoveryManager) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case RecoveryFailed:
		return m.state.Attempts < m.cfg.MaxRetries
	case RecoveryRetrying:
		return m.state.Attempt < m.cfg.MaxRetries && !time.Now().Before(m.state.NextRetry)
	default:
		return true
	}
}

// WaitContext blocks for delay or until ctx is cancelled.
func (m *RecoveryManager) WaitContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
