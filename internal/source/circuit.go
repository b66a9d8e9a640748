// SPDX-License-Identifier: MIT

package source

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitPhase is the circuit breaker state.
type CircuitPhase int

const (
	CircuitClosed CircuitPhase = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of CircuitPhase.
func (p CircuitPhase) String() string {
	switch p {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitState is the observable breaker state.
type CircuitState struct {
	Phase     CircuitPhase
	OpenedAt  time.Time // Set while Open
	Reason    string    // Set while Open
	StartedAt time.Time // Set while HalfOpen
	TestCount int       // Requests admitted in HalfOpen
}

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int           // Failures within the window that trip the breaker
	SuccessThreshold    int           // Successes in HalfOpen that close it
	WindowDuration      time.Duration // Failures older than this are evicted
	OpenDuration        time.Duration // Cool-down before testing again
	HalfOpenMaxRequests int           // Test requests admitted while HalfOpen
	RequestTimeout      time.Duration
}

// DefaultCircuitBreakerConfig returns the standard breaker policy.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		WindowDuration:      60 * time.Second,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxRequests: 3,
		RequestTimeout:      10 * time.Second,
	}
}

// CircuitMetrics counts breaker activity.
type CircuitMetrics struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	RejectedRequests   int
	CircuitOpens       int
	LastFailureTime    time.Time
	LastSuccessTime    time.Time
}

// CircuitBreaker is a three-state per-resource guard with a sliding
// failure window. State transitions are totally ordered by its lock.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu           sync.Mutex
	state        CircuitState
	failureTimes []time.Time
	successCount int
	metrics      CircuitMetrics
}

// NewCircuitBreaker creates a breaker in the Closed state. logger may
// be nil.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, logger: logger}
}

// Name returns the breaker's resource name.
func (b *CircuitBreaker) Name() string { return b.name }

// ShouldAllowRequest reports whether a request may proceed, performing
// the Open→HalfOpen transition once the cool-down elapsed. Rejected
// requests are counted and never reach the wrapped operation.
func (b *CircuitBreaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state.Phase {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(b.state.OpenedAt) >= b.cfg.OpenDuration {
			b.state = CircuitState{Phase: CircuitHalfOpen, StartedAt: now}
			return true
		}
		b.metrics.RejectedRequests++
		return false
	case CircuitHalfOpen:
		if b.state.TestCount < b.cfg.HalfOpenMaxRequests {
			return true
		}
		b.metrics.RejectedRequests++
		return false
	}
	return false
}

// RecordSuccess notes a successful request. In HalfOpen, reaching the
// success threshold closes the circuit and clears the failure history.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalRequests++
	b.metrics.SuccessfulRequests++
	b.metrics.LastSuccessTime = time.Now()

	switch b.state.Phase {
	case CircuitHalfOpen:
		b.successCount++
		b.state.TestCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = CircuitState{Phase: CircuitClosed}
			b.successCount = 0
			b.failureTimes = b.failureTimes[:0]
			b.logEvent("circuit_closed")
		}
	case CircuitClosed:
		b.successCount = 0
	case CircuitOpen:
		// A late success while open changes nothing; the cool-down rules.
	}
}

// RecordFailure notes a failed request. In Closed, enough failures
// inside the window open the circuit; in HalfOpen any failure reopens
// it.
func (b *CircuitBreaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.metrics.TotalRequests++
	b.metrics.FailedRequests++
	b.metrics.LastFailureTime = now

	b.failureTimes = append(b.failureTimes, now)
	cutoff := now.Add(-b.cfg.WindowDuration)
	for len(b.failureTimes) > 0 && b.failureTimes[0].Before(cutoff) {
		b.failureTimes = b.failureTimes[1:]
	}

	switch b.state.Phase {
	case CircuitClosed:
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.state = CircuitState{Phase: CircuitOpen, OpenedAt: now, Reason: reason}
			b.metrics.CircuitOpens++
			b.logEvent("circuit_open", "reason", reason, "failures", len(b.failureTimes))
		}
	case CircuitHalfOpen:
		b.state = CircuitState{Phase: CircuitOpen, OpenedAt: now, Reason: reason}
		b.metrics.CircuitOpens++
		b.successCount = 0
		b.logEvent("circuit_reopened", "reason", reason)
	case CircuitOpen:
		b.state = CircuitState{Phase: CircuitOpen, OpenedAt: now, Reason: reason}
	}
}

// State returns a copy of the current breaker state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a copy of the breaker metrics.
func (b *CircuitBreaker) Metrics() CircuitMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Reset forces the breaker back to Closed and clears all history.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.state = CircuitState{Phase: CircuitClosed}
	b.failureTimes = b.failureTimes[:0]
	b.successCount = 0
	b.metrics = CircuitMetrics{}
	b.mu.Unlock()
	b.logEvent("circuit_reset")
}

func (b *CircuitBreaker) logEvent(event string, args ...any) {
	if b.logger != nil {
		b.logger.Info("breaker_event", append([]any{"event", event, "breaker", b.name}, args...)...)
	}
}

// CircuitBreakerManager keys breakers by resource name.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerManager creates an empty manager. logger may be nil.
func NewCircuitBreakerManager(logger *slog.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker for name, creating it with cfg on
// first use.
func (m *CircuitBreakerManager) GetOrCreate(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, cfg, m.logger)
	m.breakers[name] = b
	return b
}

// All returns every managed breaker.
func (m *CircuitBreakerManager) All() []*CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b)
	}
	return out
}

// ResetAll resets every managed breaker.
func (m *CircuitBreakerManager) ResetAll() {
	for _, b := range m.All() {
		b.Reset()
	}
}
