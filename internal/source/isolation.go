// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/util"
)

// IsolationPolicy selects how risky per-source work is contained.
type IsolationPolicy int

const (
	// IsolationNone calls directly; a failure affects the caller.
	IsolationNone IsolationPolicy = iota
	// IsolationBasic catches panics on the calling goroutine.
	IsolationBasic
	// IsolationFull runs on a dedicated goroutine with a timeout,
	// catching panics inside it.
	IsolationFull
)

// String returns the string representation of IsolationPolicy.
func (p IsolationPolicy) String() string {
	switch p {
	case IsolationNone:
		return "none"
	case IsolationBasic:
		return "basic"
	case IsolationFull:
		return "full"
	default:
		return "unknown"
	}
}

// OutcomeKind tags the result of an isolated operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeError
	OutcomePanic
	OutcomeTimeout
)

// Outcome is the tagged result of one isolated execution.
type Outcome struct {
	Kind     OutcomeKind
	Value    any
	Err      error
	PanicMsg string
}

// defaultIsolationTimeout bounds Full executions that never finish.
const defaultIsolationTimeout = 30 * time.Second

// Boundary wraps risky per-source work according to a policy.
type Boundary struct {
	id      ID
	policy  IsolationPolicy
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	errorCount int
	panicCount int
}

// NewBoundary creates a boundary with the default 30 s Full timeout.
// logger may be nil.
func NewBoundary(id ID, policy IsolationPolicy, logger *slog.Logger) *Boundary {
	return &Boundary{id: id, policy: policy, timeout: defaultIsolationTimeout, logger: logger}
}

// WithTimeout sets the Full-policy execution timeout.
func (b *Boundary) WithTimeout(timeout time.Duration) *Boundary {
	b.timeout = timeout
	return b
}

// Execute runs fn under the boundary's policy and tags the result.
func (b *Boundary) Execute(fn func() (any, error)) Outcome {
	switch b.policy {
	case IsolationNone:
		value, err := fn()
		if err != nil {
			b.recordError()
			return Outcome{Kind: OutcomeError, Err: err}
		}
		return Outcome{Kind: OutcomeSuccess, Value: value}

	case IsolationBasic:
		return b.executeCaught(fn)

	default:
		return b.executeOnThread(fn)
	}
}

// executeCaught runs fn on the calling goroutine, converting panics to
// tagged outcomes.
func (b *Boundary) executeCaught(fn func() (any, error)) Outcome {
	var value any
	err := util.CallRecovered(func() error {
		var callErr error
		value, callErr = fn()
		return callErr
	})

	var pe *util.PanicError
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess, Value: value}
	case asPanic(err, &pe):
		b.recordPanic()
		if b.logger != nil {
			b.logger.Error("source panicked", "source", b.id, "panic", pe.Payload)
		}
		return Outcome{Kind: OutcomePanic, PanicMsg: pe.Payload}
	default:
		b.recordError()
		return Outcome{Kind: OutcomeError, Err: err}
	}
}

// executeOnThread runs fn on a dedicated goroutine with the boundary
// timeout. A timed-out goroutine is left to finish on its own; its
// result is discarded.
func (b *Boundary) executeOnThread(fn func() (any, error)) Outcome {
	results := make(chan Outcome, 1)
	go func() {
		results <- b.executeCaught(fn)
	}()

	select {
	case out := <-results:
		return out
	case <-time.After(b.timeout):
		if b.logger != nil {
			b.logger.Error("source operation timed out", "source", b.id, "timeout", b.timeout)
		}
		return Outcome{Kind: OutcomeTimeout}
	}
}

func (b *Boundary) recordError() {
	b.mu.Lock()
	b.errorCount++
	b.mu.Unlock()
}

func (b *Boundary) recordPanic() {
	b.mu.Lock()
	b.panicCount++
	b.mu.Unlock()
}

// Stats returns the error and panic counts.
func (b *Boundary) Stats() (errors, panics int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount, b.panicCount
}

// ResetStats clears the counters.
func (b *Boundary) ResetStats() {
	b.mu.Lock()
	b.errorCount = 0
	b.panicCount = 0
	b.mu.Unlock()
}

// asPanic unwraps a PanicError from err.
func asPanic(err error, target **util.PanicError) bool {
	pe, ok := err.(*util.PanicError)
	if ok {
		*target = pe
	}
	return ok
}

// defaultMaxFailures quarantines a source after this many consecutive
// failures.
const defaultMaxFailures = 10

// IsolatedSource accumulates consecutive failures and quarantines
// itself at the limit. A quarantined source rejects execute requests
// until explicitly released.
type IsolatedSource struct {
	id       ID
	boundary *Boundary
	logger   *slog.Logger

	mu           sync.Mutex
	quarantined  bool
	failureCount int
	maxFailures  int
}

// NewIsolatedSource creates an isolated source with the default failure
// limit. logger may be nil.
func NewIsolatedSource(id ID, policy IsolationPolicy, logger *slog.Logger) *IsolatedSource {
	return &IsolatedSource{
		id:          id,
		boundary:    NewBoundary(id, policy, logger),
		logger:      logger,
		maxFailures: defaultMaxFailures,
	}
}

// SetMaxFailures adjusts the quarantine limit.
func (s *IsolatedSource) SetMaxFailures(n int) {
	s.mu.Lock()
	s.maxFailures = n
	s.mu.Unlock()
}

// IsQuarantined reports whether the source is quarantined.
func (s *IsolatedSource) IsQuarantined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined
}

// Quarantine marks the source quarantined.
func (s *IsolatedSource) Quarantine(reason string) {
	s.mu.Lock()
	s.quarantined = true
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Warn("source_quarantined", "source", s.id, "reason", reason)
	}
}

// ReleaseQuarantine clears quarantine, the failure count, and boundary
// statistics, restoring pre-failure behavior.
func (s *IsolatedSource) ReleaseQuarantine() {
	s.mu.Lock()
	s.quarantined = false
	s.failureCount = 0
	s.mu.Unlock()
	s.boundary.ResetStats()
	if s.logger != nil {
		s.logger.Info("source_quarantine_released", "source", s.id)
	}
}

// Execute runs fn under isolation with automatic quarantine. The
// closure is never invoked while quarantined.
func (s *IsolatedSource) Execute(fn func() (any, error)) (any, error) {
	if s.IsQuarantined() {
		return nil, errclass.New(errclass.KindUnknown, "source %d is quarantined", uint(s.id))
	}

	out := s.boundary.Execute(fn)
	switch out.Kind {
	case OutcomeSuccess:
		s.mu.Lock()
		s.failureCount = 0
		s.mu.Unlock()
		return out.Value, nil
	case OutcomeError:
		s.handleFailure()
		return nil, out.Err
	case OutcomePanic:
		s.handleFailure()
		return nil, errclass.New(errclass.KindUnknown, "panic: %s", out.PanicMsg)
	default:
		s.handleFailure()
		return nil, errclass.New(errclass.KindTimeout, "operation timed out")
	}
}

// handleFailure counts one failure and quarantines at the limit.
func (s *IsolatedSource) handleFailure() {
	s.mu.Lock()
	s.failureCount++
	trip := s.failureCount >= s.maxFailures
	limit := s.maxFailures
	s.mu.Unlock()
	if trip {
		s.Quarantine(fmt.Sprintf("exceeded %d failures", limit))
	}
}

// IsolationManager keys isolated sources by id.
type IsolationManager struct {
	defaultPolicy IsolationPolicy
	logger        *slog.Logger

	mu      sync.Mutex
	sources map[ID]*IsolatedSource
}

// NewIsolationManager creates an empty manager. logger may be nil.
func NewIsolationManager(policy IsolationPolicy, logger *slog.Logger) *IsolationManager {
	return &IsolationManager{
		defaultPolicy: policy,
		logger:        logger,
		sources:       make(map[ID]*IsolatedSource),
	}
}

// AddSource returns the isolated source for id, creating it with the
// default policy on first use.
func (m *IsolationManager) AddSource(id ID) *IsolatedSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[id]; ok {
		return s
	}
	s := NewIsolatedSource(id, m.defaultPolicy, m.logger)
	m.sources[id] = s
	return s
}

// RemoveSource drops the isolated source for id.
func (m *IsolationManager) RemoveSource(id ID) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

// Source returns the isolated source for id, or nil.
func (m *IsolationManager) Source(id ID) *IsolatedSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[id]
}

// QuarantinedSources lists the ids of all quarantined sources.
func (m *IsolationManager) QuarantinedSources() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ID
	for id, s := range m.sources {
		if s.IsQuarantined() {
			out = append(out, id)
		}
	}
	return out
}

// ReleaseAllQuarantines releases every quarantined source.
func (m *IsolationManager) ReleaseAllQuarantines() {
	m.mu.Lock()
	sources := make([]*IsolatedSource, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.Unlock()
	for _, s := range sources {
		if s.IsQuarantined() {
			s.ReleaseQuarantine()
		}
	}
}
