// SPDX-License-Identifier: MIT

// Package pipeline provides named element-graph pipelines with a
// validated state machine, a bus watcher with classification-driven
// recovery, and a fluent builder.
package pipeline

import (
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// Defaults for state settling and history retention.
const (
	DefaultStateTimeout = 5 * time.Second
	maxHistorySize      = 100
)

// Transition records one state-change attempt.
type Transition struct {
	From      graph.State
	To        graph.State
	Timestamp time.Time
	Success   bool
	Message   string
}

// StateManager validates transitions against the
// Null↔Ready↔Paused↔Playing ladder and decomposes non-adjacent jumps
// into intermediate steps. It keeps a bounded transition history.
type StateManager struct {
	mu      sync.Mutex
	current graph.State
	pending *graph.State
	history []Transition
	timeout time.Duration
}

// NewStateManager creates a manager at Null with the default timeout.
func NewStateManager() *StateManager {
	return &StateManager{current: graph.StateNull, timeout: DefaultStateTimeout}
}

// SetTimeout adjusts the async settling timeout.
func (m *StateManager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Current returns the last observed state.
func (m *StateManager) Current() graph.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Pending returns the in-flight target state, if any.
func (m *StateManager) Pending() (graph.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return graph.StateNull, false
	}
	return *m.pending, true
}

// IsValidTransition reports whether from→to is a single ladder step.
// Any state may drop straight to Null.
func (m *StateManager) IsValidTransition(from, to graph.State) bool {
	if to == graph.StateNull {
		return true
	}
	switch {
	case from == graph.StateNull && to == graph.StateReady:
		return true
	case from == graph.StateReady && to == graph.StatePaused:
		return true
	case from == graph.StatePaused && to == graph.StatePlaying:
		return true
	case from == graph.StatePaused && to == graph.StateReady:
		return true
	case from == graph.StatePlaying && to == graph.StatePaused:
		return true
	}
	return false
}

// intermediates returns the states to pass through between from and to,
// exclusive on both ends.
func intermediates(from, to graph.State) []graph.State {
	switch {
	case from == graph.StateNull && to == graph.StatePlaying:
		return []graph.State{graph.StateReady, graph.StatePaused}
	case from == graph.StateNull && to == graph.StatePaused:
		return []graph.State{graph.StateReady}
	case from == graph.StateReady && to == graph.StatePlaying:
		return []graph.State{graph.StatePaused}
	case from == graph.StatePlaying && to == graph.StateNull:
		return []graph.State{graph.StatePaused, graph.StateReady}
	case from == graph.StatePlaying && to == graph.StateReady:
		return []graph.State{graph.StatePaused}
	case from == graph.StatePaused && to == graph.StateNull:
		return []graph.State{graph.StateReady}
	}
	return nil
}

// SetState drives p to target, stepping through intermediates when the
// direct transition is not adjacent. A failure leaves the current state
// at the last observed value.
func (m *StateManager) SetState(p *graph.Pipeline, target graph.State) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == target {
		return nil
	}
	if !m.IsValidTransition(current, target) {
		steps := intermediates(current, target)
		if steps == nil {
			return errclass.New(errclass.KindStateChange,
				"invalid state transition from %s to %s", current, target)
		}
		for _, step := range steps {
			if err := m.perform(p, step); err != nil {
				return err
			}
		}
	}
	return m.perform(p, target)
}

// perform executes one transition and records it.
func (m *StateManager) perform(p *graph.Pipeline, target graph.State) error {
	m.mu.Lock()
	from := m.current
	t := target
	m.pending = &t
	timeout := m.timeout
	m.mu.Unlock()

	ret, err := p.SetState(target)

	var success bool
	var message string
	switch {
	case err != nil:
		success = false
		message = err.Error()
	case ret == graph.StateChangeAsync:
		// Poll for settling with the configured timeout.
		success = m.waitSettled(p, target, timeout)
		if success {
			message = "async state change completed"
		} else {
			message = "async state change timed out"
		}
	case ret == graph.StateChangeNoPreroll:
		// Live sources skip preroll; treat as a successful transition.
		success = true
		message = "live source detected (no-preroll)"
	default:
		success = true
	}

	m.mu.Lock()
	m.pending = nil
	if success {
		m.current = target
	}
	m.record(Transition{From: from, To: target, Timestamp: time.Now(), Success: success, Message: message})
	m.mu.Unlock()

	if !success {
		if err != nil {
			return errclass.Wrap(errclass.KindStateChange, err, "transition %s to %s", from, target)
		}
		return errclass.New(errclass.KindStateChange, "transition %s to %s: %s", from, target, message)
	}
	return nil
}

// waitSettled polls the pipeline until it reports target or the
// timeout expires.
func (m *StateManager) waitSettled(p *graph.Pipeline, target graph.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.CurrentState() == target {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return p.CurrentState() == target
}

// WaitForState blocks until the pipeline reaches target or timeout
// expires.
func (m *StateManager) WaitForState(p *graph.Pipeline, target graph.State, timeout time.Duration) error {
	if m.waitSettled(p, target, timeout) {
		m.mu.Lock()
		m.current = target
		m.mu.Unlock()
		return nil
	}
	return errclass.New(errclass.KindStateChange, "timeout waiting for state %s", target)
}

// Recover forces the pipeline to Null and clears pending state.
func (m *StateManager) Recover(p *graph.Pipeline) error {
	if _, err := p.SetState(graph.StateNull); err != nil {
		return errclass.Wrap(errclass.KindStateChange, err, "recovering pipeline")
	}
	m.mu.Lock()
	m.current = graph.StateNull
	m.pending = nil
	m.record(Transition{
		From: m.current, To: graph.StateNull,
		Timestamp: time.Now(), Success: true,
		Message: "recovery: forced to null",
	})
	m.mu.Unlock()
	return nil
}

// record appends to the bounded history.
func (m *StateManager) record(t Transition) {
	m.history = append(m.history, t)
	if len(m.history) > maxHistorySize {
		m.history = m.history[len(m.history)-maxHistorySize:]
	}
}

// History returns a copy of the transition history, oldest first.
func (m *StateManager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory discards the transition history.
func (m *StateManager) ClearHistory() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}
