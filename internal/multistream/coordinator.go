// SPDX-License-Identifier: MIT

package multistream

import (
	"container/heap"
	"sync"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// Priority orders streams for processing.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// pendingStream is one queued stream with its FIFO sequence.
type pendingStream struct {
	id       source.ID
	priority Priority
	seq      uint64
}

// streamHeap is a max-heap on priority with FIFO tie-break.
type streamHeap []pendingStream

func (h streamHeap) Len() int { return len(h) }
func (h streamHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h streamHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x any)   { *h = append(*h, x.(pendingStream)) }
func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// StreamCoordinator schedules streams by priority, maintains
// synchronization groups, and applies uniform quality adjustments.
type StreamCoordinator struct {
	mu         sync.Mutex
	priorities map[source.ID]Priority
	pending    streamHeap
	queued     map[source.ID]bool
	nextSeq    uint64
	syncGroups map[string][]source.ID
	quality    float64
}

// NewStreamCoordinator creates an empty coordinator at full quality.
func NewStreamCoordinator() *StreamCoordinator {
	return &StreamCoordinator{
		priorities: make(map[source.ID]Priority),
		queued:     make(map[source.ID]bool),
		syncGroups: make(map[string][]source.ID),
		quality:    1.0,
	}
}

// Register adds a stream with a priority.
func (c *StreamCoordinator) Register(id source.ID, priority Priority) {
	c.mu.Lock()
	c.priorities[id] = priority
	c.mu.Unlock()
}

// Unregister removes a stream and any queued entry for it.
func (c *StreamCoordinator) Unregister(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.priorities, id)
	delete(c.queued, id)
	for name, members := range c.syncGroups {
		for i, member := range members {
			if member == id {
				c.syncGroups[name] = append(members[:i], members[i+1:]...)
				break
			}
		}
	}
}

// SetPriority updates a stream's priority for future queueing.
func (c *StreamCoordinator) SetPriority(id source.ID, priority Priority) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.priorities[id]; !ok {
		return errclass.New(errclass.KindUnknown, "stream %d not registered", uint(id))
	}
	c.priorities[id] = priority
	return nil
}

// Priority returns a stream's priority.
func (c *StreamCoordinator) Priority(id source.ID) (Priority, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.priorities[id]
	return p, ok
}

// MarkPending queues a stream for processing. Re-queueing a stream
// already pending is a no-op.
func (c *StreamCoordinator) MarkPending(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[id] {
		return
	}
	priority, ok := c.priorities[id]
	if !ok {
		return
	}
	c.queued[id] = true
	heap.Push(&c.pending, pendingStream{id: id, priority: priority, seq: c.nextSeq})
	c.nextSeq++
}

// NextStream pops the highest-priority pending stream, FIFO within a
// priority level.
func (c *StreamCoordinator) NextStream() (source.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Len() > 0 {
		item := heap.Pop(&c.pending).(pendingStream)
		if !c.queued[item.id] {
			continue // Unregistered while queued
		}
		delete(c.queued, item.id)
		return item.id, true
	}
	return 0, false
}

// PendingCount returns the number of queued streams.
func (c *StreamCoordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// CreateSyncGroup declares a set of streams intended to be processed
// in lock-step.
func (c *StreamCoordinator) CreateSyncGroup(name string, members []source.ID) {
	c.mu.Lock()
	c.syncGroups[name] = append([]source.ID(nil), members...)
	c.mu.Unlock()
}

// SyncGroup returns a group's members, or nil.
func (c *StreamCoordinator) SyncGroup(name string) []source.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.syncGroups[name]
	if !ok {
		return nil
	}
	return append([]source.ID(nil), members...)
}

// RemoveSyncGroup deletes a group.
func (c *StreamCoordinator) RemoveSyncGroup(name string) {
	c.mu.Lock()
	delete(c.syncGroups, name)
	c.mu.Unlock()
}

// AdjustQuality applies a uniform quality factor across all streams,
// clamped to [0,1].
func (c *StreamCoordinator) AdjustQuality(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	c.mu.Lock()
	c.quality = factor
	c.mu.Unlock()
}

// Quality returns the current uniform quality factor.
func (c *StreamCoordinator) Quality() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}
