// SPDX-License-Identifier: MIT

package graph

import (
	"fmt"
	"sync"
)

// Bin is an element that groups children behind ghost pads so a subgraph
// links and changes state as a single node.
type Bin struct {
	*BaseElement

	mu       sync.Mutex
	children []Element
}

// NewBin creates an empty bin.
func NewBin(name string) *Bin {
	b := &Bin{BaseElement: NewBaseElement("bin", name)}
	return b
}

// Add puts a child element into the bin.
func (b *Bin) Add(children ...Element) {
	b.mu.Lock()
	b.children = append(b.children, children...)
	b.mu.Unlock()
}

// Children returns a snapshot of the bin's children.
func (b *Bin) Children() []Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Element, len(b.children))
	copy(out, b.children)
	return out
}

// ByName returns a child by name, or nil.
func (b *Bin) ByName(name string) Element {
	for _, c := range b.Children() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// SetState cascades the transition to all children, last-added first so
// consumers are ready before producers start. NoPreroll from any live
// child dominates the aggregate result.
func (b *Bin) SetState(target State) (StateChangeReturn, error) {
	children := b.Children()
	agg := StateChangeSuccess
	for i := len(children) - 1; i >= 0; i-- {
		ret, err := children[i].SetState(target)
		if err != nil {
			return ret, fmt.Errorf("state change: bin %q child %q: %w", b.Name(), children[i].Name(), err)
		}
		if ret == StateChangeNoPreroll {
			agg = StateChangeNoPreroll
		} else if ret == StateChangeAsync && agg == StateChangeSuccess {
			agg = StateChangeAsync
		}
	}
	ret, err := b.BaseElement.SetState(target)
	if err != nil {
		return ret, err
	}
	if ret == StateChangeNoPreroll {
		agg = StateChangeNoPreroll
	}
	return agg, nil
}

// SetBus attaches the bus to the bin and all children.
func (b *Bin) SetBus(bus *Bus) {
	b.BaseElement.SetBus(bus)
	for _, c := range b.Children() {
		c.SetBus(bus)
	}
}

// AddGhostSinkPad exposes target (a sink pad of a child) as a pad of
// the bin. Buffers arriving at the ghost flow into the child.
func (b *Bin) AddGhostSinkPad(name string, target *Pad) (*Pad, error) {
	if target == nil {
		return nil, fmt.Errorf("pad not found: ghost target for %q", name)
	}
	if target.Direction() != PadSink {
		return nil, fmt.Errorf("pad linking: ghost sink pad %q needs a sink target", name)
	}
	ghost := NewPad(name, PadSink, b)
	ghost.SetChain(func(_ *Pad, buf *Buffer) FlowReturn {
		return target.Chain(buf)
	})
	ghost.SetEventFunc(func(_ *Pad, ev Event) bool {
		return target.SendEvent(ev)
	})
	b.AddStaticPad(ghost)
	return ghost, nil
}

// AddGhostSrcPad exposes target (a src pad of a child) as a pad of the
// bin. Buffers pushed by the child flow out of the returned ghost pad.
func (b *Bin) AddGhostSrcPad(name string, target *Pad) (*Pad, error) {
	if target == nil {
		return nil, fmt.Errorf("pad not found: ghost target for %q", name)
	}
	if target.Direction() != PadSrc {
		return nil, fmt.Errorf("pad linking: ghost src pad %q needs a src target", name)
	}
	ghost := NewPad(name, PadSrc, b)
	proxy := NewPad(name+"-proxy", PadSink, b)
	proxy.SetChain(func(_ *Pad, buf *Buffer) FlowReturn {
		return ghost.Push(buf)
	})
	proxy.SetEventFunc(func(_ *Pad, ev Event) bool {
		return ghost.SendEvent(ev)
	})
	if err := target.Link(proxy); err != nil {
		return nil, err
	}
	b.AddStaticPad(ghost)
	return ghost, nil
}
