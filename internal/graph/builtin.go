// SPDX-License-Identifier: MIT

package graph

import (
	"errors"
	"fmt"
	"sync"
)

// Built-in element factories. These are the software element set the
// Software and Mock backends assemble pipelines from.
func init() {
	Register("identity", newIdentity)
	Register("fakesink", newFakeSink)
	Register("queue", newQueue)
	Register("capsfilter", newCapsFilter)
	Register("videorate", newVideoRate)
	Register("videoconvert", newVideoConvert)
	Register("textoverlay", newTextOverlay)
	Register("compositor", newCompositor)
	Register("autovideosink", newFakeSink)
	Register("videotestsrc", newVideoTestSrc)
	Register("uridecodebin", newURIDecodeBin)
}

// newPassthrough builds a single-sink single-src element whose chain
// applies fn (nil means forward unchanged).
func newPassthrough(factory, name string, fn func(e *BaseElement, buf *Buffer) FlowReturn) *BaseElement {
	e := NewBaseElement(factory, name)
	sink := NewPad("sink", PadSink, e)
	src := NewPad("src", PadSrc, e)
	sink.SetChain(func(_ *Pad, buf *Buffer) FlowReturn {
		if fn != nil {
			if ret := fn(e, buf); ret != FlowOK {
				return ret
			}
		}
		return src.Push(buf)
	})
	e.AddStaticPad(sink)
	e.AddStaticPad(src)
	return e
}

func newIdentity(name string) (Element, error) {
	return newPassthrough("identity", name, nil), nil
}

func newQueue(name string) (Element, error) {
	return newPassthrough("queue", name, nil), nil
}

func newVideoConvert(name string) (Element, error) {
	return newPassthrough("videoconvert", name, nil), nil
}

func newTextOverlay(name string) (Element, error) {
	e := newPassthrough("textoverlay", name, nil)
	_ = e.SetProperty("text", "")
	_ = e.SetProperty("valignment", "baseline")
	_ = e.SetProperty("halignment", "center")
	return e, nil
}

// newVideoRate forwards buffers, rewriting the caps frame rate to the
// downstream restriction once one is negotiated.
func newVideoRate(name string) (Element, error) {
	e := newPassthrough("videorate", name, func(e *BaseElement, buf *Buffer) FlowReturn {
		src := e.StaticPad("src")
		if src == nil {
			return FlowOK
		}
		if peer := src.Peer(); peer != nil {
			if want := peer.CurrentCaps(); want != nil && want.FPSNum > 0 && buf.Caps != nil {
				c := buf.Caps.Clone()
				c.FPSNum, c.FPSDen = want.FPSNum, want.FPSDen
				buf.Caps = c
			}
		}
		return FlowOK
	})
	return e, nil
}

// newCapsFilter restricts the stream to its "caps" property. Fields left
// zero in the filter caps pass through from the input.
func newCapsFilter(name string) (Element, error) {
	e := newPassthrough("capsfilter", name, func(e *BaseElement, buf *Buffer) FlowReturn {
		v, ok := e.Property("caps")
		if !ok {
			return FlowOK
		}
		want, ok := v.(*Caps)
		if !ok || want == nil {
			return FlowOK
		}
		c := want.Clone()
		if buf.Caps != nil {
			if c.Format == "" {
				c.Format = buf.Caps.Format
			}
			if c.Width == 0 {
				c.Width = buf.Caps.Width
			}
			if c.Height == 0 {
				c.Height = buf.Caps.Height
			}
			if c.FPSNum == 0 {
				c.FPSNum, c.FPSDen = buf.Caps.FPSNum, buf.Caps.FPSDen
			}
			if c.MediaType == "" {
				c.MediaType = buf.Caps.MediaType
			}
		}
		buf.Caps = c
		if src := e.StaticPad("src"); src != nil && src.CurrentCaps() == nil {
			src.SetCaps(c.Clone())
		}
		return FlowOK
	})
	return e, nil
}

func newFakeSink(name string) (Element, error) {
	e := NewBaseElement("fakesink", name)
	_ = e.SetProperty("sync", false)
	_ = e.SetProperty("async", false)
	sink := NewPad("sink", PadSink, e)
	sink.SetChain(func(_ *Pad, buf *Buffer) FlowReturn {
		e.Emit("handoff", buf)
		return FlowOK
	})
	sink.SetEventFunc(func(_ *Pad, ev Event) bool {
		if ev.Type == EventEOS {
			e.PostEOS()
			return true
		}
		return false
	})
	e.AddStaticPad(sink)
	return e, nil
}

// PaneMetaKey is the buffer metadata key the compositor uses to record
// the pane position of the stream a buffer came from.
const PaneMetaKey = "compositor/pane"

// Pane describes where a compositor input is placed on the canvas.
type Pane struct {
	X int
	Y int
}

// compositorState tracks per-sink EOS so end-of-stream is only forwarded
// once every input drained; removing one source must not tear down the
// rest of the pipeline.
type compositorState struct {
	mu  sync.Mutex
	eos map[string]bool
}

// newCompositor builds the software stream muxer: requested sink pads
// carry xpos/ypos pane properties and all inputs interleave onto one src
// pad. There is no cross-source ordering guarantee.
func newCompositor(name string) (Element, error) {
	e := NewBaseElement("compositor", name)
	_ = e.SetProperty("background", "checker")
	_ = e.SetProperty("ignore-inactive-pads", false)
	_ = e.SetProperty("start-time-selection", "zero")

	src := NewPad("src", PadSrc, e)
	e.AddStaticPad(src)
	st := &compositorState{eos: make(map[string]bool)}

	e.SetRequestPadFunc(func(template string) (*Pad, error) {
		var padName string
		switch template {
		case "sink_%u":
			padName = fmt.Sprintf("sink_%d", e.NextRequestID())
		default:
			if e.StaticPad(template) != nil {
				return nil, fmt.Errorf("pad linking: pad %q already exists on %q", template, e.Name())
			}
			padName = template
		}
		pad := NewPad(padName, PadSink, e)
		pad.SetProperty("xpos", 0)
		pad.SetProperty("ypos", 0)
		pad.SetChain(func(p *Pad, buf *Buffer) FlowReturn {
			x, _ := p.Property("xpos").(int)
			y, _ := p.Property("ypos").(int)
			buf.SetMeta(PaneMetaKey, Pane{X: x, Y: y})
			return src.Push(buf)
		})
		pad.SetEventFunc(func(p *Pad, ev Event) bool {
			if ev.Type != EventEOS {
				return false
			}
			st.mu.Lock()
			st.eos[p.Name()] = true
			all := true
			for _, sp := range e.Pads() {
				if sp.Direction() == PadSink && !st.eos[sp.Name()] {
					all = false
					break
				}
			}
			st.mu.Unlock()
			if all && src.IsLinked() {
				return src.SendEvent(ev)
			}
			return true
		})
		e.AddStaticPad(pad)
		return pad, nil
	})
	return e, nil
}

// errNoURIHandler is posted when uridecodebin cannot serve a URI with
// the in-process engine.
var errNoURIHandler = errors.New("could not open resource for reading")
