// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// MockBackend returns identity and fakesink elements wired into bins
// with ghost pads, so pipelines build and walk the state machine
// without doing real work. It advertises every capability except
// hardware decode so builder paths stay exercised in tests.
type MockBackend struct {
	caps Capabilities
}

// NewMockBackend creates the mock backend. It is always available.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		caps: Capabilities{
			SupportsInference:      true,
			SupportsTracking:       true,
			SupportsOsd:            true,
			SupportsBatching:       true,
			SupportsHardwareDecode: false,
			MaxBatchSize:           8,
			AvailableElements:      []string{"identity", "fakesink"},
		},
	}
}

// Kind returns KindMock.
func (b *MockBackend) Kind() Kind { return KindMock }

// Capabilities returns the mock capability descriptor.
func (b *MockBackend) Capabilities() Capabilities { return b.caps }

// identityBin wraps an identity element in a bin with ghost pads on
// both ends.
func identityBin(name string) (graph.Element, error) {
	bin := graph.NewBin(name)
	inner, err := graph.New("identity", name+"-identity")
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "mock %q", name)
	}
	bin.Add(inner)
	if _, err := bin.AddGhostSinkPad("sink", inner.StaticPad("sink")); err != nil {
		return nil, err
	}
	if _, err := bin.AddGhostSrcPad("src", inner.StaticPad("src")); err != nil {
		return nil, err
	}
	return bin, nil
}

// muxBin builds a plain mockmux element whose requestable sink pads push
// every buffer straight to its src pad, so the mock muxer accepts any
// number of inputs.
func muxBin(name string) (graph.Element, error) {
	e := graph.NewBaseElement("mockmux", name)
	src := graph.NewPad("src", graph.PadSrc, e)
	e.AddStaticPad(src)
	e.SetRequestPadFunc(func(template string) (*graph.Pad, error) {
		padName := template
		if template == "sink_%u" {
			padName = fmt.Sprintf("sink_%d", e.NextRequestID())
		}
		pad := graph.NewPad(padName, graph.PadSink, e)
		pad.SetChain(func(_ *graph.Pad, buf *graph.Buffer) graph.FlowReturn {
			return src.Push(buf)
		})
		e.AddStaticPad(pad)
		return pad, nil
	})
	return e, nil
}

// CreateStreamMux builds the mock muxer.
func (b *MockBackend) CreateStreamMux(name string) (graph.Element, error) {
	return muxBin(name)
}

// CreateInference builds a no-op inference stage.
func (b *MockBackend) CreateInference(name, _ string) (graph.Element, error) {
	return identityBin(name)
}

// CreateTracker builds a no-op tracker.
func (b *MockBackend) CreateTracker(name string) (graph.Element, error) {
	return identityBin(name)
}

// CreateTiler builds a no-op tiler.
func (b *MockBackend) CreateTiler(name string) (graph.Element, error) {
	return identityBin(name)
}

// CreateOsd builds a no-op overlay.
func (b *MockBackend) CreateOsd(name string) (graph.Element, error) {
	return identityBin(name)
}

// CreateVideoConvert builds a no-op converter.
func (b *MockBackend) CreateVideoConvert(name string) (graph.Element, error) {
	return identityBin(name)
}

// CreateVideoSink builds a fakesink.
func (b *MockBackend) CreateVideoSink(name string) (graph.Element, error) {
	sink, err := graph.New("fakesink", name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "mock sink %q", name)
	}
	return sink, nil
}

// CreateDecoder builds a no-op decoder.
func (b *MockBackend) CreateDecoder(name string) (graph.Element, error) {
	return identityBin(name)
}
