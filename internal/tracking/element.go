// SPDX-License-Identifier: MIT

package tracking

import (
	"time"

	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// FactoryName is the software tracker element factory.
const FactoryName = "cputracker"

// TracksMetaKey is the buffer metadata key tracked objects travel
// under.
const TracksMetaKey = "kestrel/tracks"

func init() {
	graph.Register(FactoryName, func(name string) (graph.Element, error) {
		return newTrackerElement(name), nil
	})
}

// newTrackerElement builds an in-place filter that annotates detection
// metadata with track ids. Buffers without detections pass through
// untouched.
func newTrackerElement(name string) graph.Element {
	e := graph.NewBaseElement(FactoryName, name)
	tracker := NewCentroidTracker(DefaultConfig())

	sink := graph.NewPad("sink", graph.PadSink, e)
	src := graph.NewPad("src", graph.PadSrc, e)
	sink.SetChain(func(_ *graph.Pad, buf *graph.Buffer) graph.FlowReturn {
		if dm := meta.FromBuffer(buf); dm != nil {
			tracked := tracker.Update(dm.Detections, time.Now())
			buf.SetMeta(TracksMetaKey, tracked)
		}
		return src.Push(buf)
	})
	e.AddStaticPad(sink)
	e.AddStaticPad(src)
	return e
}
