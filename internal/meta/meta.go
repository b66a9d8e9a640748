// SPDX-License-Identifier: MIT

// Package meta defines the detection metadata types shared across the
// pipeline and the bridge that attaches them to buffers.
//
// Metadata is always a value copy: frames never hold references into
// metadata and metadata never holds references into frame buffers, so no
// reference cycles exist between the two.
package meta

import (
	"time"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// Detection is one detected object in frame-local pixel coordinates.
type Detection struct {
	X          float32
	Y          float32
	Width      float32
	Height     float32
	Confidence float32 // In [0,1]
	ClassID    int
	ClassName  string
}

// IoU returns the intersection-over-union of two detections' boxes in
// [0,1]. Disjoint boxes yield 0; a positive-area box against itself
// yields 1.
func (d Detection) IoU(other Detection) float32 {
	x1 := maxf(d.X, other.X)
	y1 := maxf(d.Y, other.Y)
	x2 := minf(d.X+d.Width, other.X+other.Width)
	y2 := minf(d.Y+d.Height, other.Y+other.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := d.Width*d.Height + other.Width*other.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Normalized converts the detection to [0,1]-relative coordinates for a
// frame of the given size.
func (d Detection) Normalized(frameW, frameH int) Detection {
	if frameW <= 0 || frameH <= 0 {
		return d
	}
	out := d
	out.X /= float32(frameW)
	out.Y /= float32(frameH)
	out.Width /= float32(frameW)
	out.Height /= float32(frameH)
	return out
}

// Denormalized converts a [0,1]-relative detection back to pixel
// coordinates for a frame of the given size.
func (d Detection) Denormalized(frameW, frameH int) Detection {
	if frameW <= 0 || frameH <= 0 {
		return d
	}
	out := d
	out.X *= float32(frameW)
	out.Y *= float32(frameH)
	out.Width *= float32(frameW)
	out.Height *= float32(frameH)
	return out
}

// DetectionMeta is the per-frame detection record attached to buffers.
type DetectionMeta struct {
	Detections  []Detection
	FrameNumber uint64 // Strictly increasing per source
	Timestamp   time.Time
	FrameWidth  int
	FrameHeight int
	SourceID    uint32 // Producing inference element's unique-id
}

// Clone returns a deep value copy.
func (m *DetectionMeta) Clone() *DetectionMeta {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Detections = make([]Detection, len(m.Detections))
	copy(cp.Detections, m.Detections)
	return &cp
}

// MetaKey is the buffer metadata key detection metadata travels under.
const MetaKey = "kestrel/detections"

// Attach stores a value copy of dm on buf.
func Attach(buf *graph.Buffer, dm *DetectionMeta) {
	buf.SetMeta(MetaKey, dm.Clone())
}

// FromBuffer reads detection metadata off buf, or nil if absent.
func FromBuffer(buf *graph.Buffer) *DetectionMeta {
	dm, _ := buf.Meta(MetaKey).(*DetectionMeta)
	return dm
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
