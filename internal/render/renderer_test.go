// SPDX-License-Identifier: MIT

package render

import (
	"bytes"
	"testing"

	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

func frame(w, h int) *graph.Buffer {
	return &graph.Buffer{
		Data:   make([]byte, w*h*3),
		Stride: w * 3,
		Caps:   graph.NewVideoCaps(graph.FormatRGB, w, h, 30, 1),
	}
}

// TestRenderDrawsOutline verifies box edges get painted and the
// interior stays untouched.
func TestRenderDrawsOutline(t *testing.T) {
	buf := frame(64, 64)
	dm := &meta.DetectionMeta{
		Detections:  []meta.Detection{{X: 10, Y: 10, Width: 20, Height: 20, ClassID: 0}},
		FrameWidth:  64,
		FrameHeight: 64,
	}

	r := NewBoxRenderer()
	if err := r.Render(buf, dm); err != nil {
		t.Fatalf("Render() = %v", err)
	}

	edge := buf.Data[10*64*3+10*3]
	if edge == 0 {
		t.Error("top-left corner not painted")
	}
	center := buf.Data[20*64*3+20*3]
	if center != 0 {
		t.Error("box interior painted")
	}
}

// TestRenderClipsOutOfBounds verifies boxes past the frame edge do not
// write out of range.
func TestRenderClipsOutOfBounds(t *testing.T) {
	buf := frame(32, 32)
	dm := &meta.DetectionMeta{
		Detections: []meta.Detection{{X: 28, Y: 28, Width: 100, Height: 100, ClassID: 1}},
	}
	if err := NewBoxRenderer().Render(buf, dm); err != nil {
		t.Fatalf("Render() = %v", err)
	}
}

// TestRenderNilMetaNoop verifies missing metadata leaves the frame
// untouched.
func TestRenderNilMetaNoop(t *testing.T) {
	buf := frame(16, 16)
	want := append([]byte(nil), buf.Data...)
	if err := NewBoxRenderer().Render(buf, nil); err != nil {
		t.Fatalf("Render(nil) = %v", err)
	}
	if !bytes.Equal(buf.Data, want) {
		t.Error("frame mutated with nil metadata")
	}
}

// TestRenderUnsupportedFormat verifies non-RGB formats are skipped.
func TestRenderUnsupportedFormat(t *testing.T) {
	buf := frame(16, 16)
	buf.Caps = &graph.Caps{MediaType: "video/x-raw", Format: "I420", Width: 16, Height: 16}
	want := append([]byte(nil), buf.Data...)
	dm := &meta.DetectionMeta{Detections: []meta.Detection{{X: 1, Y: 1, Width: 4, Height: 4}}}
	if err := NewBoxRenderer().Render(buf, dm); err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if !bytes.Equal(buf.Data, want) {
		t.Error("frame mutated for unsupported format")
	}
}
