// SPDX-License-Identifier: MIT

package source

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// testRig builds a compositor pipeline with a counting sink and a
// controller over it.
type testRig struct {
	pipeline *graph.Pipeline
	mux      graph.Element
	ctl      *Controller

	mu     sync.Mutex
	frames map[graph.Pane]int
}

func newTestRig(t *testing.T, cfg ControllerConfig) *testRig {
	t.Helper()
	p := graph.NewPipeline("test-pipeline")
	mux, err := graph.New("compositor", "mux")
	if err != nil {
		t.Fatalf("New(compositor) = %v", err)
	}
	sink, err := graph.New("fakesink", "sink")
	if err != nil {
		t.Fatalf("New(fakesink) = %v", err)
	}
	p.Add(mux, sink)
	if err := mux.StaticPad("src").Link(sink.StaticPad("sink")); err != nil {
		t.Fatalf("Link(mux, sink) = %v", err)
	}

	rig := &testRig{pipeline: p, mux: mux, frames: make(map[graph.Pane]int)}
	sink.Connect("handoff", func(args ...any) {
		buf, ok := args[0].(*graph.Buffer)
		if !ok {
			return
		}
		pane, _ := buf.Meta(graph.PaneMetaKey).(graph.Pane)
		rig.mu.Lock()
		rig.frames[pane]++
		rig.mu.Unlock()
	})

	rig.ctl = NewController(cfg, p, mux)
	t.Cleanup(func() {
		rig.ctl.RemoveAllSources()
		_, _ = p.SetState(graph.StateNull)
	})
	return rig
}

func (r *testRig) frameCount(pane graph.Pane) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[pane]
}

// muxSinkPads counts the muxer's current sink pads.
func muxSinkPads(mux graph.Element) int {
	n := 0
	for _, pad := range mux.Pads() {
		if pad.Direction() == graph.PadSink {
			n++
		}
	}
	return n
}

// TestAddSourceAssignsSequentialIDs verifies id assignment and count
// bookkeeping.
func TestAddSourceAssignsSequentialIDs(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())

	id0, err := rig.ctl.AddSource(graph.TestPatternURI)
	if err != nil {
		t.Fatalf("AddSource() = %v", err)
	}
	id1, err := rig.ctl.AddSource(graph.TestPatternURI)
	if err != nil {
		t.Fatalf("AddSource() second = %v", err)
	}
	if id0 != 0 || id1 != 1 {
		t.Errorf("ids = %d,%d, want 0,1", id0, id1)
	}
	if rig.ctl.SourceCount() != 2 {
		t.Errorf("SourceCount() = %d, want 2", rig.ctl.SourceCount())
	}
}

// TestAddSourceRespectsMaximum verifies the bound and that a failed add
// leaves no partial state.
func TestAddSourceRespectsMaximum(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.MaxSources = 2
	rig := newTestRig(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := rig.ctl.AddSource(graph.TestPatternURI); err != nil {
			t.Fatalf("AddSource(%d) = %v", i, err)
		}
	}
	padsBefore := muxSinkPads(rig.mux)
	if _, err := rig.ctl.AddSource(graph.TestPatternURI); err == nil {
		t.Fatal("AddSource beyond maximum succeeded")
	}
	if rig.ctl.SourceCount() != 2 {
		t.Errorf("SourceCount() = %d after failed add, want 2", rig.ctl.SourceCount())
	}
	if got := muxSinkPads(rig.mux); got != padsBefore {
		t.Errorf("mux pads = %d after failed add, want %d", got, padsBefore)
	}
}

// TestCompositorGridPositions verifies the 2-column 640x480 layout.
func TestCompositorGridPositions(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())

	want := []graph.Pane{{X: 0, Y: 0}, {X: 640, Y: 0}, {X: 0, Y: 480}, {X: 640, Y: 480}}
	for i := range want {
		id, err := rig.ctl.AddSource(graph.TestPatternURI)
		if err != nil {
			t.Fatalf("AddSource(%d) = %v", i, err)
		}
		pad := rig.ctl.Source(id).MuxPad()
		if pad == nil {
			t.Fatalf("source %d has no mux pad", id)
		}
		x, _ := pad.Property("xpos").(int)
		y, _ := pad.Property("ypos").(int)
		if x != want[i].X || y != want[i].Y {
			t.Errorf("source %d at (%d,%d), want (%d,%d)", id, x, y, want[i].X, want[i].Y)
		}
	}
}

// TestTwoSourcesFlowFrames runs the two-source compositor scenario at
// reduced duration: both panes receive frames and counts scale with
// the frame rate.
func TestTwoSourcesFlowFrames(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())

	if _, err := rig.pipeline.SetState(graph.StatePlaying); err != nil {
		t.Fatalf("SetState(Playing) = %v", err)
	}
	if _, err := rig.ctl.AddSource(graph.TestPatternURI); err != nil {
		t.Fatalf("AddSource(0) = %v", err)
	}
	if _, err := rig.ctl.AddSource(graph.TestPatternURI); err != nil {
		t.Fatalf("AddSource(1) = %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if _, err := rig.pipeline.SetState(graph.StateNull); err != nil {
		t.Fatalf("SetState(Null) = %v", err)
	}

	// 30 fps over 500 ms is ~15 frames per source; allow wide margin.
	for _, pane := range []graph.Pane{{X: 0, Y: 0}, {X: 640, Y: 0}} {
		if got := rig.frameCount(pane); got < 5 {
			t.Errorf("pane %+v frames = %d, want ≥ 5", pane, got)
		}
	}
}

// TestAddRemoveRoundTrip verifies add-then-remove is observationally a
// no-op: source count and muxer pad count return to baseline.
func TestAddRemoveRoundTrip(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())
	basePads := muxSinkPads(rig.mux)
	baseElements := len(rig.pipeline.Elements())

	id, err := rig.ctl.AddSource(graph.TestPatternURI)
	if err != nil {
		t.Fatalf("AddSource() = %v", err)
	}
	if err := rig.ctl.RemoveSource(id); err != nil {
		t.Fatalf("RemoveSource() = %v", err)
	}

	if rig.ctl.SourceCount() != 0 {
		t.Errorf("SourceCount() = %d, want 0", rig.ctl.SourceCount())
	}
	if got := muxSinkPads(rig.mux); got != basePads {
		t.Errorf("mux sink pads = %d, want %d", got, basePads)
	}
	if got := len(rig.pipeline.Elements()); got != baseElements {
		t.Errorf("pipeline elements = %d, want %d", got, baseElements)
	}
}

// TestRemoveSourceWhilePlaying verifies removal drains and the other
// source keeps flowing.
func TestRemoveSourceWhilePlaying(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())

	if _, err := rig.pipeline.SetState(graph.StatePlaying); err != nil {
		t.Fatal(err)
	}
	id0, _ := rig.ctl.AddSource(graph.TestPatternURI)
	id1, _ := rig.ctl.AddSource(graph.TestPatternURI)
	time.Sleep(150 * time.Millisecond)

	if err := rig.ctl.RemoveSource(id0); err != nil {
		t.Fatalf("RemoveSource(%d) = %v", id0, err)
	}

	before := rig.frameCount(graph.Pane{X: 640, Y: 0})
	time.Sleep(150 * time.Millisecond)
	after := rig.frameCount(graph.Pane{X: 640, Y: 0})
	if after <= before {
		t.Errorf("surviving source stalled: %d → %d", before, after)
	}
	_ = id1
}

// TestRemoveAllSourcesIdempotent verifies bulk removal and repeat
// calls.
func TestRemoveAllSourcesIdempotent(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())
	for i := 0; i < 3; i++ {
		if _, err := rig.ctl.AddSource(graph.TestPatternURI); err != nil {
			t.Fatal(err)
		}
	}

	rig.ctl.RemoveAllSources()
	if rig.ctl.SourceCount() != 0 {
		t.Errorf("SourceCount() = %d after RemoveAllSources", rig.ctl.SourceCount())
	}
	rig.ctl.RemoveAllSources() // Idempotent
	if rig.ctl.SourceCount() != 0 {
		t.Error("second RemoveAllSources changed state")
	}
}

// TestIDsNotReused verifies ids keep increasing across removals.
func TestIDsNotReused(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())

	id0, _ := rig.ctl.AddSource(graph.TestPatternURI)
	if err := rig.ctl.RemoveSource(id0); err != nil {
		t.Fatal(err)
	}
	id1, err := rig.ctl.AddSource(graph.TestPatternURI)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id0 {
		t.Errorf("id %d reused after removal", id0)
	}
}

// TestRemoveUnknownSource verifies the error path.
func TestRemoveUnknownSource(t *testing.T) {
	rig := newTestRig(t, DefaultControllerConfig())
	if err := rig.ctl.RemoveSource(99); err == nil {
		t.Error("RemoveSource(99) = nil, want error")
	}
}

// TestSanitizeURI verifies the log-safe tag reduction.
func TestSanitizeURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rtsp://cam.example:554/stream-1", "rtsp_cam_example_554_stream_1"},
		{"videotestsrc://", "videotestsrc"},
		{"///", "source"},
	}
	for _, tt := range tests {
		if got := sanitizeURI(tt.in); got != tt.want {
			t.Errorf("sanitizeURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
