// SPDX-License-Identifier: MIT

package infer

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// newTestElement wires a cpudetector with a mock detector and a
// downstream capture sink.
func newTestElement(t *testing.T) (*Element, *MockDetector, *[]*graph.Buffer) {
	t.Helper()
	e := NewElement("detector", nil)
	mock := NewMockDetector()
	e.SetDetector(mock)

	var got []*graph.Buffer
	out := graph.NewPad("capture", graph.PadSink, nil)
	var mu sync.Mutex
	out.SetChain(func(_ *graph.Pad, buf *graph.Buffer) graph.FlowReturn {
		mu.Lock()
		got = append(got, buf)
		mu.Unlock()
		return graph.FlowOK
	})
	if err := e.StaticPad("src").Link(out); err != nil {
		t.Fatalf("Link() = %v", err)
	}
	return e, mock, &got
}

// rgbBuffer builds a frame of the given geometry.
func rgbBuffer(w, h int) *graph.Buffer {
	return &graph.Buffer{
		Data:   make([]byte, w*h*3),
		Stride: w * 3,
		Caps:   graph.NewVideoCaps(graph.FormatRGB, w, h, 30, 1),
	}
}

// push delivers a buffer into the element's sink pad.
func push(t *testing.T, e *Element, buf *graph.Buffer) graph.FlowReturn {
	t.Helper()
	up := graph.NewPad("up", graph.PadSrc, nil)
	if err := up.Link(e.StaticPad("sink")); err != nil {
		t.Fatalf("Link(sink) = %v", err)
	}
	defer up.Unlink()
	return up.Push(buf)
}

// TestPassthroughUnchanged verifies the output buffer is the input
// buffer, byte for byte.
func TestPassthroughUnchanged(t *testing.T) {
	e, mock, got := newTestElement(t)
	mock.Seed(meta.Detection{X: 1, Y: 1, Width: 5, Height: 5, Confidence: 0.9})

	buf := rgbBuffer(64, 48)
	for i := range buf.Data {
		buf.Data[i] = byte(i)
	}
	want := append([]byte(nil), buf.Data...)

	if ret := push(t, e, buf); ret != graph.FlowOK {
		t.Fatalf("push = %v, want FlowOK", ret)
	}
	if len(*got) != 1 {
		t.Fatalf("forwarded buffers = %d, want 1", len(*got))
	}
	if (*got)[0] != buf {
		t.Error("forwarded buffer is not the input buffer")
	}
	if !bytes.Equal(buf.Data, want) {
		t.Error("buffer data mutated by inference stage")
	}
}

// TestProcessCadence verifies detections land on exactly every Nth
// frame, 1-based.
func TestProcessCadence(t *testing.T) {
	e, mock, got := newTestElement(t)
	mock.Seed(meta.Detection{X: 0, Y: 0, Width: 5, Height: 5, Confidence: 0.9})
	if err := e.SetProperty("process-every-n-frames", uint(3)); err != nil {
		t.Fatalf("SetProperty = %v", err)
	}

	var signaled []uint64
	e.Connect(SignalInferenceDone, func(frame uint64, count uint32) {
		signaled = append(signaled, frame)
	})

	for i := 0; i < 9; i++ {
		push(t, e, rgbBuffer(32, 32))
	}
	if len(*got) != 9 {
		t.Fatalf("forwarded = %d, want 9 (all frames pass through)", len(*got))
	}

	want := []uint64{3, 6, 9}
	if len(signaled) != len(want) {
		t.Fatalf("signals = %v, want %v", signaled, want)
	}
	for i := range want {
		if signaled[i] != want[i] {
			t.Errorf("signal[%d] frame = %d, want %d", i, signaled[i], want[i])
		}
	}

	// Metadata only on processed frames.
	withMeta := 0
	for _, buf := range *got {
		if meta.FromBuffer(buf) != nil {
			withMeta++
		}
	}
	if withMeta != 3 {
		t.Errorf("buffers with metadata = %d, want 3", withMeta)
	}
}

// TestInferenceDoneSignal verifies the signal payload for scenario-style
// single detection on the first frame.
func TestInferenceDoneSignal(t *testing.T) {
	e, mock, _ := newTestElement(t)
	mock.Seed(meta.Detection{X: 270, Y: 190, Width: 100, Height: 100, Confidence: 0.9, ClassName: "person"})

	var gotFrame uint64
	var gotCount uint32
	e.Connect(SignalInferenceDone, func(frame uint64, count uint32) {
		gotFrame, gotCount = frame, count
	})

	buf := rgbBuffer(640, 480)
	push(t, e, buf)

	if gotFrame != 1 || gotCount != 1 {
		t.Errorf("inference-done(%d,%d), want (1,1)", gotFrame, gotCount)
	}
	dm := meta.FromBuffer(buf)
	if dm == nil || len(dm.Detections) != 1 {
		t.Fatalf("metadata = %+v, want 1 detection", dm)
	}
	d := dm.Detections[0]
	truth := meta.Detection{X: 270, Y: 190, Width: 100, Height: 100}
	if d.ClassName != "person" {
		t.Errorf("ClassName = %q, want person", d.ClassName)
	}
	if iou := d.IoU(truth); iou <= 0.95 {
		t.Errorf("IoU with ground truth = %v, want > 0.95", iou)
	}
}

// TestNoSignalOnEmptyResults verifies empty result sets stay silent.
func TestNoSignalOnEmptyResults(t *testing.T) {
	e, _, _ := newTestElement(t)
	fired := false
	e.Connect(SignalInferenceDone, func(uint64, uint32) { fired = true })
	push(t, e, rgbBuffer(32, 32))
	if fired {
		t.Error("inference-done fired with no detections")
	}
}

// TestStrideBeyondData verifies a frame whose stride exceeds its data
// length does not crash and still passes through.
func TestStrideBeyondData(t *testing.T) {
	e, mock, got := newTestElement(t)
	mock.Seed(meta.Detection{X: 0, Y: 0, Width: 5, Height: 5, Confidence: 0.9})

	buf := &graph.Buffer{
		Data:   make([]byte, 100),
		Stride: 10_000,
		Caps:   graph.NewVideoCaps(graph.FormatRGB, 640, 480, 30, 1),
	}
	if ret := push(t, e, buf); ret != graph.FlowOK {
		t.Fatalf("push = %v, want FlowOK", ret)
	}
	if len(*got) != 1 {
		t.Errorf("forwarded = %d, want 1", len(*got))
	}
}

// TestUnsupportedFormat verifies unknown pixel formats skip detection
// but keep the stream alive.
func TestUnsupportedFormat(t *testing.T) {
	e, mock, got := newTestElement(t)
	mock.Seed(meta.Detection{X: 0, Y: 0, Width: 5, Height: 5, Confidence: 0.9})

	buf := &graph.Buffer{
		Data:   make([]byte, 64*48*2),
		Stride: 64 * 2,
		Caps:   &graph.Caps{MediaType: "video/x-raw", Format: "I420", Width: 64, Height: 48},
	}
	if ret := push(t, e, buf); ret != graph.FlowOK {
		t.Fatalf("push = %v, want FlowOK", ret)
	}
	if len(*got) != 1 {
		t.Fatalf("forwarded = %d, want 1", len(*got))
	}
	if meta.FromBuffer((*got)[0]) != nil {
		t.Error("metadata attached for unsupported format")
	}
}

// TestMissingCapsIsNotNegotiated verifies the error-flow path.
func TestMissingCapsIsNotNegotiated(t *testing.T) {
	e, _, _ := newTestElement(t)
	if ret := push(t, e, &graph.Buffer{Data: make([]byte, 16)}); ret != graph.FlowNotNegotiated {
		t.Errorf("push without caps = %v, want FlowNotNegotiated", ret)
	}
}

// TestBGRConversion verifies per-pixel channel swap during conversion.
func TestBGRConversion(t *testing.T) {
	buf := &graph.Buffer{
		Data:   []byte{10, 20, 30, 40, 50, 60},
		Stride: 6,
		Caps:   graph.NewVideoCaps(graph.FormatBGR, 2, 1, 30, 1),
	}
	img := FrameToImage(buf, buf.Caps)
	if img == nil {
		t.Fatal("FrameToImage(BGR) = nil")
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 30 || g>>8 != 20 || b>>8 != 10 {
		t.Errorf("pixel(0,0) = (%d,%d,%d), want (30,20,10)", r>>8, g>>8, b>>8)
	}
}

// TestPropertyConstraints verifies mutation rules against element state.
func TestPropertyConstraints(t *testing.T) {
	e := NewElement("detector", nil)

	if err := e.SetProperty("model-path", "other.onnx"); err != nil {
		t.Errorf("SetProperty(model-path) in Null = %v, want nil", err)
	}

	if _, err := e.SetState(graph.StatePlaying); err != nil {
		t.Fatalf("SetState = %v", err)
	}
	if err := e.SetProperty("model-path", "third.onnx"); err == nil {
		t.Error("SetProperty(model-path) while Playing succeeded, want error")
	}
	if err := e.SetProperty("input-width", uint(320)); err == nil {
		t.Error("SetProperty(input-width) while Playing succeeded, want error")
	}

	// Thresholds stay mutable while playing and push through.
	mock := NewMockDetector()
	e.SetDetector(mock)
	if err := e.SetProperty("confidence-threshold", 0.25); err != nil {
		t.Errorf("SetProperty(confidence-threshold) while Playing = %v", err)
	}

	if err := e.SetProperty("process-every-n-frames", uint(0)); err == nil {
		t.Error("process-every-n-frames=0 accepted, want error")
	}
	if err := e.SetProperty("process-mode", uint(3)); err == nil {
		t.Error("process-mode=3 accepted, want error")
	}
	if err := e.SetProperty("no-such-property", 1); err == nil {
		t.Error("unknown property accepted, want error")
	}
}

// TestModelPathChangeDiscardsDetector verifies the reload contract.
func TestModelPathChangeDiscardsDetector(t *testing.T) {
	e := NewElement("detector", nil)
	e.SetDetector(NewMockDetector())
	if err := e.SetProperty("model-path", "new.onnx"); err != nil {
		t.Fatalf("SetProperty = %v", err)
	}
	if e.Detector() != nil {
		t.Error("detector survived model-path change")
	}
}

// TestConfigFileApplication verifies atomic config-file apply and
// read-back (scenario 6).
func TestConfigFileApplication(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detector.conf")
	content := "[property]\nmodel_path=models/custom.onnx\npre_cluster_threshold=0.7\nnms_iou_threshold=0.3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	e := NewElement("detector", nil)
	e.SetDetector(NewMockDetector())

	if err := e.SetProperty("config-file-path", path); err != nil {
		t.Fatalf("SetProperty(config-file-path) = %v", err)
	}

	if v, _ := e.Property("model-path"); v != "models/custom.onnx" {
		t.Errorf("model-path = %v, want models/custom.onnx", v)
	}
	if v, _ := e.Property("confidence-threshold"); v != 0.7 {
		t.Errorf("confidence-threshold = %v, want 0.7", v)
	}
	if v, _ := e.Property("nms-threshold"); v != 0.3 {
		t.Errorf("nms-threshold = %v, want 0.3", v)
	}
	if e.Detector() != nil {
		t.Error("detector handle not cleared by config apply")
	}
}

// TestConfigFileRejectedAppliesNothing verifies failed parses leave
// settings untouched.
func TestConfigFileRejectedAppliesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("pre_cluster_threshold=2.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := NewElement("detector", nil)
	if err := e.SetProperty("config-file-path", path); err == nil {
		t.Fatal("bad config accepted, want error")
	}
	if v, _ := e.Property("confidence-threshold"); v != defaultConfidenceThreshold {
		t.Errorf("confidence-threshold = %v, want default %v", v, defaultConfidenceThreshold)
	}
}

// TestMockFallbackInTestMode verifies the lazy-load failure path.
func TestMockFallbackInTestMode(t *testing.T) {
	SetTestMode(true)
	defer SetTestMode(false)

	e, _, got := newTestElement(t)
	e.SetDetector(nil) // Force lazy load of a nonexistent model.
	push(t, e, rgbBuffer(32, 32))

	if e.Detector() == nil {
		t.Fatal("no detector after test-mode fallback")
	}
	if _, ok := e.Detector().(*MockDetector); !ok {
		t.Errorf("fallback detector = %T, want *MockDetector", e.Detector())
	}
	if len(*got) != 1 {
		t.Errorf("forwarded = %d, want 1", len(*got))
	}
}

// TestProductionModeSkipsFrame verifies load failures outside test mode
// skip detection but forward the frame.
func TestProductionModeSkipsFrame(t *testing.T) {
	e, _, got := newTestElement(t)
	e.SetDetector(nil)
	push(t, e, rgbBuffer(32, 32))

	if e.Detector() != nil {
		t.Errorf("detector loaded without runtime = %T, want nil", e.Detector())
	}
	if len(*got) != 1 {
		t.Errorf("forwarded = %d, want 1", len(*got))
	}
}
