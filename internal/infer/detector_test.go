// SPDX-License-Identifier: MIT

package infer

import (
	"image"
	"math"
	"reflect"
	"testing"

	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// anchorRow builds one YOLO output row for an 80-class model.
func anchorRow(cx, cy, w, h, objectness float32, classID int, classScore float32) []float32 {
	row := make([]float32, 85)
	row[0], row[1], row[2], row[3], row[4] = cx, cy, w, h, objectness
	row[5+classID] = classScore
	return row
}

func params(conf, nms float32) postprocessParams {
	return postprocessParams{
		ImageWidth: 640, ImageHeight: 480,
		InputWidth: 640, InputHeight: 640,
		ConfidenceThreshold: conf, NMSThreshold: nms,
		ClassNames: cocoClassNames,
	}
}

// TestPostprocessDecode verifies center-form conversion, scaling, and
// clipping.
func TestPostprocessDecode(t *testing.T) {
	// One anchor centered at (320,320) in model space, 100x100 box.
	output := anchorRow(320, 320, 100, 100, 0.9, 0, 0.9)
	dets := Postprocess(output, params(0.5, 0.4))

	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	d := dets[0]
	if d.ClassName != "person" {
		t.Errorf("ClassName = %q, want person", d.ClassName)
	}
	// x scale 1.0, y scale 480/640 = 0.75.
	wantX, wantY := float32(270), float32(270*0.75)
	if math.Abs(float64(d.X-wantX)) > 0.01 || math.Abs(float64(d.Y-wantY)) > 0.01 {
		t.Errorf("box origin = (%v,%v), want (%v,%v)", d.X, d.Y, wantX, wantY)
	}
	if d.Confidence < 0.80 || d.Confidence > 0.82 {
		t.Errorf("Confidence = %v, want 0.9*0.9", d.Confidence)
	}
}

// TestPostprocessThresholdOne verifies confidence 1.0 yields nothing.
func TestPostprocessThresholdOne(t *testing.T) {
	var output []float32
	output = append(output, anchorRow(100, 100, 50, 50, 0.99, 2, 0.99)...)
	output = append(output, anchorRow(300, 300, 50, 50, 1.0, 5, 0.97)...)

	if dets := Postprocess(output, params(1.0, 0.4)); len(dets) != 0 {
		t.Errorf("detections at threshold 1.0 = %d, want 0", len(dets))
	}
}

// TestPostprocessThresholdZero verifies threshold 0 passes all anchors
// (before NMS removes overlaps, so anchors are placed apart).
func TestPostprocessThresholdZero(t *testing.T) {
	var output []float32
	output = append(output, anchorRow(50, 50, 20, 20, 0.01, 0, 0.01)...)
	output = append(output, anchorRow(300, 300, 20, 20, 0.02, 1, 0.02)...)
	output = append(output, anchorRow(600, 600, 20, 20, 0.03, 2, 0.03)...)

	if dets := Postprocess(output, params(0.0, 0.4)); len(dets) != 3 {
		t.Errorf("detections at threshold 0 = %d, want 3", len(dets))
	}
}

// TestPostprocessClipsToFrame verifies boxes never extend past image
// bounds and origins never go negative.
func TestPostprocessClipsToFrame(t *testing.T) {
	output := anchorRow(5, 5, 100, 100, 0.9, 0, 0.9) // Extends past top-left
	dets := Postprocess(output, params(0.5, 0.4))
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	d := dets[0]
	if d.X < 0 || d.Y < 0 {
		t.Errorf("origin (%v,%v) negative", d.X, d.Y)
	}
	if d.X+d.Width > 640 || d.Y+d.Height > 480 {
		t.Errorf("box exceeds frame: %+v", d)
	}
}

// TestNMSSuppression verifies overlapping same-class boxes collapse to
// the highest confidence one, while other classes survive.
func TestNMSSuppression(t *testing.T) {
	dets := []meta.Detection{
		{X: 100, Y: 100, Width: 100, Height: 100, Confidence: 0.9, ClassID: 0},
		{X: 105, Y: 105, Width: 100, Height: 100, Confidence: 0.8, ClassID: 0}, // Overlaps first
		{X: 102, Y: 102, Width: 100, Height: 100, Confidence: 0.85, ClassID: 7}, // Other class
		{X: 400, Y: 300, Width: 50, Height: 50, Confidence: 0.7, ClassID: 0},   // Disjoint
	}
	out := ApplyNMS(dets, 0.5)
	if len(out) != 3 {
		t.Fatalf("kept = %d, want 3", len(out))
	}
	if out[0].Confidence != 0.9 {
		t.Errorf("top detection confidence = %v, want 0.9", out[0].Confidence)
	}
}

// TestNMSIdempotent verifies applying NMS twice yields the same set.
func TestNMSIdempotent(t *testing.T) {
	dets := []meta.Detection{
		{X: 10, Y: 10, Width: 40, Height: 40, Confidence: 0.9, ClassID: 1},
		{X: 15, Y: 12, Width: 40, Height: 40, Confidence: 0.7, ClassID: 1},
		{X: 200, Y: 200, Width: 30, Height: 30, Confidence: 0.6, ClassID: 2},
	}
	once := ApplyNMS(dets, 0.4)
	twice := ApplyNMS(once, 0.4)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("NMS not idempotent: %v vs %v", once, twice)
	}
}

// TestNMSEmptyAndSingle verifies trivial inputs pass through.
func TestNMSEmptyAndSingle(t *testing.T) {
	if out := ApplyNMS(nil, 0.5); len(out) != 0 {
		t.Errorf("ApplyNMS(nil) = %v, want empty", out)
	}
	one := []meta.Detection{{Confidence: 0.5}}
	if out := ApplyNMS(one, 0.5); len(out) != 1 {
		t.Errorf("ApplyNMS(single) = %v, want 1", out)
	}
}

// TestPreprocessShapeAndRange verifies CHW layout and [0,1]
// normalization.
func TestPreprocessShapeAndRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	// Pure red image.
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+3] = 255
	}

	tensor := Preprocess(img, 64, 64)
	if len(tensor) != 3*64*64 {
		t.Fatalf("tensor len = %d, want %d", len(tensor), 3*64*64)
	}
	plane := 64 * 64
	// Red channel ~1.0, green/blue ~0.
	if tensor[plane/2] < 0.99 {
		t.Errorf("R value = %v, want ~1.0", tensor[plane/2])
	}
	if tensor[plane+plane/2] > 0.01 || tensor[2*plane+plane/2] > 0.01 {
		t.Error("G/B channels not ~0 for red image")
	}
	for i, v := range tensor {
		if v < 0 || v > 1 {
			t.Fatalf("tensor[%d] = %v outside [0,1]", i, v)
		}
	}
}

// TestMockDetectorThresholdAndClip verifies seeding, thresholding, and
// frame clipping.
func TestMockDetectorThresholdAndClip(t *testing.T) {
	mock := NewMockDetector()
	mock.Seed(
		meta.Detection{X: 600, Y: 400, Width: 100, Height: 100, Confidence: 0.9, ClassName: "person"},
		meta.Detection{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.3, ClassName: "car"},
	)

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	dets, err := mock.Detect(img)
	if err != nil {
		t.Fatalf("Detect() = %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1 (low-confidence filtered)", len(dets))
	}
	if dets[0].X+dets[0].Width > 640 || dets[0].Y+dets[0].Height > 480 {
		t.Errorf("mock detection not clipped: %+v", dets[0])
	}
	if mock.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", mock.Calls())
	}
}
