// SPDX-License-Identifier: MIT

package infer

import (
	"image"
	"sync"

	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// MockDetector returns a fixed, seedable result set. It stands in for
// the model detector in tests and whenever no inference runtime is
// available in test mode.
type MockDetector struct {
	mu         sync.Mutex
	results    []meta.Detection
	confidence float32
	nms        float32
	calls      int
}

// NewMockDetector creates a mock that returns no detections until
// seeded.
func NewMockDetector() *MockDetector {
	return &MockDetector{confidence: 0.5, nms: 0.4}
}

// Seed sets the detections every Detect call returns. Detections below
// the confidence threshold are filtered like the real detector would.
func (d *MockDetector) Seed(detections ...meta.Detection) {
	d.mu.Lock()
	d.results = append([]meta.Detection(nil), detections...)
	d.mu.Unlock()
}

// SetThresholds updates the thresholds applied to seeded results.
func (d *MockDetector) SetThresholds(confidence, nms float32) {
	d.mu.Lock()
	d.confidence = confidence
	d.nms = nms
	d.mu.Unlock()
}

// Detect returns the seeded detections clipped to the frame and
// filtered by the confidence threshold.
func (d *MockDetector) Detect(img image.Image) ([]meta.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	b := img.Bounds()
	var out []meta.Detection
	for _, det := range d.results {
		if det.Confidence < d.confidence {
			continue
		}
		det.X = maxf32(det.X, 0)
		det.Y = maxf32(det.Y, 0)
		det.Width = minf32(det.Width, float32(b.Dx())-det.X)
		det.Height = minf32(det.Height, float32(b.Dy())-det.Y)
		out = append(out, det)
	}
	return ApplyNMS(out, d.nms), nil
}

// Calls returns how many times Detect ran.
func (d *MockDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
