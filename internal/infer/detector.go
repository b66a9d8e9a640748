// SPDX-License-Identifier: MIT

// Package infer provides the CPU inference element and the detector it
// wraps: an in-place video filter that runs a YOLO-style object detector
// on every Nth frame and attaches the results as buffer metadata.
//
// The ONNX runtime itself is an external collaborator. The package
// specifies the preprocessing, postprocessing, and detection contract
// around a small Session interface; a mock detector stands in wherever
// no runtime is wired.
package infer

import (
	"image"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"golang.org/x/image/draw"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// Session runs one inference pass. Input is a CHW float tensor with the
// given shape [1,3,H,W]; output is the raw model output, row-major
// [N, 5+C] with cx,cy,w,h,objectness,class scores.
type Session interface {
	Run(input []float32, shape []int) ([]float32, error)
}

// SessionLoader opens a model file and returns a live session. The
// default build has no runtime binding; deployments register a loader
// at startup.
type SessionLoader func(modelPath string, numThreads int) (Session, error)

var (
	loaderMu      sync.RWMutex
	sessionLoader SessionLoader
)

// RegisterSessionLoader installs the process-wide model loader.
func RegisterSessionLoader(fn SessionLoader) {
	loaderMu.Lock()
	sessionLoader = fn
	loaderMu.Unlock()
}

// DetectorConfig configures a detector instance.
type DetectorConfig struct {
	ModelPath           string
	InputWidth          int
	InputHeight         int
	ConfidenceThreshold float32
	NMSThreshold        float32
	NumThreads          int
	ClassNames          []string // Defaults to the COCO-80 set
}

// DefaultDetectorConfig returns the standard YOLO configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ModelPath:           "yolov5n.onnx",
		InputWidth:          640,
		InputHeight:         640,
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.4,
		NumThreads:          4,
	}
}

// Detector produces detections from frames.
type Detector interface {
	// Detect runs the detector on img and returns frame-local,
	// frame-bounds-clipped detections.
	Detect(img image.Image) ([]meta.Detection, error)

	// SetThresholds updates confidence and NMS thresholds on the live
	// detector.
	SetThresholds(confidence, nms float32)
}

// ModelDetector is the ONNX-contract detector: triangle-filter resize,
// [0,1]-normalized CHW tensor, YOLO decode, per-class NMS.
type ModelDetector struct {
	session Session

	mu         sync.Mutex
	cfg        DetectorConfig
	classNames []string
}

// NewModelDetector loads a detector for cfg. It fails with a
// configuration error when the model file does not exist or no session
// loader is registered.
func NewModelDetector(cfg DetectorConfig, logger *slog.Logger) (*ModelDetector, error) {
	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 {
		return nil, errclass.New(errclass.KindConfiguration, "invalid input size %dx%d", cfg.InputWidth, cfg.InputHeight)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errclass.New(errclass.KindConfiguration, "model file not found: %s", cfg.ModelPath)
	}

	loaderMu.RLock()
	loader := sessionLoader
	loaderMu.RUnlock()
	if loader == nil {
		return nil, errclass.New(errclass.KindConfiguration, "no inference runtime registered")
	}
	session, err := loader(cfg.ModelPath, cfg.NumThreads)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindConfiguration, err, "loading model %s", cfg.ModelPath)
	}

	names := cfg.ClassNames
	if len(names) == 0 {
		names = cocoClassNames
	}
	if logger != nil {
		logger.Info("loaded detector", "model", cfg.ModelPath, "input", cfg.InputWidth)
	}
	return &ModelDetector{session: session, cfg: cfg, classNames: names}, nil
}

// NewModelDetectorWithSession wires a detector directly to a session,
// bypassing the loader. Used by tests and embedders with their own
// runtime.
func NewModelDetectorWithSession(cfg DetectorConfig, session Session) *ModelDetector {
	names := cfg.ClassNames
	if len(names) == 0 {
		names = cocoClassNames
	}
	return &ModelDetector{session: session, cfg: cfg, classNames: names}
}

// SetThresholds updates the live thresholds.
func (d *ModelDetector) SetThresholds(confidence, nms float32) {
	d.mu.Lock()
	d.cfg.ConfidenceThreshold = confidence
	d.cfg.NMSThreshold = nms
	d.mu.Unlock()
}

// Detect runs preprocessing, the session, and postprocessing.
func (d *ModelDetector) Detect(img image.Image) ([]meta.Detection, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	tensor := Preprocess(img, cfg.InputWidth, cfg.InputHeight)
	output, err := d.session.Run(tensor, []int{1, 3, cfg.InputHeight, cfg.InputWidth})
	if err != nil {
		return nil, errclass.Wrap(errclass.KindUnknown, err, "inference failed")
	}

	bounds := img.Bounds()
	return Postprocess(output, postprocessParams{
		ImageWidth:          bounds.Dx(),
		ImageHeight:         bounds.Dy(),
		InputWidth:          cfg.InputWidth,
		InputHeight:         cfg.InputHeight,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NMSThreshold:        cfg.NMSThreshold,
		ClassNames:          d.classNames,
	}), nil
}

// Preprocess resizes img to inputW×inputH with a triangle filter and
// produces a 3×H×W float tensor in channel-major order, each channel
// normalized to [0,1].
func Preprocess(img image.Image, inputW, inputH int) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, inputW, inputH))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	tensor := make([]float32, 3*inputW*inputH)
	plane := inputW * inputH
	for y := 0; y < inputH; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < inputW; x++ {
			off := x * 4
			idx := y*inputW + x
			tensor[idx] = float32(row[off]) / 255.0
			tensor[plane+idx] = float32(row[off+1]) / 255.0
			tensor[2*plane+idx] = float32(row[off+2]) / 255.0
		}
	}
	return tensor
}

// postprocessParams bundles the decode inputs.
type postprocessParams struct {
	ImageWidth          int
	ImageHeight         int
	InputWidth          int
	InputHeight         int
	ConfidenceThreshold float32
	NMSThreshold        float32
	ClassNames          []string
}

// Postprocess decodes a YOLO-style output of shape [N, 5+C], filters by
// confidence, scales boxes to image coordinates clipped to the frame,
// and applies per-class NMS.
func Postprocess(output []float32, p postprocessParams) []meta.Detection {
	numClasses := len(p.ClassNames)
	if numClasses == 0 {
		numClasses = len(cocoClassNames)
		p.ClassNames = cocoClassNames
	}
	rowSize := 5 + numClasses
	if rowSize == 0 || len(output) < rowSize {
		return nil
	}
	numAnchors := len(output) / rowSize

	xScale := float32(p.ImageWidth) / float32(p.InputWidth)
	yScale := float32(p.ImageHeight) / float32(p.InputHeight)

	var detections []meta.Detection
	for i := 0; i < numAnchors; i++ {
		row := output[i*rowSize : (i+1)*rowSize]
		cx, cy, w, h, objectness := row[0], row[1], row[2], row[3], row[4]
		if objectness < p.ConfidenceThreshold {
			continue
		}

		bestClass := 0
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			if row[5+c] > bestScore {
				bestScore = row[5+c]
				bestClass = c
			}
		}

		confidence := objectness * bestScore
		if confidence < p.ConfidenceThreshold {
			continue
		}

		x := maxf32((cx-w/2)*xScale, 0)
		y := maxf32((cy-h/2)*yScale, 0)
		width := minf32(w*xScale, float32(p.ImageWidth)-x)
		height := minf32(h*yScale, float32(p.ImageHeight)-y)

		name := "unknown"
		if bestClass < len(p.ClassNames) {
			name = p.ClassNames[bestClass]
		}
		detections = append(detections, meta.Detection{
			X: x, Y: y, Width: width, Height: height,
			Confidence: confidence,
			ClassID:    bestClass,
			ClassName:  name,
		})
	}
	return ApplyNMS(detections, p.NMSThreshold)
}

// ApplyNMS performs per-class non-maximum suppression: detections are
// sorted by confidence descending, and any detection whose IoU with an
// already-kept detection of the same class reaches the threshold is
// removed. The operation is idempotent.
func ApplyNMS(detections []meta.Detection, threshold float32) []meta.Detection {
	if len(detections) <= 1 {
		return detections
	}
	sorted := make([]meta.Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := sorted[:0]
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == cand.ClassID && k.IoU(cand) >= threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	out := make([]meta.Detection, len(kept))
	copy(out, kept)
	return out
}

func maxf32(a, b float32) float32 {
	if a > b || math.IsNaN(float64(b)) {
		return a
	}
	return b
}

func minf32(a, b float32) float32 {
	if a < b || math.IsNaN(float64(b)) {
		return a
	}
	return b
}
