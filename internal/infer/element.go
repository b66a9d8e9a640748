// SPDX-License-Identifier: MIT

package infer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// FactoryName is the element factory the CPU detector registers under.
const FactoryName = "cpudetector"

// SignalInferenceDone is emitted with (frame uint64, count uint32)
// whenever a non-empty result set is produced.
const SignalInferenceDone = "inference-done"

// Property defaults.
const (
	defaultModelPath           = "yolov5n.onnx"
	defaultConfidenceThreshold = 0.5
	defaultNMSThreshold        = 0.4
	defaultInputSize           = 640
	defaultProcessEveryN       = 1
	defaultBatchSize           = 2
	defaultProcessMode         = 1 // Primary
)

// testMode substitutes a mock detector when model loading fails, so
// pipelines keep producing in test environments without a runtime.
var testMode atomic.Bool

// SetTestMode toggles the mock-detector fallback.
func SetTestMode(enabled bool) { testMode.Store(enabled) }

func init() {
	graph.Register(FactoryName, func(name string) (graph.Element, error) {
		return NewElement(name, nil), nil
	})
}

// settings is the mutable property state of one element instance.
type settings struct {
	modelPath           string
	configFilePath      string
	confidenceThreshold float64
	nmsThreshold        float64
	inputWidth          uint
	inputHeight         uint
	processEveryNFrames uint
	batchSize           uint
	uniqueID            uint
	processMode         uint
	outputTensorMeta    bool
}

// Element is the CPU inference element: an in-place video filter that
// runs the detector at a configurable cadence and attaches results as
// buffer metadata.
//
// The element is callable concurrently from a streaming thread
// (transform) and a control thread (property writes). Settings, the
// detector handle, and the frame counter each have their own lock,
// acquired strictly in that order and held only around their own
// critical sections.
type Element struct {
	*graph.BaseElement

	logger *slog.Logger

	settingsMu sync.Mutex
	settings   settings

	detectorMu sync.Mutex
	detector   Detector

	frameMu      sync.Mutex
	frameCounter uint64

	sink *graph.Pad
	src  *graph.Pad
}

// NewElement creates a CPU inference element. logger may be nil.
func NewElement(name string, logger *slog.Logger) *Element {
	e := &Element{
		BaseElement: graph.NewBaseElement(FactoryName, name),
		logger:      logger,
		settings: settings{
			modelPath:           defaultModelPath,
			confidenceThreshold: defaultConfidenceThreshold,
			nmsThreshold:        defaultNMSThreshold,
			inputWidth:          defaultInputSize,
			inputHeight:         defaultInputSize,
			processEveryNFrames: defaultProcessEveryN,
			batchSize:           defaultBatchSize,
			processMode:         defaultProcessMode,
		},
	}

	e.sink = graph.NewPad("sink", graph.PadSink, e)
	e.src = graph.NewPad("src", graph.PadSrc, e)
	e.sink.SetChain(e.transform)
	e.AddStaticPad(e.sink)
	e.AddStaticPad(e.src)
	e.SetPropertyHook(e.applyProperty)
	return e
}

// logWarn logs a warning if a logger is configured.
func (e *Element) logWarn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, append([]any{"element", e.Name()}, args...)...)
	}
}

// applyProperty validates and applies a property write. Settings that
// invalidate the loaded model discard the detector; threshold changes
// push through to the live detector.
func (e *Element) applyProperty(name string, value any) error {
	switch name {
	case "model-path":
		s, ok := value.(string)
		if !ok {
			return errclass.New(errclass.KindConfiguration, "model-path wants string, got %T", value)
		}
		if err := e.requireStopped(name); err != nil {
			return err
		}
		e.settingsMu.Lock()
		e.settings.modelPath = s
		e.settingsMu.Unlock()
		e.discardDetector()

	case "confidence-threshold", "nms-threshold":
		v, ok := toFloat(value)
		if !ok || v < 0 || v > 1 {
			return errclass.New(errclass.KindConfiguration, "%s wants a double in [0,1], got %v", name, value)
		}
		e.settingsMu.Lock()
		if name == "confidence-threshold" {
			e.settings.confidenceThreshold = v
		} else {
			e.settings.nmsThreshold = v
		}
		conf, nms := e.settings.confidenceThreshold, e.settings.nmsThreshold
		e.settingsMu.Unlock()
		e.detectorMu.Lock()
		if e.detector != nil {
			e.detector.SetThresholds(float32(conf), float32(nms))
		}
		e.detectorMu.Unlock()

	case "input-width", "input-height":
		v, ok := toUint(value)
		if !ok || v == 0 {
			return errclass.New(errclass.KindConfiguration, "%s wants a positive unsigned, got %v", name, value)
		}
		if err := e.requireStopped(name); err != nil {
			return err
		}
		e.settingsMu.Lock()
		if name == "input-width" {
			e.settings.inputWidth = v
		} else {
			e.settings.inputHeight = v
		}
		e.settingsMu.Unlock()
		e.discardDetector()

	case "process-every-n-frames":
		v, ok := toUint(value)
		if !ok || v < 1 {
			return errclass.New(errclass.KindConfiguration, "process-every-n-frames wants an unsigned ≥ 1, got %v", value)
		}
		e.settingsMu.Lock()
		e.settings.processEveryNFrames = v
		e.settingsMu.Unlock()

	case "batch-size", "unique-id":
		v, ok := toUint(value)
		if !ok {
			return errclass.New(errclass.KindConfiguration, "%s wants an unsigned, got %v", name, value)
		}
		e.settingsMu.Lock()
		if name == "batch-size" {
			e.settings.batchSize = v
		} else {
			e.settings.uniqueID = v
		}
		e.settingsMu.Unlock()

	case "process-mode":
		v, ok := toUint(value)
		if !ok || (v != 1 && v != 2) {
			return errclass.New(errclass.KindConfiguration, "process-mode wants 1 (primary) or 2 (secondary), got %v", value)
		}
		e.settingsMu.Lock()
		e.settings.processMode = v
		e.settingsMu.Unlock()

	case "output-tensor-meta":
		b, ok := value.(bool)
		if !ok {
			return errclass.New(errclass.KindConfiguration, "output-tensor-meta wants bool, got %T", value)
		}
		e.settingsMu.Lock()
		e.settings.outputTensorMeta = b
		e.settingsMu.Unlock()

	case "config-file-path":
		s, ok := value.(string)
		if !ok {
			return errclass.New(errclass.KindConfiguration, "config-file-path wants string, got %T", value)
		}
		if err := e.applyConfigFile(s); err != nil {
			e.logWarn("config file rejected, nothing applied", "path", s, "error", err)
			return err
		}

	default:
		e.logWarn("unknown property rejected", "property", name)
		return errclass.New(errclass.KindConfiguration, "unknown property %q", name)
	}
	return nil
}

// requireStopped rejects writes to model-affecting properties while the
// element is beyond Ready.
func (e *Element) requireStopped(property string) error {
	if st := e.State(); st > graph.StateReady {
		return errclass.New(errclass.KindConfiguration, "%s is only mutable in Ready or lower, element is %s", property, st)
	}
	return nil
}

// applyConfigFile parses a key-value config file and applies everything
// it carries in one step; a parse failure applies nothing.
func (e *Element) applyConfigFile(path string) error {
	cfg, err := ParseConfigFile(path)
	if err != nil {
		return err
	}

	e.settingsMu.Lock()
	e.settings.configFilePath = path
	if cfg.HasModelPath {
		e.settings.modelPath = cfg.ModelPath
	}
	if cfg.HasConfidence {
		e.settings.confidenceThreshold = cfg.ConfidenceThreshold
	}
	if cfg.HasNMS {
		e.settings.nmsThreshold = cfg.NMSThreshold
	}
	if cfg.HasBatchSize {
		e.settings.batchSize = cfg.BatchSize
	}
	if cfg.HasUniqueID {
		e.settings.uniqueID = cfg.UniqueID
	}
	if cfg.HasProcessMode {
		e.settings.processMode = cfg.ProcessMode
	}
	e.settingsMu.Unlock()

	e.discardDetector()
	return nil
}

// discardDetector drops the loaded detector; the next processed frame
// reloads it lazily.
func (e *Element) discardDetector() {
	e.detectorMu.Lock()
	e.detector = nil
	e.detectorMu.Unlock()
}

// Detector returns the currently loaded detector, or nil.
func (e *Element) Detector() Detector {
	e.detectorMu.Lock()
	defer e.detectorMu.Unlock()
	return e.detector
}

// SetDetector installs a detector directly, bypassing lazy loading.
func (e *Element) SetDetector(d Detector) {
	e.detectorMu.Lock()
	e.detector = d
	e.detectorMu.Unlock()
}

// Settings returns a snapshot of the current property state.
func (e *Element) Settings() (modelPath string, confidence, nms float64, everyN uint) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	return e.settings.modelPath, e.settings.confidenceThreshold, e.settings.nmsThreshold, e.settings.processEveryNFrames
}

// Property reads back a property by its public name.
func (e *Element) Property(name string) (any, bool) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	switch name {
	case "model-path":
		return e.settings.modelPath, true
	case "config-file-path":
		return e.settings.configFilePath, true
	case "confidence-threshold":
		return e.settings.confidenceThreshold, true
	case "nms-threshold":
		return e.settings.nmsThreshold, true
	case "input-width":
		return e.settings.inputWidth, true
	case "input-height":
		return e.settings.inputHeight, true
	case "process-every-n-frames":
		return e.settings.processEveryNFrames, true
	case "batch-size":
		return e.settings.batchSize, true
	case "unique-id":
		return e.settings.uniqueID, true
	case "process-mode":
		return e.settings.processMode, true
	case "output-tensor-meta":
		return e.settings.outputTensorMeta, true
	}
	return nil, false
}

// ensureDetector lazily loads the detector from current settings. In
// test mode a load failure substitutes a mock; in production the
// failure is logged and the frame is skipped.
func (e *Element) ensureDetector() Detector {
	e.settingsMu.Lock()
	cfg := DetectorConfig{
		ModelPath:           e.settings.modelPath,
		InputWidth:          int(e.settings.inputWidth),
		InputHeight:         int(e.settings.inputHeight),
		ConfidenceThreshold: float32(e.settings.confidenceThreshold),
		NMSThreshold:        float32(e.settings.nmsThreshold),
		NumThreads:          4,
	}
	e.settingsMu.Unlock()

	e.detectorMu.Lock()
	defer e.detectorMu.Unlock()
	if e.detector != nil {
		return e.detector
	}

	det, err := NewModelDetector(cfg, e.logger)
	if err != nil {
		if testMode.Load() {
			e.logWarn("detector load failed, using mock", "error", err)
			mock := NewMockDetector()
			mock.SetThresholds(cfg.ConfidenceThreshold, cfg.NMSThreshold)
			e.detector = mock
			return e.detector
		}
		e.logWarn("detector load failed, skipping frame", "error", err)
		return nil
	}
	e.detector = det
	return e.detector
}

// transform is the in-place filter body. The buffer always passes
// through unchanged; per-frame failures drop the detection work, not
// the stream.
func (e *Element) transform(pad *graph.Pad, buf *graph.Buffer) graph.FlowReturn {
	e.frameMu.Lock()
	e.frameCounter++
	frame := e.frameCounter
	e.frameMu.Unlock()

	e.settingsMu.Lock()
	everyN := e.settings.processEveryNFrames
	uniqueID := e.settings.uniqueID
	e.settingsMu.Unlock()

	if everyN > 1 && frame%uint64(everyN) != 0 {
		return e.src.Push(buf)
	}

	caps := buf.Caps
	if caps == nil {
		caps = pad.CurrentCaps()
	}
	if caps == nil {
		e.logWarn("no negotiated caps on sink pad")
		return graph.FlowNotNegotiated
	}

	img := FrameToImage(buf, caps)
	if img == nil {
		e.logWarn("unsupported frame format", "format", string(caps.Format))
		return e.src.Push(buf)
	}

	det := e.ensureDetector()
	if det == nil {
		return e.src.Push(buf)
	}

	detections, err := det.Detect(img)
	if err != nil {
		e.logWarn("detect failed, continuing", "frame", frame, "error", err)
		return e.src.Push(buf)
	}

	meta.Attach(buf, &meta.DetectionMeta{
		Detections:  detections,
		FrameNumber: frame,
		Timestamp:   time.Now(),
		FrameWidth:  caps.Width,
		FrameHeight: caps.Height,
		SourceID:    uint32(uniqueID),
	})
	if len(detections) > 0 {
		e.Emit(SignalInferenceDone, frame, uint32(len(detections)))
	}
	return e.src.Push(buf)
}

// FrameCount returns the number of frames seen by the element.
func (e *Element) FrameCount() uint64 {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.frameCounter
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func toUint(v any) (uint, bool) {
	switch x := v.(type) {
	case uint:
		return x, true
	case uint32:
		return uint(x), true
	case uint64:
		return uint(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint(x), true
	}
	return 0, false
}

var _ graph.Element = (*Element)(nil)

// String describes the element for logs.
func (e *Element) String() string {
	model, conf, nms, everyN := e.Settings()
	return fmt.Sprintf("cpudetector(%s model=%s conf=%.2f nms=%.2f every=%d)", e.Name(), model, conf, nms, everyN)
}
