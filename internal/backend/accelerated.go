// SPDX-License-Identifier: MIT

package backend

import (
	"log/slog"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/platform"
)

// Accelerated element factory names. These exist only when a native
// element provider registered them; the in-process engine ships none.
const (
	accelStreamMux    = "nvstreammux"
	accelInference    = "nvinfer"
	accelTracker      = "nvtracker"
	accelTiler        = "nvmultistreamtiler"
	accelOsd          = "nvdsosd"
	accelVideoConvert = "nvvideoconvert"
	accelVideoSink    = "nveglglessink"
	accelDecoder      = "nvv4l2decoder"
)

var acceleratedElements = []string{
	accelStreamMux, accelInference, accelTracker, accelTiler,
	accelOsd, accelVideoConvert, accelVideoSink, accelDecoder,
}

// AcceleratedBackend constructs native hardware elements and applies
// the platform's batching defaults to the stream muxer.
type AcceleratedBackend struct {
	caps     Capabilities
	plat     platform.Info
	logger   *slog.Logger
	muxWidth int
	muxHeight int
	batchSize int
}

// NewAcceleratedBackend creates the accelerated backend, failing when
// the native element set is not registered.
func NewAcceleratedBackend(plat platform.Info, logger *slog.Logger) (*AcceleratedBackend, error) {
	if !AcceleratedAvailable(plat) {
		return nil, errclass.New(errclass.KindBackendNotAvailable, "accelerated element set not registered")
	}
	return &AcceleratedBackend{
		caps: Capabilities{
			SupportsInference:      true,
			SupportsTracking:       true,
			SupportsOsd:            true,
			SupportsBatching:       true,
			SupportsHardwareDecode: true,
			MaxBatchSize:           30,
			AvailableElements:      availableOf(acceleratedElements),
		},
		plat:      plat,
		logger:    logger,
		muxWidth:  1920,
		muxHeight: 1080,
		batchSize: 30,
	}, nil
}

// AcceleratedAvailable reports whether native elements are registered
// and the platform carries accelerator hardware.
func AcceleratedAvailable(plat platform.Info) bool {
	return plat.HasAccelerator && graph.Has(accelStreamMux) && graph.Has(accelInference)
}

// Kind returns KindAccelerated.
func (b *AcceleratedBackend) Kind() Kind { return KindAccelerated }

// Capabilities returns the accelerated capability descriptor.
func (b *AcceleratedBackend) Capabilities() Capabilities { return b.caps }

// CreateStreamMux builds the batching muxer with device id, batch
// size, platform batch timeout, geometry, and the live-source flag.
func (b *AcceleratedBackend) CreateStreamMux(name string) (graph.Element, error) {
	mux, err := graph.New(accelStreamMux, name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "%s %q", accelStreamMux, name)
	}
	props := map[string]any{
		"gpu-id":                b.plat.DeviceID,
		"batch-size":            b.batchSize,
		"batched-push-timeout":  int(b.plat.BatchTimeout().Microseconds()),
		"width":                 b.muxWidth,
		"height":                b.muxHeight,
		"live-source":           true,
	}
	for k, v := range props {
		if err := mux.SetProperty(k, v); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// CreateInference builds the native inference element.
func (b *AcceleratedBackend) CreateInference(name, configPath string) (graph.Element, error) {
	e, err := graph.New(accelInference, name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "%s %q", accelInference, name)
	}
	if err := e.SetProperty("gpu-id", b.plat.DeviceID); err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := e.SetProperty("config-file-path", configPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CreateTracker builds the native tracker.
func (b *AcceleratedBackend) CreateTracker(name string) (graph.Element, error) {
	return b.makeNative(accelTracker, name)
}

// CreateTiler builds the native tiler.
func (b *AcceleratedBackend) CreateTiler(name string) (graph.Element, error) {
	return b.makeNative(accelTiler, name)
}

// CreateOsd builds the native on-screen display.
func (b *AcceleratedBackend) CreateOsd(name string) (graph.Element, error) {
	return b.makeNative(accelOsd, name)
}

// CreateVideoConvert builds the native converter.
func (b *AcceleratedBackend) CreateVideoConvert(name string) (graph.Element, error) {
	return b.makeNative(accelVideoConvert, name)
}

// CreateVideoSink builds the native sink.
func (b *AcceleratedBackend) CreateVideoSink(name string) (graph.Element, error) {
	return b.makeNative(accelVideoSink, name)
}

// CreateDecoder builds the hardware decoder.
func (b *AcceleratedBackend) CreateDecoder(name string) (graph.Element, error) {
	return b.makeNative(accelDecoder, name)
}

func (b *AcceleratedBackend) makeNative(factory, name string) (graph.Element, error) {
	e, err := graph.New(factory, name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "%s %q", factory, name)
	}
	if err := e.SetProperty("gpu-id", b.plat.DeviceID); err != nil {
		return nil, err
	}
	return e, nil
}
