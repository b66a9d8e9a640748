// SPDX-License-Identifier: MIT

package backend

import (
	"log/slog"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/infer"
	"github.com/kestrelvision/kestrel-go/internal/tracking"
)

// softwareElements is the element set the software backend needs
// available before it reports itself usable.
var softwareElements = []string{
	"compositor", "videoconvert", "videorate", "capsfilter",
	"textoverlay", "identity", "fakesink", "queue",
}

// SoftwareBackend assembles CPU-only pipelines: a compositor replaces
// the batching muxer, the CPU inference element replaces hardware
// inference, and a centroid tracker replaces hardware tracking.
type SoftwareBackend struct {
	caps   Capabilities
	logger *slog.Logger
}

// NewSoftwareBackend creates the software backend. logger may be nil.
func NewSoftwareBackend(logger *slog.Logger) *SoftwareBackend {
	return &SoftwareBackend{
		caps: Capabilities{
			SupportsInference: graph.Has(infer.FactoryName),
			SupportsTracking:  graph.Has(tracking.FactoryName),
			SupportsOsd:       graph.Has("textoverlay"),
			SupportsBatching:  false,
			MaxBatchSize:      4,
			AvailableElements: availableOf(append(append([]string{}, softwareElements...), infer.FactoryName, tracking.FactoryName)),
		},
		logger: logger,
	}
}

// SoftwareAvailable reports whether the software element set is
// registered.
func SoftwareAvailable() bool {
	return graph.Has("compositor") && graph.Has("videoconvert")
}

// Kind returns KindSoftware.
func (b *SoftwareBackend) Kind() Kind { return KindSoftware }

// Capabilities returns the software capability descriptor.
func (b *SoftwareBackend) Capabilities() Capabilities { return b.caps }

// CreateStreamMux builds a compositor configured as a stream muxer:
// black background, inactive pads ignored, first-pad start time.
func (b *SoftwareBackend) CreateStreamMux(name string) (graph.Element, error) {
	mux, err := graph.New("compositor", name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "compositor %q", name)
	}
	if err := mux.SetProperty("background", "black"); err != nil {
		return nil, err
	}
	if err := mux.SetProperty("ignore-inactive-pads", true); err != nil {
		return nil, err
	}
	if err := mux.SetProperty("start-time-selection", "first"); err != nil {
		return nil, err
	}
	return mux, nil
}

// CreateInference builds the CPU inference element, applying configPath
// when given.
func (b *SoftwareBackend) CreateInference(name, configPath string) (graph.Element, error) {
	e := infer.NewElement(name, b.logger)
	if configPath != "" {
		if err := e.SetProperty("config-file-path", configPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CreateTracker builds the centroid tracker, falling back to identity
// when the tracker element is unavailable.
func (b *SoftwareBackend) CreateTracker(name string) (graph.Element, error) {
	if graph.Has(tracking.FactoryName) {
		return graph.New(tracking.FactoryName, name)
	}
	return graph.New("identity", name)
}

// CreateTiler builds a compositor used as a tiler.
func (b *SoftwareBackend) CreateTiler(name string) (graph.Element, error) {
	tiler, err := graph.New("compositor", name)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "tiler %q", name)
	}
	if err := tiler.SetProperty("background", "checker"); err != nil {
		return nil, err
	}
	return tiler, nil
}

// CreateOsd builds the overlay stage: a videoconvert feeding a text
// overlay, wrapped in a bin.
func (b *SoftwareBackend) CreateOsd(name string) (graph.Element, error) {
	bin := graph.NewBin(name)
	convert, err := graph.New("videoconvert", name+"-convert")
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "osd convert")
	}
	overlay, err := graph.New("textoverlay", name+"-overlay")
	if err != nil {
		return nil, errclass.Wrap(errclass.KindElementCreation, err, "osd overlay")
	}
	if err := overlay.SetProperty("text", "CPU Vision"); err != nil {
		return nil, err
	}
	if err := overlay.SetProperty("valignment", "top"); err != nil {
		return nil, err
	}
	if err := overlay.SetProperty("halignment", "left"); err != nil {
		return nil, err
	}

	bin.Add(convert, overlay)
	if err := convert.StaticPad("src").Link(overlay.StaticPad("sink")); err != nil {
		return nil, errclass.Wrap(errclass.KindPadLinking, err, "osd bin")
	}
	// Expose the bin ends: convert's sink in, overlay's src out.
	if _, err := bin.AddGhostSinkPad("sink", convert.StaticPad("sink")); err != nil {
		return nil, err
	}
	if _, err := bin.AddGhostSrcPad("src", overlay.StaticPad("src")); err != nil {
		return nil, err
	}
	return bin, nil
}

// CreateVideoConvert builds a colorspace converter.
func (b *SoftwareBackend) CreateVideoConvert(name string) (graph.Element, error) {
	return graph.New("videoconvert", name)
}

// CreateVideoSink builds the display sink, degrading to fakesink in
// headless environments.
func (b *SoftwareBackend) CreateVideoSink(name string) (graph.Element, error) {
	sink, err := graph.New("autovideosink", name)
	if err != nil {
		sink, err = graph.New("fakesink", name)
		if err != nil {
			return nil, errclass.Wrap(errclass.KindElementCreation, err, "video sink %q", name)
		}
	}
	if err := sink.SetProperty("sync", false); err != nil {
		return nil, err
	}
	return sink, nil
}

// CreateDecoder builds the software decode stage. The in-process graph
// decodes nothing, so the stage is a pass-through slot real deployments
// replace.
func (b *SoftwareBackend) CreateDecoder(name string) (graph.Element, error) {
	return graph.New("identity", name)
}

// availableOf filters the names down to registered factories.
func availableOf(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if graph.Has(n) {
			out = append(out, n)
		}
	}
	return out
}
