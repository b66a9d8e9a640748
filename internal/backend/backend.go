// SPDX-License-Identifier: MIT

// Package backend hides the concrete element set behind a uniform
// factory so the same pipeline topology runs on hardware-accelerated,
// CPU-only, and mock element graphs.
//
// Each backend exposes constructors for the logical element kinds
// (stream muxer, inference, tracker, tiler, OSD, video convert, video
// sink, decoder) and a capability descriptor that drives pipeline
// assembly: stages a backend cannot provide are skipped and the chain
// links across them.
package backend

import (
	"fmt"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// Kind identifies a backend implementation.
type Kind int

const (
	KindAccelerated Kind = iota
	KindSoftware
	KindMock
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindAccelerated:
		return "accelerated"
	case KindSoftware:
		return "software"
	case KindMock:
		return "mock"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ElementKind is a logical element role in the pipeline topology.
type ElementKind int

const (
	ElementStreamMux ElementKind = iota
	ElementInference
	ElementTracker
	ElementTiler
	ElementOsd
	ElementVideoConvert
	ElementVideoSink
	ElementDecoder
)

// String returns the string representation of ElementKind.
func (k ElementKind) String() string {
	switch k {
	case ElementStreamMux:
		return "stream-mux"
	case ElementInference:
		return "inference"
	case ElementTracker:
		return "tracker"
	case ElementTiler:
		return "tiler"
	case ElementOsd:
		return "osd"
	case ElementVideoConvert:
		return "video-convert"
	case ElementVideoSink:
		return "video-sink"
	case ElementDecoder:
		return "decoder"
	default:
		return "unknown"
	}
}

// Capabilities describes what a backend can do. The pipeline builder
// consults it before inserting optional stages.
type Capabilities struct {
	SupportsInference      bool
	SupportsTracking       bool
	SupportsOsd            bool
	SupportsBatching       bool
	SupportsHardwareDecode bool
	MaxBatchSize           int
	AvailableElements      []string
}

// Backend is the uniform element-factory contract.
type Backend interface {
	// Kind returns the backend identity.
	Kind() Kind

	// Capabilities returns the backend's capability descriptor.
	Capabilities() Capabilities

	// CreateStreamMux builds the stream muxer.
	CreateStreamMux(name string) (graph.Element, error)

	// CreateInference builds the inference stage; configPath may be
	// empty.
	CreateInference(name, configPath string) (graph.Element, error)

	// CreateTracker builds the tracking stage.
	CreateTracker(name string) (graph.Element, error)

	// CreateTiler builds the multi-stream tiler.
	CreateTiler(name string) (graph.Element, error)

	// CreateOsd builds the on-screen-display stage.
	CreateOsd(name string) (graph.Element, error)

	// CreateVideoConvert builds a colorspace converter.
	CreateVideoConvert(name string) (graph.Element, error)

	// CreateVideoSink builds the terminal sink.
	CreateVideoSink(name string) (graph.Element, error)

	// CreateDecoder builds a stream decoder.
	CreateDecoder(name string) (graph.Element, error)
}

// Create dispatches a logical element kind to the matching factory
// method.
func Create(b Backend, kind ElementKind, name string) (graph.Element, error) {
	switch kind {
	case ElementStreamMux:
		return b.CreateStreamMux(name)
	case ElementInference:
		return b.CreateInference(name, "")
	case ElementTracker:
		return b.CreateTracker(name)
	case ElementTiler:
		return b.CreateTiler(name)
	case ElementOsd:
		return b.CreateOsd(name)
	case ElementVideoConvert:
		return b.CreateVideoConvert(name)
	case ElementVideoSink:
		return b.CreateVideoSink(name)
	case ElementDecoder:
		return b.CreateDecoder(name)
	default:
		return nil, fmt.Errorf("element creation: unknown element kind %v", kind)
	}
}
