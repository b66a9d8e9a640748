// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/kestrelvision/kestrel-go/internal/backend"
	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
	"github.com/kestrelvision/kestrel-go/internal/render"
)

// MetaHandler receives the detection metadata of every buffer that
// carries one, along with the buffer itself for stream attribution.
// It runs on the streaming goroutine.
type MetaHandler func(buf *graph.Buffer, dm *meta.DetectionMeta)

// Builder assembles a detection pipeline on top of a backend's element
// factory. Optional stages (inference, tracker, OSD) are only inserted
// when the backend advertises the capability; otherwise the chain links
// across them.
type Builder struct {
	name    string
	backend backend.Backend
	logger  *slog.Logger

	inferenceConfig string
	renderer        render.Renderer
	metaHandler     MetaHandler
	withTiler       bool

	customs []customOp
	err     error
}

// customOp is a deferred element addition or property write.
type customOp struct {
	factory string
	name    string
	props   map[string]any
}

// NewBuilder starts a builder for a named pipeline on a backend.
func NewBuilder(name string, b backend.Backend, logger *slog.Logger) *Builder {
	return &Builder{name: name, backend: b, logger: logger}
}

// WithInferenceConfig points the inference stage at a config file.
func (b *Builder) WithInferenceConfig(path string) *Builder {
	b.inferenceConfig = path
	return b
}

// WithRenderer attaches an overlay renderer ahead of the sink.
func (b *Builder) WithRenderer(r render.Renderer) *Builder {
	b.renderer = r
	return b
}

// WithMetadataBridge routes each buffer's detection metadata to fn.
func (b *Builder) WithMetadataBridge(fn MetaHandler) *Builder {
	b.metaHandler = fn
	return b
}

// WithTiler inserts the multi-stream tiler stage.
func (b *Builder) WithTiler() *Builder {
	b.withTiler = true
	return b
}

// AddElement schedules an extra element with properties, linked at the
// end of the chain before the sink.
func (b *Builder) AddElement(factory, name string, props map[string]any) *Builder {
	b.customs = append(b.customs, customOp{factory: factory, name: name, props: props})
	return b
}

// Result is a built pipeline with its stream muxer exposed for the
// source controller.
type Result struct {
	Pipeline *Pipeline
	Mux      graph.Element
}

// Build assembles mux → [inference] → [tracker] → [tiler] → [osd] →
// convert → [customs] → sink and returns the pipeline. Element and
// linking failures abort the build and are returned.
func (b *Builder) Build() (*Result, error) {
	if b.err != nil {
		return nil, b.err
	}

	p := New(b.name, b.logger)
	caps := b.backend.Capabilities()

	mux, err := b.backend.CreateStreamMux(b.name + "-mux")
	if err != nil {
		return nil, err
	}

	chain := []graph.Element{mux}

	if caps.SupportsInference {
		inference, err := b.backend.CreateInference(b.name+"-infer", b.inferenceConfig)
		if err != nil {
			return nil, err
		}
		chain = append(chain, inference)
	} else if b.logger != nil {
		b.logger.Info("inference stage skipped", "pipeline", b.name, "backend", b.backend.Kind().String())
	}

	if caps.SupportsTracking {
		tracker, err := b.backend.CreateTracker(b.name + "-tracker")
		if err != nil {
			return nil, err
		}
		chain = append(chain, tracker)
	}

	if b.withTiler {
		tiler, err := b.backend.CreateTiler(b.name + "-tiler")
		if err != nil {
			return nil, err
		}
		chain = append(chain, tiler)
	}

	if caps.SupportsOsd {
		osd, err := b.backend.CreateOsd(b.name + "-osd")
		if err != nil {
			return nil, err
		}
		chain = append(chain, osd)
	}

	convert, err := b.backend.CreateVideoConvert(b.name + "-convert")
	if err != nil {
		return nil, err
	}
	chain = append(chain, convert)

	for _, op := range b.customs {
		e, err := graph.New(op.factory, op.name)
		if err != nil {
			return nil, errclass.Wrap(errclass.KindElementCreation, err, "custom element %q", op.name)
		}
		for k, v := range op.props {
			if err := e.SetProperty(k, v); err != nil {
				return nil, fmt.Errorf("property %s on %q: %w", k, op.name, err)
			}
		}
		chain = append(chain, e)
	}

	sink, err := b.backend.CreateVideoSink(b.name + "-sink")
	if err != nil {
		return nil, err
	}
	chain = append(chain, sink)

	p.Graph().Add(chain...)
	for i := 0; i < len(chain)-1; i++ {
		srcPad := chain[i].StaticPad("src")
		sinkPad := chain[i+1].StaticPad("sink")
		if srcPad == nil || sinkPad == nil {
			return nil, errclass.New(errclass.KindPadNotFound,
				"linking %q to %q: missing static pads", chain[i].Name(), chain[i+1].Name())
		}
		if err := srcPad.Link(sinkPad); err != nil {
			return nil, errclass.Wrap(errclass.KindPadLinking, err, "linking %q to %q", chain[i].Name(), chain[i+1].Name())
		}
	}

	// Bridge and renderer observe buffers just before the sink.
	if b.metaHandler != nil || b.renderer != nil {
		sinkPad := sink.StaticPad("sink")
		if sinkPad == nil {
			return nil, errclass.New(errclass.KindPadNotFound, "sink %q has no sink pad", sink.Name())
		}
		handler := b.metaHandler
		renderer := b.renderer
		logger := b.logger
		sinkPad.AddProbe(func(_ *graph.Pad, buf *graph.Buffer) graph.ProbeReturn {
			dm := meta.FromBuffer(buf)
			if renderer != nil && dm != nil {
				if err := renderer.Render(buf, dm); err != nil && logger != nil {
					logger.Warn("overlay render failed", "error", err)
				}
			}
			if handler != nil && dm != nil {
				handler(buf, dm)
			}
			return graph.ProbeOK
		})
	}

	return &Result{Pipeline: p, Mux: mux}, nil
}
