// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// Compositor tiling: sources are arranged on a 2-column grid of
// 640x480 panes. Positioning arithmetic derives from these constants,
// so a different tile size or column count changes together.
const (
	tileWidth   = 640
	tileHeight  = 480
	gridColumns = 2
)

// normalizedFPS is the frame rate the compositor path is normalized to
// with a videorate + capsfilter pair per source.
const normalizedFPS = 30

// PaneToID inverts the grid positioning: the source id whose pane sits
// at (x, y) on the compositor canvas.
func PaneToID(x, y int) ID {
	col := x / tileWidth
	row := y / tileHeight
	return ID(row*gridColumns + col)
}

// ControllerConfig configures the source controller.
type ControllerConfig struct {
	MaxSources int
	EOSTimeout time.Duration // Drain wait on removal
	Logger     *slog.Logger
}

// DefaultControllerConfig returns the standard controller settings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MaxSources: 8,
		EOSTimeout: 2 * time.Second,
	}
}

// Controller owns the set of live sources of one pipeline, bounded by
// a maximum, and coordinates add/remove against the running graph.
//
// The sources mutex guards only the source map; it is released before
// any call into the streaming graph so pad callbacks running on
// streaming goroutines can never deadlock against the controller.
type Controller struct {
	cfg      ControllerConfig
	pipeline *graph.Pipeline
	mux      graph.Element

	mu      sync.Mutex
	sources map[ID]*VideoSource
	nextID  ID
}

// NewController creates a controller for the pipeline's stream muxer.
func NewController(cfg ControllerConfig, p *graph.Pipeline, mux graph.Element) *Controller {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = DefaultControllerConfig().MaxSources
	}
	if cfg.EOSTimeout <= 0 {
		cfg.EOSTimeout = DefaultControllerConfig().EOSTimeout
	}
	return &Controller{
		cfg:      cfg,
		pipeline: p,
		mux:      mux,
		sources:  make(map[ID]*VideoSource),
	}
}

// logf logs at info level when a logger is configured.
func (c *Controller) logf(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, args...)
	}
}

// isCompositor reports whether the muxer is the software compositor,
// which changes pad naming and requires rate normalization.
func (c *Controller) isCompositor() bool {
	return c.mux.FactoryName() == "compositor"
}

// AddSource creates a source stem for uri, links it to the muxer, and
// brings it to the pipeline's current state. It fails when the source
// count is at the configured maximum, leaving no partial state.
func (c *Controller) AddSource(uri string) (ID, error) {
	c.mu.Lock()
	if len(c.sources) >= c.cfg.MaxSources {
		count := len(c.sources)
		c.mu.Unlock()
		return 0, errclass.New(errclass.KindResourceLimit,
			"cannot add source: %d of %d sources in use", count, c.cfg.MaxSources)
	}
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	src, err := NewVideoSource(id, uri)
	if err != nil {
		return 0, err
	}

	// Graph mutations run without the controller lock held.
	if bin, ok := src.Element().(*graph.Bin); ok {
		c.pipeline.Add(bin)
	} else {
		c.pipeline.Add(src.Element())
	}

	if src.IsTestSource() {
		// Static pad: link immediately.
		pad := src.Element().StaticPad("src")
		if pad == nil {
			c.pipeline.Remove(src.Element())
			return 0, errclass.New(errclass.KindPadNotFound, "test source %d has no src pad", uint(id))
		}
		if err := c.linkToMux(src, pad); err != nil {
			c.pipeline.Remove(src.Element())
			return 0, err
		}
	} else {
		// Dynamic pad: link when decoding exposes it. The handler runs
		// on a streaming goroutine and must stay off the controller lock.
		src.ConnectPadAdded(func(_ graph.Element, pad *graph.Pad) {
			if pad.Direction() != graph.PadSrc {
				return
			}
			if caps := pad.CurrentCaps(); caps != nil && !caps.IsVideo() {
				return
			}
			if err := c.linkToMux(src, pad); err != nil {
				c.logf("pad link failed", "source", id, "error", err)
				src.setError(err.Error())
			}
		})
	}

	src.setState(StateInitializing)

	// Bring the stem to the pipeline's current state.
	target := c.pipeline.CurrentState()
	if target > graph.StateNull {
		if _, err := src.Element().SetState(target); err != nil {
			c.disposeSource(src)
			return 0, errclass.Wrap(errclass.KindStateChange, err, "starting source %d", uint(id))
		}
	}
	switch target {
	case graph.StatePlaying:
		src.setState(StatePlaying)
	case graph.StatePaused:
		src.setState(StatePaused)
	}

	c.mu.Lock()
	c.sources[id] = src
	count := len(c.sources)
	c.mu.Unlock()

	c.logf("source added", "source", id, "uri", sanitizeURI(uri), "total", count)
	return id, nil
}

// linkToMux links a decoded video pad to a freshly requested muxer pad.
// The compositor path inserts a videorate + capsfilter pair to
// normalize cadence and positions the pane on the grid.
func (c *Controller) linkToMux(src *VideoSource, pad *graph.Pad) error {
	id := src.ID()

	if !c.isCompositor() {
		padName := fmt.Sprintf("sink_%d", uint(id))
		muxPad, err := c.mux.RequestPad(padName)
		if err != nil {
			return errclass.Wrap(errclass.KindPadNotFound, err, "muxer pad for source %d", uint(id))
		}
		if err := pad.Link(muxPad); err != nil {
			c.mux.ReleaseRequestPad(muxPad)
			return errclass.Wrap(errclass.KindPadLinking, err, "source %d to muxer", uint(id))
		}
		src.setMuxPad(muxPad)
		return nil
	}

	videorate, err := graph.New("videorate", fmt.Sprintf("videorate-%d", uint(id)))
	if err != nil {
		return errclass.Wrap(errclass.KindElementCreation, err, "videorate for source %d", uint(id))
	}
	capsfilter, err := graph.New("capsfilter", fmt.Sprintf("ratecaps-%d", uint(id)))
	if err != nil {
		return errclass.Wrap(errclass.KindElementCreation, err, "capsfilter for source %d", uint(id))
	}
	if err := capsfilter.SetProperty("caps", &graph.Caps{FPSNum: normalizedFPS, FPSDen: 1}); err != nil {
		return err
	}

	c.pipeline.Add(videorate, capsfilter)
	src.addExtra(videorate, capsfilter)

	if err := videorate.StaticPad("src").Link(capsfilter.StaticPad("sink")); err != nil {
		return errclass.Wrap(errclass.KindPadLinking, err, "videorate to capsfilter for source %d", uint(id))
	}
	if err := pad.Link(videorate.StaticPad("sink")); err != nil {
		return errclass.Wrap(errclass.KindPadLinking, err, "decoder to videorate for source %d", uint(id))
	}

	muxPad, err := c.mux.RequestPad("sink_%u")
	if err != nil {
		return errclass.Wrap(errclass.KindPadNotFound, err, "compositor pad for source %d", uint(id))
	}
	muxPad.SetProperty("xpos", int(uint(id)%gridColumns)*tileWidth)
	muxPad.SetProperty("ypos", int(uint(id)/gridColumns)*tileHeight)

	if err := capsfilter.StaticPad("src").Link(muxPad); err != nil {
		c.mux.ReleaseRequestPad(muxPad)
		return errclass.Wrap(errclass.KindPadLinking, err, "source %d to compositor", uint(id))
	}
	src.setMuxPad(muxPad)

	target := c.pipeline.CurrentState()
	if target > graph.StateNull {
		if _, err := videorate.SetState(target); err != nil {
			return err
		}
		if _, err := capsfilter.SetState(target); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSource drains a source with EOS, unlinks it, disposes the
// stem, and releases its muxer pad. Waiting for the drain is bounded
// by the configured timeout.
func (c *Controller) RemoveSource(id ID) error {
	c.mu.Lock()
	src, ok := c.sources[id]
	if !ok {
		c.mu.Unlock()
		return errclass.New(errclass.KindUnknown, "no source with id %d", uint(id))
	}
	delete(c.sources, id)
	c.mu.Unlock()

	// Drain: EOS flows downstream synchronously on this goroutine, but a
	// wedged downstream must not wedge removal.
	drained := make(chan struct{})
	go func() {
		src.Element().SendEvent(graph.Event{Type: graph.EventEOS})
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.cfg.EOSTimeout):
		c.logf("EOS drain timed out", "source", id)
	}

	c.disposeSource(src)
	c.logf("source removed", "source", id)
	return nil
}

// disposeSource disconnects, stops, unlinks, and discards a stem and
// its helper elements.
func (c *Controller) disposeSource(src *VideoSource) {
	src.DisconnectPadAdded()

	if _, err := src.Element().SetState(graph.StateNull); err != nil {
		c.logf("source stem refused Null", "source", src.ID(), "error", err)
	}
	for _, extra := range src.extras() {
		_, _ = extra.SetState(graph.StateNull)
	}

	// Unlink everything this source reached before releasing pads.
	for _, pad := range src.Element().Pads() {
		pad.Unlink()
	}
	if muxPad := src.MuxPad(); muxPad != nil {
		for _, extra := range src.extras() {
			for _, pad := range extra.Pads() {
				pad.Unlink()
			}
		}
		c.mux.ReleaseRequestPad(muxPad)
		src.setMuxPad(nil)
	}

	for _, extra := range src.extras() {
		c.pipeline.Remove(extra)
	}
	c.pipeline.Remove(src.Element())
	src.setState(StateStopped)
}

// RemoveAllSources removes every live source. It is idempotent.
func (c *Controller) RemoveAllSources() {
	for _, id := range c.SourceIDs() {
		// Racing removals are fine; the per-id error only means someone
		// else removed it first.
		_ = c.RemoveSource(id)
	}
}

// Source returns the live source for id, or nil.
func (c *Controller) Source(id ID) *VideoSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources[id]
}

// SourceCount returns the number of live sources.
func (c *Controller) SourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// SourceIDs returns the ids of all live sources.
func (c *Controller) SourceIDs() []ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ID, 0, len(c.sources))
	for id := range c.sources {
		out = append(out, id)
	}
	return out
}

// MaxSources returns the configured source bound.
func (c *Controller) MaxSources() int { return c.cfg.MaxSources }
