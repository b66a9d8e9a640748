// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// Pipeline couples an element graph with a validated state machine and
// an optional bus watcher.
type Pipeline struct {
	name    string
	graph   *graph.Pipeline
	states  *StateManager
	watcher *BusWatcher
	logger  *slog.Logger
}

// New creates an empty named pipeline in Null.
func New(name string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		name:   name,
		graph:  graph.NewPipeline(name),
		states: NewStateManager(),
		logger: logger,
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Graph returns the underlying element graph.
func (p *Pipeline) Graph() *graph.Pipeline { return p.graph }

// Bus returns the pipeline's message bus.
func (p *Pipeline) Bus() *graph.Bus { return p.graph.Bus() }

// States returns the state manager.
func (p *Pipeline) States() *StateManager { return p.states }

// CurrentState returns the last observed pipeline state.
func (p *Pipeline) CurrentState() graph.State { return p.states.Current() }

// Play transitions the pipeline to Playing.
func (p *Pipeline) Play() error {
	return p.setState(graph.StatePlaying)
}

// Pause transitions the pipeline to Paused.
func (p *Pipeline) Pause() error {
	return p.setState(graph.StatePaused)
}

// Stop transitions the pipeline to Null.
func (p *Pipeline) Stop() error {
	return p.setState(graph.StateNull)
}

func (p *Pipeline) setState(target graph.State) error {
	if err := p.states.SetState(p.graph, target); err != nil {
		if p.logger != nil {
			p.logger.Error("state change failed", "pipeline", p.name, "target", target.String(), "error", err)
		}
		return err
	}
	if p.logger != nil {
		p.logger.Info("pipeline_state", "pipeline", p.name, "state", target.String())
	}
	return nil
}

// Recover forces the pipeline to Null and clears pending state.
func (p *Pipeline) Recover() error {
	return p.states.Recover(p.graph)
}

// SendEOS injects end-of-stream at the pipeline's sources.
func (p *Pipeline) SendEOS() error {
	if !p.graph.SendEOS() {
		return errclass.New(errclass.KindGraphFailure, "no element handled EOS in pipeline %q", p.name)
	}
	return nil
}

// Seek repositions the pipeline's running time.
func (p *Pipeline) Seek(pos time.Duration) error {
	if err := p.graph.Seek(pos); err != nil {
		return errclass.Wrap(errclass.KindGraphFailure, err, "seeking pipeline %q", p.name)
	}
	return nil
}

// Position returns the running-time position.
func (p *Pipeline) Position() time.Duration {
	return p.graph.Position()
}

// Duration returns the media duration; live pipelines report ok=false.
func (p *Pipeline) Duration() (time.Duration, bool) {
	return p.graph.Duration()
}

// StartBusWatcher launches the bus watcher with the given
// configuration. A previous watcher is stopped first.
func (p *Pipeline) StartBusWatcher(ctx context.Context, cfg BusWatcherConfig) {
	if p.watcher != nil {
		p.watcher.Stop()
	}
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}
	p.watcher = NewBusWatcher(p.graph.Bus(), cfg)
	p.watcher.Start(ctx)
}

// StopBusWatcher halts the watcher if one is running.
func (p *Pipeline) StopBusWatcher() {
	if p.watcher != nil {
		p.watcher.Stop()
		p.watcher = nil
	}
}

// ByName returns a contained element by name, or nil.
func (p *Pipeline) ByName(name string) graph.Element {
	return p.graph.ByName(name)
}
