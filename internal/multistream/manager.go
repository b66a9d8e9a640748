// SPDX-License-Identifier: MIT

package multistream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/backend"
	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
	"github.com/kestrelvision/kestrel-go/internal/pipeline"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// Manager composes the resource manager, pipeline pool, stream
// coordinator, and metrics collector with the source controller into
// one multi-stream engine.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	pipeline   *pipeline.Pipeline
	controller *source.Controller
	resources  *ResourceManager
	pool       *PipelinePool
	coord      *StreamCoordinator
	metrics    *MetricsCollector
	health     map[source.ID]*source.HealthMonitor
	healthAgg  *source.HealthAggregator
	isolation  *source.IsolationManager
	breakers   *source.CircuitBreakerManager
	recovery   *source.RecoveryManager

	mu sync.Mutex // Guards health map and add/remove composition
}

// NewManager builds the detection pipeline on the given backend and
// assembles the multi-stream subsystems around it. logger may be nil.
func NewManager(cfg Config, b backend.Backend, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		resources: NewResourceManager(cfg.ResourceLimits, logger),
		pool:      NewPipelinePool(cfg.PoolCapacity, logger),
		coord:     NewStreamCoordinator(),
		metrics:   NewMetricsCollector(),
		health:    make(map[source.ID]*source.HealthMonitor),
		healthAgg: source.NewHealthAggregator(),
		isolation: source.NewIsolationManager(cfg.IsolationPolicy, logger),
		breakers:  source.NewCircuitBreakerManager(logger),
		recovery:  source.NewRecoveryManager(cfg.RecoveryConfig),
	}

	result, err := pipeline.NewBuilder("multistream", b, logger).
		WithMetadataBridge(m.onDetections).
		Build()
	if err != nil {
		return nil, err
	}
	m.pipeline = result.Pipeline

	ctlCfg := source.DefaultControllerConfig()
	ctlCfg.MaxSources = cfg.MaxConcurrentStreams
	ctlCfg.Logger = logger
	m.controller = source.NewController(ctlCfg, result.Pipeline.Graph(), result.Mux)
	return m, nil
}

// onDetections feeds the metrics collector from the metadata bridge.
// Streams are attributed through the compositor pane the buffer came
// from; frames counted per stream come from the per-source mux probes.
func (m *Manager) onDetections(buf *graph.Buffer, dm *meta.DetectionMeta) {
	id := source.ID(dm.SourceID)
	if pane, ok := buf.Meta(graph.PaneMetaKey).(graph.Pane); ok {
		id = source.PaneToID(pane.X, pane.Y)
	}
	if len(dm.Detections) > 0 {
		m.metrics.RecordDetections(id, len(dm.Detections), time.Since(dm.Timestamp))
	}
}

// Pipeline returns the managed detection pipeline.
func (m *Manager) Pipeline() *pipeline.Pipeline { return m.pipeline }

// Controller returns the source controller.
func (m *Manager) Controller() *source.Controller { return m.controller }

// Resources returns the resource manager.
func (m *Manager) Resources() *ResourceManager { return m.resources }

// Pool returns the pipeline pool.
func (m *Manager) Pool() *PipelinePool { return m.pool }

// Coordinator returns the stream coordinator.
func (m *Manager) Coordinator() *StreamCoordinator { return m.coord }

// Metrics returns the metrics collector.
func (m *Manager) Metrics() *MetricsCollector { return m.metrics }

// Isolation returns the isolation manager.
func (m *Manager) Isolation() *source.IsolationManager { return m.isolation }

// HealthMonitor returns the health monitor for a stream, or nil.
func (m *Manager) HealthMonitor(id source.ID) *source.HealthMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[id]
}

// OverallHealth returns the aggregate verdict across all streams.
func (m *Manager) OverallHealth() source.HealthStatus {
	return m.healthAgg.OverallHealth()
}

// AddStream admits a new stream: the resource check, the source
// itself, a pool allocation, then coordinator and metrics registration.
// A failed pool allocation removes the source again so a failed add
// leaves no partial state.
func (m *Manager) AddStream(uri string, priority Priority) (source.ID, error) {
	if !m.resources.CanAddStream() {
		return 0, errclass.New(errclass.KindResourceLimit, "resource limits reject new stream")
	}

	// Pool allocation needs the id, which the controller assigns; admit
	// the source first, then bind, unwinding on failure.
	id, err := m.controller.AddSource(uri)
	if err != nil {
		return 0, err
	}

	pipelineID, err := m.pool.Allocate(id)
	if err != nil {
		_ = m.controller.RemoveSource(id)
		return 0, err
	}

	m.resources.StreamAdded(id)
	m.coord.Register(id, priority)
	m.metrics.StartStream(id)
	m.isolation.AddSource(id)
	m.breakers.GetOrCreate(fmt.Sprintf("source-%d", uint(id)), m.cfg.BreakerConfig)

	m.mu.Lock()
	healthCfg := m.cfg.HealthConfig
	m.mu.Unlock()
	monitor := source.NewHealthMonitor(id, healthCfg)
	if src := m.controller.Source(id); src != nil {
		if muxPad := src.MuxPad(); muxPad != nil {
			monitor.InstallProbe(muxPad)
			sid := id
			muxPad.AddProbe(func(_ *graph.Pad, _ *graph.Buffer) graph.ProbeReturn {
				m.metrics.RecordFrame(sid)
				return graph.ProbeOK
			})
		}
	}
	m.mu.Lock()
	m.health[id] = monitor
	m.mu.Unlock()
	m.healthAgg.Add(monitor)

	if m.logger != nil {
		m.logger.Info("stream added", "source", id, "pipeline", pipelineID, "priority", priority.String())
	}
	return id, nil
}

// BatchResult reports one AddStreamsBatch item.
type BatchResult struct {
	URI string
	ID  source.ID
	Err error
}

// AddStreamsBatch admits each URI independently; failed items are
// reported, not rolled back as a group.
func (m *Manager) AddStreamsBatch(uris []string, priority Priority) []BatchResult {
	out := make([]BatchResult, 0, len(uris))
	for _, uri := range uris {
		id, err := m.AddStream(uri, priority)
		out = append(out, BatchResult{URI: uri, ID: id, Err: err})
	}
	return out
}

// RemoveStream releases a stream in reverse order of admission.
func (m *Manager) RemoveStream(id source.ID) error {
	m.mu.Lock()
	monitor := m.health[id]
	delete(m.health, id)
	m.mu.Unlock()
	if monitor != nil {
		m.healthAgg.Remove(monitor)
	}

	m.isolation.RemoveSource(id)
	m.metrics.StopStream(id)
	m.coord.Unregister(id)

	if pipe := m.pool.ForSource(id); pipe != nil {
		if err := m.pool.Release(pipe.ID()); err != nil && m.logger != nil {
			m.logger.Warn("pool release failed", "source", id, "error", err)
		}
	}
	m.resources.StreamRemoved(id)

	if err := m.controller.RemoveSource(id); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info("stream removed", "source", id)
	}
	return nil
}

// RemoveAllStreams removes every stream.
func (m *Manager) RemoveAllStreams() {
	for _, id := range m.controller.SourceIDs() {
		_ = m.RemoveStream(id)
	}
}

// StreamCount returns the number of live streams.
func (m *Manager) StreamCount() int {
	return m.controller.SourceCount()
}

// ApplyRuntimeConfig applies the hot-reloadable subset of a new
// configuration: resource limits and health thresholds. Live health
// monitors are updated in place and future streams pick up the new
// values; structural settings (stream bound, pool capacity, backend)
// still require a restart.
func (m *Manager) ApplyRuntimeConfig(next Config) error {
	if err := m.resources.SetLimits(next.ResourceLimits); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg.ResourceLimits = next.ResourceLimits
	m.cfg.HealthConfig = next.HealthConfig
	monitors := make([]*source.HealthMonitor, 0, len(m.health))
	for _, monitor := range m.health {
		monitors = append(monitors, monitor)
	}
	m.mu.Unlock()

	for _, monitor := range monitors {
		monitor.SetConfig(next.HealthConfig)
	}
	return nil
}

// ApplyThrottle pushes the current throttle recommendation into the
// coordinator's uniform quality factor.
func (m *Manager) ApplyThrottle() ThrottleRecommendation {
	rec := m.resources.ThrottleRecommendation()
	m.coord.AdjustQuality(rec.QualityFactor)
	return rec
}

// Serve runs the periodic update loop (resource sampling, trend
// samples, throttle application, idle-pipeline cleanup) until ctx is
// cancelled. It implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(m.cfg.IdleCleanupThreshold)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.resources.UpdateUsage(); err != nil && m.logger != nil {
				m.logger.Warn("resource sampling failed", "error", err)
			}
			m.metrics.RecordAggregateSample()
			m.ApplyThrottle()
		case <-cleanup.C:
			if n := m.pool.CleanupIdle(m.cfg.IdleCleanupThreshold); n > 0 && m.logger != nil {
				m.logger.Info("idle pipelines eligible for retirement", "count", n)
			}
		}
	}
}

// Start plays the pipeline and launches the bus watcher wired to the
// classifier, per-pipeline breaker, and recovery manager.
func (m *Manager) Start(ctx context.Context) error {
	m.pipeline.StartBusWatcher(ctx, pipeline.BusWatcherConfig{
		Breaker:  m.breakers.GetOrCreate("pipeline", m.cfg.BreakerConfig),
		Recovery: m.recovery,
		Recover: func(sourceName string, _ errclass.Classification) error {
			// Recovery restarts the pipeline element graph.
			if err := m.pipeline.Recover(); err != nil {
				return err
			}
			return m.pipeline.Play()
		},
		Logger: m.logger,
	})
	return m.pipeline.Play()
}

// Stop halts the watcher, removes all streams, and stops the pipeline.
func (m *Manager) Stop() error {
	m.pipeline.StopBusWatcher()
	m.RemoveAllStreams()
	return m.pipeline.Stop()
}
