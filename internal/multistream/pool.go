// SPDX-License-Identifier: MIT

package multistream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/infer"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// PipelinePhase is the detection pipeline processing state.
type PipelinePhase int

const (
	PipelineIdle PipelinePhase = iota
	PipelineProcessing
	PipelineError
)

// String returns the string representation of PipelinePhase.
func (p PipelinePhase) String() string {
	switch p {
	case PipelineIdle:
		return "idle"
	case PipelineProcessing:
		return "processing"
	case PipelineError:
		return "error"
	default:
		return "unknown"
	}
}

// DetectionPipeline is one pooled detector bound to at most one source
// at a time.
type DetectionPipeline struct {
	id int

	mu             sync.Mutex
	detector       infer.Detector
	phase          PipelinePhase
	errMsg         string
	assigned       *source.ID
	lastUsed       time.Time
	framesHandled  uint64
	detectionsSeen uint64
}

// newDetectionPipeline creates an idle pipeline with a mock detector;
// deployments swap in a model detector via SetDetector.
func newDetectionPipeline(id int) *DetectionPipeline {
	return &DetectionPipeline{
		id:       id,
		detector: infer.NewMockDetector(),
		lastUsed: time.Now(),
	}
}

// ID returns the pipeline's pool slot id.
func (p *DetectionPipeline) ID() int { return p.id }

// SetDetector replaces the pipeline's detector.
func (p *DetectionPipeline) SetDetector(d infer.Detector) {
	p.mu.Lock()
	p.detector = d
	p.mu.Unlock()
}

// Phase returns the processing state.
func (p *DetectionPipeline) Phase() PipelinePhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// AssignedSource returns the bound source, or ok=false when free.
func (p *DetectionPipeline) AssignedSource() (source.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assigned == nil {
		return 0, false
	}
	return *p.assigned, true
}

// Counters returns frames handled and detections seen.
func (p *DetectionPipeline) Counters() (frames, detections uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesHandled, p.detectionsSeen
}

// RecordWork advances the usage counters after a processed frame.
func (p *DetectionPipeline) RecordWork(detections int) {
	p.mu.Lock()
	p.framesHandled++
	p.detectionsSeen += uint64(detections)
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// reset clears assignment and counters for reuse.
func (p *DetectionPipeline) reset() {
	p.mu.Lock()
	p.assigned = nil
	p.phase = PipelineIdle
	p.errMsg = ""
	p.framesHandled = 0
	p.detectionsSeen = 0
	p.mu.Unlock()
}

// isAvailable reports whether the pipeline can take an assignment.
func (p *DetectionPipeline) isAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assigned == nil && p.phase == PipelineIdle
}

// assign binds the pipeline to a source.
func (p *DetectionPipeline) assign(id source.ID) {
	p.mu.Lock()
	sid := id
	p.assigned = &sid
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// PipelinePool is a fixed-capacity pool of detection pipelines with a
// free list and a source→pipeline map.
type PipelinePool struct {
	capacity int
	logger   *slog.Logger

	mu        sync.Mutex
	pipelines []*DetectionPipeline
	freeList  []int
	bySource  map[source.ID]int
}

// NewPipelinePool pre-creates half the capacity (at least one).
func NewPipelinePool(capacity int, logger *slog.Logger) *PipelinePool {
	if capacity <= 0 {
		capacity = 1
	}
	pool := &PipelinePool{
		capacity: capacity,
		logger:   logger,
		bySource: make(map[source.ID]int),
	}
	initial := capacity / 2
	if initial < 1 {
		initial = 1
	}
	for i := 0; i < initial; i++ {
		pool.pipelines = append(pool.pipelines, newDetectionPipeline(i))
		pool.freeList = append(pool.freeList, i)
	}
	return pool
}

// Allocate returns the pipeline id bound to sourceID, reusing an
// existing assignment, then a free pipeline, then a newly created one
// up to capacity. A full pool fails.
func (p *PipelinePool) Allocate(sourceID source.ID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.bySource[sourceID]; ok {
		return id, nil
	}

	if n := len(p.freeList); n > 0 {
		id := p.freeList[0]
		p.freeList = p.freeList[1:]
		pipe := p.pipelines[id]
		pipe.reset()
		pipe.assign(sourceID)
		p.bySource[sourceID] = id
		return id, nil
	}

	if len(p.pipelines) < p.capacity {
		id := len(p.pipelines)
		pipe := newDetectionPipeline(id)
		pipe.assign(sourceID)
		p.pipelines = append(p.pipelines, pipe)
		p.bySource[sourceID] = id
		return id, nil
	}

	return 0, errclass.New(errclass.KindResourceLimit,
		"pipeline pool exhausted, max %d pipelines", p.capacity)
}

// Release unbinds a pipeline, resets it, and returns its id to the
// front of the free list so it is reused before any new creation.
func (p *PipelinePool) Release(pipelineID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pipelineID < 0 || pipelineID >= len(p.pipelines) {
		return errclass.New(errclass.KindUnknown, "no pipeline with id %d", pipelineID)
	}
	pipe := p.pipelines[pipelineID]
	if id, ok := pipe.AssignedSource(); ok {
		delete(p.bySource, id)
	}
	pipe.reset()
	p.freeList = append([]int{pipelineID}, p.freeList...)
	return nil
}

// Get returns a pipeline by id, or nil.
func (p *PipelinePool) Get(pipelineID int) *DetectionPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pipelineID < 0 || pipelineID >= len(p.pipelines) {
		return nil
	}
	return p.pipelines[pipelineID]
}

// ForSource returns the pipeline assigned to a source, or nil.
func (p *PipelinePool) ForSource(sourceID source.ID) *DetectionPipeline {
	p.mu.Lock()
	id, ok := p.bySource[sourceID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Get(id)
}

// CleanupIdle counts free pipelines idle beyond the threshold. They
// stay pooled; the count feeds retirement decisions.
func (p *PipelinePool) CleanupIdle(threshold time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleaned := 0
	now := time.Now()
	for _, pipe := range p.pipelines {
		pipe.mu.Lock()
		idle := pipe.assigned == nil && pipe.phase == PipelineIdle && now.Sub(pipe.lastUsed) > threshold
		pipe.mu.Unlock()
		if idle {
			cleaned++
		}
	}
	return cleaned
}

// PoolStats summarizes the pool.
type PoolStats struct {
	TotalPipelines     int
	ActivePipelines    int
	AvailablePipelines int
	TotalFrames        uint64
	TotalDetections    uint64
}

// Stats returns the pool summary.
func (p *PipelinePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		TotalPipelines:     len(p.pipelines),
		AvailablePipelines: len(p.freeList),
	}
	stats.ActivePipelines = stats.TotalPipelines - stats.AvailablePipelines
	for _, pipe := range p.pipelines {
		frames, detections := pipe.Counters()
		stats.TotalFrames += frames
		stats.TotalDetections += detections
	}
	return stats
}

// AssignedCount returns the number of bound sources.
func (p *PipelinePool) AssignedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySource)
}

// Capacity returns the pool bound.
func (p *PipelinePool) Capacity() int { return p.capacity }
