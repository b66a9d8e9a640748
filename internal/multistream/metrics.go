// SPDX-License-Identifier: MIT

package multistream

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/source"
)

// timeSeriesCapacity bounds each per-stream series.
const timeSeriesCapacity = 1000

// Recommendation thresholds for the performance report.
const (
	reportDropRateLimit = 0.1
	reportMinAvgFPS     = 15.0
	reportMaxLatency    = 100 * time.Millisecond
	reportMaxErrors     = 10
)

// StreamMetrics is the per-stream counter set. Counters are
// monotonically non-decreasing.
type StreamMetrics struct {
	SourceID        source.ID
	StartTime       time.Time
	LastUpdate      time.Time
	FramesProcessed uint64
	FramesDropped   uint64
	Detections      uint64
	CurrentFPS      float64
	AverageFPS      float64
	LatencyMS       float64
	ErrorCount      uint32
	RecoveryCount   uint32
}

// updateFPS refreshes the instantaneous and lifetime-average rates.
func (m *StreamMetrics) updateFPS(now time.Time) {
	if gap := now.Sub(m.LastUpdate).Seconds(); gap > 0 {
		m.CurrentFPS = 1.0 / gap
	}
	if total := now.Sub(m.StartTime).Seconds(); total > 0 {
		m.AverageFPS = float64(m.FramesProcessed) / total
	}
	m.LastUpdate = now
}

// seriesPoint is one time-series observation.
type seriesPoint struct {
	ts    time.Time
	value float64
}

// timeSeries is a bounded series with windowed aggregation.
type timeSeries struct {
	points []seriesPoint
}

func (s *timeSeries) add(value float64) {
	s.points = append(s.points, seriesPoint{ts: time.Now(), value: value})
	if len(s.points) > timeSeriesCapacity {
		s.points = s.points[len(s.points)-timeSeriesCapacity:]
	}
}

func (s *timeSeries) average(window time.Duration) (float64, bool) {
	cutoff := time.Now().Add(-window)
	var sum float64
	var n int
	for _, p := range s.points {
		if p.ts.After(cutoff) {
			sum += p.value
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// MetricsCollector aggregates per-stream counters and bounded
// time-series across all streams.
type MetricsCollector struct {
	mu      sync.Mutex
	streams map[source.ID]*StreamMetrics
	series  map[string]*timeSeries
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		streams: make(map[source.ID]*StreamMetrics),
		series:  make(map[string]*timeSeries),
	}
}

// StartStream begins collecting for a source.
func (c *MetricsCollector) StartStream(id source.ID) {
	now := time.Now()
	c.mu.Lock()
	c.streams[id] = &StreamMetrics{SourceID: id, StartTime: now, LastUpdate: now}
	c.mu.Unlock()
}

// StopStream ends collection for a source.
func (c *MetricsCollector) StopStream(id source.ID) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// RecordFrame counts one processed frame.
func (c *MetricsCollector) RecordFrame(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.streams[id]; ok {
		m.FramesProcessed++
		m.updateFPS(time.Now())
	}
}

// RecordDetections counts detections with their processing latency.
func (c *MetricsCollector) RecordDetections(id source.ID, count int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.streams[id]; ok {
		m.Detections += uint64(count)
		m.LatencyMS = float64(latency.Microseconds()) / 1000.0
	}
	key := fmt.Sprintf("detections/%d", uint(id))
	s, ok := c.series[key]
	if !ok {
		s = &timeSeries{}
		c.series[key] = s
	}
	s.add(float64(count))
}

// RecordDroppedFrame counts one dropped frame.
func (c *MetricsCollector) RecordDroppedFrame(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.streams[id]; ok {
		m.FramesDropped++
	}
}

// RecordError counts one stream error.
func (c *MetricsCollector) RecordError(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.streams[id]; ok {
		m.ErrorCount++
	}
}

// RecordRecovery counts one successful recovery.
func (c *MetricsCollector) RecordRecovery(id source.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.streams[id]; ok {
		m.RecoveryCount++
	}
}

// StreamMetrics returns a copy of one stream's metrics.
func (c *MetricsCollector) StreamMetrics(id source.ID) (StreamMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.streams[id]
	if !ok {
		return StreamMetrics{}, false
	}
	return *m, true
}

// AllMetrics returns copies of every stream's metrics.
func (c *MetricsCollector) AllMetrics() []StreamMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StreamMetrics, 0, len(c.streams))
	for _, m := range c.streams {
		out = append(out, *m)
	}
	return out
}

// AggregateStats sums over all streams.
type AggregateStats struct {
	ActiveStreams   int
	TotalFrames     uint64
	TotalDropped    uint64
	TotalDetections uint64
	TotalErrors     uint32
	AverageFPS      float64
	AverageLatency  float64
	DropRate        float64
}

// Aggregate computes sums and averages across all streams; the
// aggregate always equals the per-stream sums.
func (c *MetricsCollector) Aggregate() AggregateStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := AggregateStats{ActiveStreams: len(c.streams)}
	var fpsSum, latencySum float64
	for _, m := range c.streams {
		stats.TotalFrames += m.FramesProcessed
		stats.TotalDropped += m.FramesDropped
		stats.TotalDetections += m.Detections
		stats.TotalErrors += m.ErrorCount
		fpsSum += m.AverageFPS
		latencySum += m.LatencyMS
	}
	if n := len(c.streams); n > 0 {
		stats.AverageFPS = fpsSum / float64(n)
		stats.AverageLatency = latencySum / float64(n)
	}
	if stats.TotalFrames > 0 {
		stats.DropRate = float64(stats.TotalDropped) / float64(stats.TotalFrames)
	}
	return stats
}

// Report is a windowed performance summary with recommendations.
type Report struct {
	Timestamp       time.Time
	Window          time.Duration
	Aggregate       AggregateStats
	FPSTrend        float64
	HasFPSTrend     bool
	LatencyTrend    float64
	HasLatencyTrend bool
	Recommendations []string
}

// GenerateReport summarizes the collector over the window and produces
// textual recommendations when thresholds are crossed.
func (c *MetricsCollector) GenerateReport(window time.Duration) Report {
	agg := c.Aggregate()

	report := Report{
		Timestamp: time.Now(),
		Window:    window,
		Aggregate: agg,
	}

	c.mu.Lock()
	if s, ok := c.series["fps/aggregate"]; ok {
		report.FPSTrend, report.HasFPSTrend = s.average(window)
	}
	if s, ok := c.series["latency/aggregate"]; ok {
		report.LatencyTrend, report.HasLatencyTrend = s.average(window)
	}
	c.mu.Unlock()

	if agg.DropRate > reportDropRateLimit {
		report.Recommendations = append(report.Recommendations,
			"High frame drop rate detected. Consider reducing stream quality or count.")
	}
	if agg.AverageFPS < reportMinAvgFPS && agg.ActiveStreams > 0 {
		report.Recommendations = append(report.Recommendations,
			"Low average FPS. System may be overloaded.")
	}
	if agg.AverageLatency > float64(reportMaxLatency.Milliseconds()) {
		report.Recommendations = append(report.Recommendations,
			"High detection latency. Consider optimizing detector configuration.")
	}
	if agg.TotalErrors > reportMaxErrors {
		report.Recommendations = append(report.Recommendations,
			"Multiple errors detected. Check stream connectivity and resources.")
	}
	return report
}

// RecordAggregateSample feeds the windowed trend series.
func (c *MetricsCollector) RecordAggregateSample() {
	agg := c.Aggregate()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range map[string]float64{
		"fps/aggregate":     agg.AverageFPS,
		"latency/aggregate": agg.AverageLatency,
	} {
		s, ok := c.series[key]
		if !ok {
			s = &timeSeries{}
			c.series[key] = s
		}
		s.add(value)
	}
}
