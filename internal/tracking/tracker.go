// SPDX-License-Identifier: MIT

// Package tracking provides the software object tracker used by the
// Software backend: a centroid tracker with track lifecycle management
// and bounded trajectories.
package tracking

import (
	"math"
	"sync"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// TrackState is the lifecycle state of one track.
type TrackState int

const (
	TrackNew TrackState = iota
	TrackTracking
	TrackLost
	TrackRemoved
)

// String returns the string representation of TrackState.
func (s TrackState) String() string {
	switch s {
	case TrackNew:
		return "new"
	case TrackTracking:
		return "tracking"
	case TrackLost:
		return "lost"
	case TrackRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// TrackStatus describes one track.
//
// Lifecycle: New→Tracking on the first hit; Tracking→Lost once
// consecutive misses exceed maxMisses; Lost→Removed once the frames
// since the last hit exceed max age.
type TrackStatus struct {
	TrackID         uint64
	State           TrackState
	Age             uint32 // Frames since creation
	TimeSinceUpdate uint32 // Frames since last hit
	Hits            uint32
	Misses          uint32
	Confidence      float32
}

// hit records a match against a fresh detection.
func (t *TrackStatus) hit(confidence float32) {
	t.Hits++
	t.Misses = 0
	t.TimeSinceUpdate = 0
	t.Confidence = confidence
	t.State = TrackTracking
}

// miss records a frame without a match.
func (t *TrackStatus) miss(maxMisses uint32) {
	t.Misses++
	t.Hits = 0
	t.TimeSinceUpdate++
	if t.Misses > maxMisses {
		t.State = TrackLost
	}
}

// shouldRemove reports whether a lost track has aged out.
func (t *TrackStatus) shouldRemove(maxAge uint32) bool {
	return t.State == TrackLost && t.TimeSinceUpdate > maxAge
}

// TrajectoryPoint is one historical observation of a track.
type TrajectoryPoint struct {
	CenterX   float32
	CenterY   float32
	Box       meta.Detection
	Timestamp time.Time
}

// Trajectory is a bounded history of track positions; timestamps are
// non-decreasing and length never exceeds the configured maximum.
type Trajectory struct {
	TrackID uint64
	points  []TrajectoryPoint
	maxLen  int
}

// NewTrajectory creates a trajectory bounded to maxLen points.
func NewTrajectory(trackID uint64, maxLen int) *Trajectory {
	if maxLen <= 0 {
		maxLen = 64
	}
	return &Trajectory{TrackID: trackID, maxLen: maxLen}
}

// Append records a point, evicting the oldest at capacity.
func (tr *Trajectory) Append(p TrajectoryPoint) {
	if n := len(tr.points); n > 0 && p.Timestamp.Before(tr.points[n-1].Timestamp) {
		p.Timestamp = tr.points[n-1].Timestamp
	}
	tr.points = append(tr.points, p)
	if len(tr.points) > tr.maxLen {
		tr.points = tr.points[1:]
	}
}

// Points returns a copy of the history, oldest first.
func (tr *Trajectory) Points() []TrajectoryPoint {
	out := make([]TrajectoryPoint, len(tr.points))
	copy(out, tr.points)
	return out
}

// Len returns the current history length.
func (tr *Trajectory) Len() int { return len(tr.points) }

// Config tunes the centroid tracker.
type Config struct {
	MaxDistance float64 // Centroid match radius in pixels
	MaxMisses   uint32  // Consecutive misses tolerated before Lost
	MaxAge      uint32  // Frames since the last hit before a lost track is Removed
	MaxHistory  int     // Trajectory bound
}

// DefaultConfig returns the standard tracker tuning.
func DefaultConfig() Config {
	return Config{
		MaxDistance: 80,
		MaxMisses:   5,
		MaxAge:      30,
		MaxHistory:  64,
	}
}

// track couples status, position, and history.
type track struct {
	status     TrackStatus
	centerX    float32
	centerY    float32
	trajectory *Trajectory
}

// CentroidTracker matches detections to tracks by nearest centroid.
type CentroidTracker struct {
	cfg Config

	mu     sync.Mutex
	tracks map[uint64]*track
	nextID uint64
}

// NewCentroidTracker creates an empty tracker.
func NewCentroidTracker(cfg Config) *CentroidTracker {
	return &CentroidTracker{cfg: cfg, tracks: make(map[uint64]*track)}
}

// TrackedObject pairs a detection with its track id for downstream
// consumers.
type TrackedObject struct {
	Detection meta.Detection
	TrackID   uint64
	State     TrackState
}

// Update advances the tracker by one frame of detections and returns
// the detections annotated with track ids.
func (ct *CentroidTracker) Update(detections []meta.Detection, ts time.Time) []TrackedObject {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	matched := make(map[uint64]bool, len(ct.tracks))
	out := make([]TrackedObject, 0, len(detections))

	for _, det := range detections {
		cx := det.X + det.Width/2
		cy := det.Y + det.Height/2

		var best *track
		bestDist := ct.cfg.MaxDistance
		for id, tr := range ct.tracks {
			if matched[id] || tr.status.State == TrackRemoved {
				continue
			}
			dist := math.Hypot(float64(cx-tr.centerX), float64(cy-tr.centerY))
			if dist <= bestDist {
				bestDist = dist
				best = tr
			}
		}

		if best == nil {
			id := ct.nextID
			ct.nextID++
			best = &track{
				status:     TrackStatus{TrackID: id, State: TrackNew},
				trajectory: NewTrajectory(id, ct.cfg.MaxHistory),
			}
			ct.tracks[id] = best
		}

		best.status.hit(det.Confidence)
		best.centerX, best.centerY = cx, cy
		best.trajectory.Append(TrajectoryPoint{CenterX: cx, CenterY: cy, Box: det, Timestamp: ts})
		matched[best.status.TrackID] = true

		out = append(out, TrackedObject{Detection: det, TrackID: best.status.TrackID, State: best.status.State})
	}

	// Age every track; miss the unmatched ones and prune the aged-out.
	for id, tr := range ct.tracks {
		tr.status.Age++
		if !matched[id] {
			tr.status.miss(ct.cfg.MaxMisses)
		}
		if tr.status.shouldRemove(ct.cfg.MaxAge) {
			tr.status.State = TrackRemoved
			delete(ct.tracks, id)
		}
	}
	return out
}

// Status returns the status for a track id, or ok=false once removed.
func (ct *CentroidTracker) Status(trackID uint64) (TrackStatus, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	tr, ok := ct.tracks[trackID]
	if !ok {
		return TrackStatus{}, false
	}
	return tr.status, true
}

// Trajectory returns a copy of a track's history, or nil once removed.
func (ct *CentroidTracker) Trajectory(trackID uint64) []TrajectoryPoint {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	tr, ok := ct.tracks[trackID]
	if !ok {
		return nil
	}
	return tr.trajectory.Points()
}

// ActiveTracks returns the number of live tracks.
func (ct *CentroidTracker) ActiveTracks() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.tracks)
}
