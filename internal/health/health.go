// SPDX-License-Identifier: MIT

// Package health serves the daemon's health and metrics endpoints:
// /healthz as JSON for probes, /metrics in Prometheus exposition
// format backed by the multi-stream metrics collector.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelvision/kestrel-go/internal/multistream"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// StreamInfo describes one stream in the health response.
type StreamInfo struct {
	ID        uint    `json:"id"`
	URI       string  `json:"uri"`
	State     string  `json:"state"`
	Healthy   bool    `json:"healthy"`
	Reason    string  `json:"reason,omitempty"`
	AvgFPS    float64 `json:"avg_fps"`
	Frames    uint64  `json:"frames"`
	Dropped   uint64  `json:"dropped"`
	Errors    uint32  `json:"errors"`
	Recovered uint32  `json:"recovered"`
}

// Response is the /healthz JSON body.
type Response struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Streams   []StreamInfo `json:"streams"`
}

// StatusProvider supplies live stream health. ManagerProvider
// implements it over the multi-stream manager.
type StatusProvider interface {
	Streams() []StreamInfo
}

// ManagerProvider adapts a multistream.Manager to StatusProvider.
type ManagerProvider struct {
	Manager *multistream.Manager
}

// Streams implements StatusProvider.
func (p ManagerProvider) Streams() []StreamInfo {
	ctl := p.Manager.Controller()
	out := make([]StreamInfo, 0, ctl.SourceCount())
	for _, id := range ctl.SourceIDs() {
		info := StreamInfo{ID: uint(id)}
		if src := ctl.Source(id); src != nil {
			info.URI = src.URI()
			info.State = src.State().String()
		}
		if monitor := p.Manager.HealthMonitor(id); monitor != nil {
			status := monitor.CheckHealth()
			info.Healthy = status.Verdict == source.HealthHealthy
			info.Reason = status.Reason
			info.AvgFPS = monitor.Metrics().AvgFrameRate
		}
		if m, ok := p.Manager.Metrics().StreamMetrics(id); ok {
			info.Frames = m.FramesProcessed
			info.Dropped = m.FramesDropped
			info.Errors = m.ErrorCount
			info.Recovered = m.RecoveryCount
		}
		out = append(out, info)
	}
	return out
}

// Handler routes /healthz and /metrics.
type Handler struct {
	provider StatusProvider
	metrics  *Exporter
	mux      *http.ServeMux
}

// NewHandler creates the HTTP handler. exporter may be nil to disable
// /metrics.
func NewHandler(provider StatusProvider, exporter *Exporter) *Handler {
	h := &Handler{provider: provider, metrics: exporter, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.serveHealth)
	if exporter != nil {
		h.mux.Handle("/metrics", exporter.HTTPHandler())
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}
	if h.provider != nil {
		resp.Streams = h.provider.Streams()
	}

	healthy := len(resp.Streams) > 0
	degraded := false
	for _, s := range resp.Streams {
		if !s.Healthy {
			degraded = true
		}
	}
	switch {
	case !healthy:
		resp.Status = "idle"
	case degraded:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Exporter publishes the metrics collector as Prometheus series.
type Exporter struct {
	collector *multistream.MetricsCollector
	registry  *prometheus.Registry

	framesProcessed *prometheus.GaugeVec
	framesDropped   *prometheus.GaugeVec
	detections      *prometheus.GaugeVec
	avgFPS          *prometheus.GaugeVec
	errorsTotal     *prometheus.GaugeVec
	activeStreams   prometheus.Gauge
	dropRate        prometheus.Gauge
}

// NewExporter creates an exporter over the collector.
func NewExporter(collector *multistream.MetricsCollector) *Exporter {
	e := &Exporter{
		collector: collector,
		registry:  prometheus.NewRegistry(),
		framesProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_stream_frames_processed_total",
			Help: "Frames processed per stream.",
		}, []string{"stream"}),
		framesDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_stream_frames_dropped_total",
			Help: "Frames dropped per stream.",
		}, []string{"stream"}),
		detections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_stream_detections_total",
			Help: "Detections emitted per stream.",
		}, []string{"stream"}),
		avgFPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_stream_avg_fps",
			Help: "Lifetime average frame rate per stream.",
		}, []string{"stream"}),
		errorsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_stream_errors_total",
			Help: "Errors recorded per stream.",
		}, []string{"stream"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_active_streams",
			Help: "Number of live streams.",
		}),
		dropRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_drop_rate",
			Help: "Aggregate dropped/processed frame ratio.",
		}),
	}
	e.registry.MustRegister(
		e.framesProcessed, e.framesDropped, e.detections,
		e.avgFPS, e.errorsTotal, e.activeStreams, e.dropRate,
	)
	return e
}

// Update refreshes the exported series from the collector.
func (e *Exporter) Update() {
	e.framesProcessed.Reset()
	e.framesDropped.Reset()
	e.detections.Reset()
	e.avgFPS.Reset()
	e.errorsTotal.Reset()

	for _, m := range e.collector.AllMetrics() {
		label := m.SourceID.String()
		e.framesProcessed.WithLabelValues(label).Set(float64(m.FramesProcessed))
		e.framesDropped.WithLabelValues(label).Set(float64(m.FramesDropped))
		e.detections.WithLabelValues(label).Set(float64(m.Detections))
		e.avgFPS.WithLabelValues(label).Set(m.AverageFPS)
		e.errorsTotal.WithLabelValues(label).Set(float64(m.ErrorCount))
	}

	agg := e.collector.Aggregate()
	e.activeStreams.Set(float64(agg.ActiveStreams))
	e.dropRate.Set(agg.DropRate)
}

// HTTPHandler returns the /metrics handler, refreshing on each scrape.
func (e *Exporter) HTTPHandler() http.Handler {
	inner := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Update()
		inner.ServeHTTP(w, r)
	})
}

// ListenAndServe binds addr synchronously, closes ready (when non-nil)
// once listening, and serves until ctx is cancelled. Binding
// synchronously surfaces port-in-use errors immediately instead of
// losing them in a goroutine.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
