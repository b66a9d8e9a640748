// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/multistream"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

// stubProvider returns scripted stream infos.
type stubProvider struct {
	streams []StreamInfo
}

func (p stubProvider) Streams() []StreamInfo { return p.streams }

// TestHealthzStatuses verifies the idle/healthy/degraded mapping.
func TestHealthzStatuses(t *testing.T) {
	tests := []struct {
		name       string
		streams    []StreamInfo
		wantStatus string
		wantCode   int
	}{
		{"idle", nil, "idle", http.StatusOK},
		{"healthy", []StreamInfo{{ID: 0, Healthy: true}}, "healthy", http.StatusOK},
		{"degraded", []StreamInfo{{ID: 0, Healthy: true}, {ID: 1, Healthy: false, Reason: "no frames"}}, "degraded", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(stubProvider{streams: tt.streams}, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Streams) != len(tt.streams) {
				t.Errorf("streams = %d, want %d", len(resp.Streams), len(tt.streams))
			}
		})
	}
}

// TestHealthzMethodNotAllowed verifies non-GET rejection.
func TestHealthzMethodNotAllowed(t *testing.T) {
	h := NewHandler(stubProvider{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// TestMetricsExposition verifies collector counters surface as
// Prometheus series.
func TestMetricsExposition(t *testing.T) {
	collector := multistream.NewMetricsCollector()
	collector.StartStream(source.ID(0))
	for i := 0; i < 5; i++ {
		collector.RecordFrame(source.ID(0))
	}
	collector.RecordDetections(source.ID(0), 2, 10*time.Millisecond)
	collector.RecordDroppedFrame(source.ID(0))

	h := NewHandler(stubProvider{}, NewExporter(collector))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`kestrel_stream_frames_processed_total{stream="0"} 5`,
		`kestrel_stream_detections_total{stream="0"} 2`,
		`kestrel_active_streams 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics body missing %q", want)
		}
	}
}

// TestListenAndServeReady verifies synchronous bind and graceful
// shutdown.
func TestListenAndServeReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", NewHandler(stubProvider{}, nil), ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never signaled readiness")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// TestListenAndServeBindFailure verifies bind failures (here an invalid
// address) surface immediately.
func TestListenAndServeBindFailure(t *testing.T) {
	if err := func() error {
		return ListenAndServe(context.Background(), "256.256.256.256:99999", NewHandler(stubProvider{}, nil), nil)
	}(); err == nil {
		t.Error("ListenAndServe(bad addr) = nil error")
	}
}
