// SPDX-License-Identifier: MIT

// Package main implements kestrel, an interactive console for driving
// a local multi-stream detection pipeline: add and remove sources,
// control playback, and inspect metrics from a terminal menu.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/kestrelvision/kestrel-go/internal/backend"
	"github.com/kestrelvision/kestrel-go/internal/config"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/infer"
	"github.com/kestrelvision/kestrel-go/internal/multistream"
	"github.com/kestrelvision/kestrel-go/internal/source"
)

var (
	backendFlag = flag.String("backend", "software", "Backend: auto, accelerated, software, mock")
	testMode    = flag.Bool("test-mode", true, "Substitute a mock detector when no model is available")
)

// menuAction identifies one console action.
type menuAction string

const (
	actionStatus       menuAction = "status"
	actionAddSource    menuAction = "add"
	actionAddTest      menuAction = "add-test"
	actionRemoveSource menuAction = "remove"
	actionPlay         menuAction = "play"
	actionPause        menuAction = "pause"
	actionStop         menuAction = "stop"
	actionQuality      menuAction = "quality"
	actionReport       menuAction = "report"
	actionQuit         menuAction = "quit"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *testMode {
		infer.SetTestMode(true)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	bm, err := newBackendManager(*backendFlag, logger)
	if err != nil {
		return err
	}

	cfg := config.Default()
	manager, err := multistream.NewManager(cfg.MultiStream(), bm.Backend(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() { _ = manager.Stop() }()

	fmt.Printf("kestrel console (%s backend)\n", bm.Kind())
	for {
		action, err := selectAction()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}

		switch action {
		case actionStatus:
			fmt.Print(statusText(manager))
		case actionAddTest:
			addSource(manager, graph.TestPatternURI)
		case actionAddSource:
			uri, err := promptURI()
			if err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					continue
				}
				return err
			}
			addSource(manager, uri)
		case actionRemoveSource:
			if err := removeSourceMenu(manager); err != nil && !errors.Is(err, huh.ErrUserAborted) {
				return err
			}
		case actionPlay:
			reportErr("play", manager.Pipeline().Play())
		case actionPause:
			reportErr("pause", manager.Pipeline().Pause())
		case actionStop:
			reportErr("stop", manager.Pipeline().Stop())
		case actionQuality:
			if err := adjustQualityMenu(manager); err != nil && !errors.Is(err, huh.ErrUserAborted) {
				return err
			}
		case actionReport:
			fmt.Print(reportText(manager))
		case actionQuit:
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// selectAction shows the top-level menu.
func selectAction() (menuAction, error) {
	var action menuAction
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[menuAction]().
			Title("kestrel").
			Options(
				huh.NewOption("Status", actionStatus),
				huh.NewOption("Add test source", actionAddTest),
				huh.NewOption("Add source by URI", actionAddSource),
				huh.NewOption("Remove source", actionRemoveSource),
				huh.NewOption("Play", actionPlay),
				huh.NewOption("Pause", actionPause),
				huh.NewOption("Stop", actionStop),
				huh.NewOption("Adjust quality", actionQuality),
				huh.NewOption("Performance report", actionReport),
				huh.NewOption("Quit", actionQuit),
			).
			Value(&action),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return action, nil
}

// promptURI asks for a source URI.
func promptURI() (string, error) {
	var uri string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Source URI").
			Placeholder("rtsp://host/stream or videotestsrc://").
			Value(&uri),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(uri), nil
}

// removeSourceMenu lists live sources for removal.
func removeSourceMenu(manager *multistream.Manager) error {
	ids := manager.Controller().SourceIDs()
	if len(ids) == 0 {
		fmt.Println("no sources to remove")
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	options := make([]huh.Option[source.ID], 0, len(ids))
	for _, id := range ids {
		label := fmt.Sprintf("source %d", uint(id))
		if src := manager.Controller().Source(id); src != nil {
			label = fmt.Sprintf("source %d (%s, %s)", uint(id), src.URI(), src.State())
		}
		options = append(options, huh.NewOption(label, id))
	}

	var picked source.ID
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[source.ID]().Title("Remove which source?").Options(options...).Value(&picked),
	))
	if err := form.Run(); err != nil {
		return err
	}
	reportErr("remove", manager.RemoveStream(picked))
	return nil
}

// adjustQualityMenu prompts for a uniform quality factor and applies
// it across all streams.
func adjustQualityMenu(manager *multistream.Manager) error {
	var input string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(fmt.Sprintf("Quality factor (current %.2f)", manager.Coordinator().Quality())).
			Placeholder("0.0 to 1.0").
			Validate(func(s string) error {
				_, err := parseQuality(s)
				return err
			}).
			Value(&input),
	))
	if err := form.Run(); err != nil {
		return err
	}
	factor, err := parseQuality(input)
	if err != nil {
		fmt.Printf("quality adjust failed: %v\n", err)
		return nil
	}
	manager.Coordinator().AdjustQuality(factor)
	fmt.Printf("quality set to %.2f\n", manager.Coordinator().Quality())
	return nil
}

// parseQuality parses a quality factor in [0,1].
func parseQuality(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("quality factor %v outside [0,1]", v)
	}
	return v, nil
}

// addSource admits a source and prints the outcome.
func addSource(manager *multistream.Manager, uri string) {
	if uri == "" {
		fmt.Println("empty URI ignored")
		return
	}
	id, err := manager.AddStream(uri, multistream.PriorityNormal)
	if err != nil {
		fmt.Printf("add failed: %v\n", err)
		return
	}
	fmt.Printf("added source %d (%s)\n", uint(id), uri)
}

// statusText renders the live status summary.
func statusText(manager *multistream.Manager) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline: %s\n", manager.Pipeline().CurrentState())
	fmt.Fprintf(&b, "health:   %s\n", manager.OverallHealth().Verdict)

	ids := manager.Controller().SourceIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintf(&b, "sources:  %d of %d\n", len(ids), manager.Controller().MaxSources())
	for _, id := range ids {
		src := manager.Controller().Source(id)
		if src == nil {
			continue
		}
		line := fmt.Sprintf("  [%d] %-28s %s", uint(id), src.URI(), src.State())
		if m, ok := manager.Metrics().StreamMetrics(id); ok {
			line += fmt.Sprintf("  frames=%d fps=%.1f", m.FramesProcessed, m.AverageFPS)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// reportText renders the windowed performance report.
func reportText(manager *multistream.Manager) string {
	report := manager.Metrics().GenerateReport(time.Minute)
	agg := report.Aggregate

	var b strings.Builder
	fmt.Fprintf(&b, "streams=%d frames=%d dropped=%d detections=%d errors=%d\n",
		agg.ActiveStreams, agg.TotalFrames, agg.TotalDropped, agg.TotalDetections, agg.TotalErrors)
	fmt.Fprintf(&b, "avg fps=%.1f avg latency=%.1fms drop rate=%.1f%%\n",
		agg.AverageFPS, agg.AverageLatency, agg.DropRate*100)
	for _, rec := range report.Recommendations {
		fmt.Fprintf(&b, "note: %s\n", rec)
	}
	return b.String()
}

// reportErr prints an operation outcome.
func reportErr(op string, err error) {
	if err != nil {
		fmt.Printf("%s failed: %v\n", op, err)
		return
	}
	fmt.Printf("%s ok\n", op)
}

// newBackendManager resolves the backend flag.
func newBackendManager(name string, logger *slog.Logger) (*backend.Manager, error) {
	switch name {
	case "", "auto":
		return backend.NewManager(logger)
	case "accelerated":
		return backend.NewManagerWithKind(backend.KindAccelerated, logger)
	case "software":
		return backend.NewManagerWithKind(backend.KindSoftware, logger)
	case "mock":
		return backend.NewManagerWithKind(backend.KindMock, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
