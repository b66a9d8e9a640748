// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/source"
	"github.com/kestrelvision/kestrel-go/internal/util"
)

// busPollInterval is the bus poll timeout of the watcher loop.
const busPollInterval = 100 * time.Millisecond

// MessageHandler consumes dispatched bus messages. Returning false
// stops the watcher.
type MessageHandler func(msg *graph.Message) bool

// RecoverFunc attempts to recover the resource a failed message came
// from. It runs on the watcher goroutine after the backoff delay.
type RecoverFunc func(sourceName string, cls errclass.Classification) error

// BusWatcherConfig wires the watcher's fault-tolerance collaborators.
// All fields are optional; a zero config only dispatches messages.
type BusWatcherConfig struct {
	Classifier *errclass.Classifier
	Breaker    *source.CircuitBreaker // Per-pipeline breaker gating retries
	Recovery   *source.RecoveryManager
	Recover    RecoverFunc
	Handler    MessageHandler
	Logger     *slog.Logger
}

// BusWatcher polls a pipeline bus on a dedicated goroutine and routes
// error messages through the classifier, circuit breaker, and recovery
// manager. Non-retryable or breaker-rejected errors are surfaced to the
// handler only.
type BusWatcher struct {
	bus    *graph.Bus
	cfg    BusWatcherConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBusWatcher creates a watcher for bus.
func NewBusWatcher(bus *graph.Bus, cfg BusWatcherConfig) *BusWatcher {
	if cfg.Classifier == nil {
		cfg.Classifier = errclass.NewClassifier()
	}
	return &BusWatcher{bus: bus, cfg: cfg}
}

// Start launches the watcher loop. Stop or context cancellation ends
// it.
func (w *BusWatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	util.SafeGo("bus-watcher", w.cfg.Logger, func() {
		defer close(w.done)
		w.loop(ctx)
	}, nil)
}

// Stop ends the watcher and waits for the loop to exit.
func (w *BusWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// loop is the poll-dispatch cycle.
func (w *BusWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := w.bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		if msg.Type == graph.MessageError {
			w.handleError(ctx, msg)
		}
		if w.cfg.Handler != nil && !w.cfg.Handler(msg) {
			return
		}
	}
}

// handleError classifies an error message and, when permitted, runs a
// recovery attempt.
func (w *BusWatcher) handleError(ctx context.Context, msg *graph.Message) {
	if msg.Err == nil || w.cfg.Recover == nil || w.cfg.Recovery == nil {
		return
	}
	cls := w.cfg.Classifier.Classify(msg.Err)
	if !cls.Retryable() {
		w.logEvent("error_not_retryable", msg, cls)
		return
	}
	if w.cfg.Breaker != nil && !w.cfg.Breaker.ShouldAllowRequest() {
		w.logEvent("recovery_rejected_by_breaker", msg, cls)
		return
	}

	delay, ok := w.cfg.Recovery.StartRecovery()
	if !ok {
		w.logEvent("recovery_exhausted", msg, cls)
		return
	}
	if err := w.cfg.Recovery.WaitContext(ctx, delay); err != nil {
		return
	}

	if err := w.cfg.Recover(msg.Source, cls); err != nil {
		w.cfg.Recovery.MarkFailed(err.Error())
		if w.cfg.Breaker != nil {
			w.cfg.Breaker.RecordFailure(err.Error())
		}
		w.logEvent("recovery_failed", msg, cls)
		return
	}
	w.cfg.Recovery.MarkRecovered()
	if w.cfg.Breaker != nil {
		w.cfg.Breaker.RecordSuccess()
	}
	w.logEvent("recovery_succeeded", msg, cls)
}

func (w *BusWatcher) logEvent(event string, msg *graph.Message, cls errclass.Classification) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Info("bus_event",
			"event", event,
			"source", msg.Source,
			"error", msg.Err.Error(),
			"category", cls.Category.String(),
			"action", cls.Action.String(),
		)
	}
}
