// SPDX-License-Identifier: MIT

// Package supervisor runs long-lived services under a suture
// supervision tree: failed services restart with suture's backoff, and
// shutdown is coordinated with a timeout.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is a supervised unit of work. Serve blocks until ctx is
// cancelled or the service fails; a failure triggers a supervised
// restart.
type Service interface {
	Serve(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

// Serve implements Service.
func (f ServiceFunc) Serve(ctx context.Context) error { return f(ctx) }

// Config tunes the supervision tree.
type Config struct {
	// ShutdownTimeout bounds the graceful-stop wait. Default 10 s.
	ShutdownTimeout time.Duration

	// FailureThreshold and FailureBackoff tune suture's restart
	// throttling; zero values keep suture defaults.
	FailureThreshold float64
	FailureBackoff   time.Duration

	Logger *slog.Logger
}

// Status describes one registered service.
type Status struct {
	Name     string
	Running  bool
	Restarts int
}

// namedService tags a service so suture events map back to names.
type namedService struct {
	name string
	svc  Service
}

func (s *namedService) Serve(ctx context.Context) error { return s.svc.Serve(ctx) }
func (s *namedService) String() string                  { return s.name }

// Supervisor is a named-service wrapper over suture/v4.
type Supervisor struct {
	cfg  Config
	tree *suture.Supervisor

	mu       sync.Mutex
	tokens   map[string]suture.ServiceToken
	restarts map[string]int
	running  bool
}

// New creates a supervisor tree named name.
func New(name string, cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Supervisor{
		cfg:      cfg,
		tokens:   make(map[string]suture.ServiceToken),
		restarts: make(map[string]int),
	}

	spec := suture.Spec{
		EventHook: func(ev suture.Event) {
			s.onEvent(ev)
		},
	}
	if cfg.FailureThreshold > 0 {
		spec.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.FailureBackoff > 0 {
		spec.FailureBackoff = cfg.FailureBackoff
	}
	s.tree = suture.New(name, spec)
	return s
}

// onEvent counts restarts and logs supervision events.
func (s *Supervisor) onEvent(ev suture.Event) {
	if ev.Type() == suture.EventTypeServiceTerminate {
		if m := ev.Map(); m != nil {
			if name, ok := m["service_name"].(string); ok {
				s.mu.Lock()
				s.restarts[name]++
				s.mu.Unlock()
			}
		}
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("supervisor_event", "event", ev.String())
	}
}

// Add registers a named service. Adding a duplicate name fails. When
// the tree is already serving, the service starts immediately.
func (s *Supervisor) Add(name string, svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	token := s.tree.Add(&namedService{name: name, svc: svc})
	s.tokens[name] = token
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("service added", "service", name)
	}
	return nil
}

// Remove stops and unregisters a service by name.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	token, ok := s.tokens[name]
	if ok {
		delete(s.tokens, name)
		delete(s.restarts, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %q not found", name)
	}
	if err := s.tree.Remove(token); err != nil {
		return fmt.Errorf("removing service %q: %w", name, err)
	}
	return nil
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Statuses lists the registered services.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tokens))
	for name := range s.tokens {
		out = append(out, Status{
			Name:     name,
			Running:  s.running,
			Restarts: s.restarts[name],
		})
	}
	return out
}

// Run serves the tree until ctx is cancelled, then waits for services
// to stop up to the shutdown timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	errCh := s.tree.ServeBackground(ctx)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Context cancelled: wait for the tree to drain.
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return errors.New("shutdown timeout exceeded")
	}
}
