// SPDX-License-Identifier: MIT

package backend

import (
	"log/slog"
	"sync"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/platform"
)

// detectOnce caches the availability verdict after the first probe.
var (
	detectOnce sync.Once
	detected   Kind
)

// DetectKind returns the best available backend kind, caching the
// verdict: Accelerated when native elements and accelerator hardware
// are present, Software when the standard element set is registered,
// Mock otherwise.
func DetectKind() Kind {
	detectOnce.Do(func() {
		detected = detectKind(platform.Detect())
	})
	return detected
}

// detectKind is the uncached probe, separated for tests.
func detectKind(plat platform.Info) Kind {
	if AcceleratedAvailable(plat) {
		return KindAccelerated
	}
	if SoftwareAvailable() {
		return KindSoftware
	}
	return KindMock
}

// Manager owns the selected backend and the platform description.
type Manager struct {
	backend Backend
	plat    platform.Info
}

// NewManager detects and creates the best available backend. logger
// may be nil.
func NewManager(logger *slog.Logger) (*Manager, error) {
	return NewManagerWithKind(DetectKind(), logger)
}

// NewManagerWithKind creates a manager for an explicit backend kind.
func NewManagerWithKind(kind Kind, logger *slog.Logger) (*Manager, error) {
	plat := platform.Detect()

	var (
		b   Backend
		err error
	)
	switch kind {
	case KindAccelerated:
		b, err = NewAcceleratedBackend(plat, logger)
	case KindSoftware:
		if !SoftwareAvailable() {
			return nil, errclass.New(errclass.KindBackendNotAvailable, "software element set not registered")
		}
		b = NewSoftwareBackend(logger)
	case KindMock:
		b = NewMockBackend()
	default:
		return nil, errclass.New(errclass.KindBackendNotAvailable, "unknown backend kind %v", kind)
	}
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("backend initialized", "backend", b.Kind().String(), "platform", plat.Class.String())
	}
	return &Manager{backend: b, plat: plat}, nil
}

// Backend returns the selected backend.
func (m *Manager) Backend() Backend { return m.backend }

// Platform returns the platform description.
func (m *Manager) Platform() platform.Info { return m.plat }

// Capabilities returns the selected backend's capabilities.
func (m *Manager) Capabilities() Capabilities { return m.backend.Capabilities() }

// Kind returns the selected backend's kind.
func (m *Manager) Kind() Kind { return m.backend.Kind() }
