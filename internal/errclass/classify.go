// SPDX-License-Identifier: MIT

package errclass

import (
	"strings"
	"sync"
	"time"
)

// Severity grades how serious a classified error is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityRecoverable
	SeverityCritical
	SeverityFatal
)

// String returns the string representation of Severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Category groups classified errors by origin.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryCodec
	CategoryPipeline
	CategoryResource
	CategoryHardware
)

// String returns the string representation of Category.
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryPipeline:
		return "pipeline"
	case CategoryResource:
		return "resource"
	case CategoryHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// Persistence states whether a retry can help.
type Persistence int

const (
	PersistenceTransient Persistence = iota
	PersistencePermanent
)

// Action is the recommended recovery response.
type Action int

const (
	ActionRetryNow Action = iota
	ActionRetryWithBackoff
	ActionReconnect
	ActionResetElement
	ActionRestartPipeline
	ActionFailSource
	ActionNoRecovery
)

// String returns the string representation of Action.
func (a Action) String() string {
	switch a {
	case ActionRetryNow:
		return "retry-now"
	case ActionRetryWithBackoff:
		return "retry-with-backoff"
	case ActionReconnect:
		return "reconnect"
	case ActionResetElement:
		return "reset-element"
	case ActionRestartPipeline:
		return "restart-pipeline"
	case ActionFailSource:
		return "fail-source"
	case ActionNoRecovery:
		return "no-recovery"
	default:
		return "unknown"
	}
}

// Classification is the full verdict for one error.
type Classification struct {
	Severity    Severity
	Category    Category
	Persistence Persistence
	Action      Action
	// InitialDelay seeds the backoff when Action is RetryWithBackoff.
	InitialDelay time.Duration
	Description  string
}

// Retryable reports whether the recommended action involves retrying.
func (c Classification) Retryable() bool {
	switch c.Action {
	case ActionRetryNow, ActionRetryWithBackoff, ActionReconnect:
		return true
	}
	return false
}

// Classifier maps error text substrings to classifications, with
// per-kind defaults when no pattern matches. Custom patterns may be
// added at runtime.
type Classifier struct {
	mu       sync.RWMutex
	patterns map[string]Classification
}

// NewClassifier creates a classifier seeded with the built-in pattern
// table.
func NewClassifier() *Classifier {
	c := &Classifier{patterns: make(map[string]Classification, 16)}

	c.addLocked("connection refused", Classification{
		Severity: SeverityRecoverable, Category: CategoryNetwork,
		Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
		InitialDelay: time.Second, Description: "Network connection refused",
	})
	c.addLocked("timeout", Classification{
		Severity: SeverityRecoverable, Category: CategoryNetwork,
		Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
		InitialDelay: 500 * time.Millisecond, Description: "Network timeout",
	})
	c.addLocked("host not found", Classification{
		Severity: SeverityCritical, Category: CategoryNetwork,
		Persistence: PersistencePermanent, Action: ActionNoRecovery,
		Description: "Host not found",
	})
	c.addLocked("rtsp", Classification{
		Severity: SeverityRecoverable, Category: CategoryNetwork,
		Persistence: PersistenceTransient, Action: ActionReconnect,
		Description: "RTSP stream error",
	})
	c.addLocked("decoder", Classification{
		Severity: SeverityRecoverable, Category: CategoryCodec,
		Persistence: PersistenceTransient, Action: ActionResetElement,
		Description: "Decoder error",
	})
	c.addLocked("not-negotiated", Classification{
		Severity: SeverityCritical, Category: CategoryCodec,
		Persistence: PersistencePermanent, Action: ActionRestartPipeline,
		Description: "Caps negotiation failed",
	})
	c.addLocked("file not found", Classification{
		Severity: SeverityCritical, Category: CategoryResource,
		Persistence: PersistencePermanent, Action: ActionFailSource,
		Description: "File not found",
	})
	c.addLocked("out of memory", Classification{
		Severity: SeverityFatal, Category: CategoryResource,
		Persistence: PersistencePermanent, Action: ActionNoRecovery,
		Description: "Out of memory",
	})
	c.addLocked("state change", Classification{
		Severity: SeverityRecoverable, Category: CategoryPipeline,
		Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
		InitialDelay: 100 * time.Millisecond, Description: "Pipeline state change error",
	})
	c.addLocked("pad linking", Classification{
		Severity: SeverityCritical, Category: CategoryPipeline,
		Persistence: PersistencePermanent, Action: ActionRestartPipeline,
		Description: "Pad linking failed",
	})
	return c
}

func (c *Classifier) addLocked(pattern string, cls Classification) {
	c.patterns[pattern] = cls
}

// AddPattern registers a custom substring pattern at runtime.
func (c *Classifier) AddPattern(pattern string, cls Classification) {
	c.mu.Lock()
	c.patterns[strings.ToLower(pattern)] = cls
	c.mu.Unlock()
}

// Classify maps an error to a classification: pattern match first, then
// a per-kind default.
func (c *Classifier) Classify(err error) Classification {
	text := strings.ToLower(err.Error())

	c.mu.RLock()
	for pattern, cls := range c.patterns {
		if strings.Contains(text, pattern) {
			c.mu.RUnlock()
			return cls
		}
	}
	c.mu.RUnlock()

	return defaultFor(KindOf(err))
}

// defaultFor returns the per-kind default classification.
func defaultFor(kind Kind) Classification {
	switch kind {
	case KindGraphFailure:
		return Classification{
			Severity: SeverityRecoverable, Category: CategoryPipeline,
			Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
			InitialDelay: 500 * time.Millisecond, Description: "Graph error",
		}
	case KindStateChange:
		return Classification{
			Severity: SeverityRecoverable, Category: CategoryPipeline,
			Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
			InitialDelay: 200 * time.Millisecond, Description: "State change error",
		}
	case KindPadLinking, KindPadNotFound:
		return Classification{
			Severity: SeverityCritical, Category: CategoryPipeline,
			Persistence: PersistencePermanent, Action: ActionRestartPipeline,
			Description: "Pad error",
		}
	case KindTimeout:
		return Classification{
			Severity: SeverityRecoverable, Category: CategoryNetwork,
			Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
			InitialDelay: time.Second, Description: "Timeout error",
		}
	case KindIo:
		return Classification{
			Severity: SeverityRecoverable, Category: CategoryResource,
			Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
			InitialDelay: 500 * time.Millisecond, Description: "IO error",
		}
	case KindElementCreation, KindBackendNotAvailable:
		return Classification{
			Severity: SeverityCritical, Category: CategoryPipeline,
			Persistence: PersistencePermanent, Action: ActionNoRecovery,
			Description: "Element or backend unavailable",
		}
	case KindConfiguration:
		return Classification{
			Severity: SeverityCritical, Category: CategoryResource,
			Persistence: PersistencePermanent, Action: ActionNoRecovery,
			Description: "Configuration error",
		}
	case KindResourceLimit:
		return Classification{
			Severity: SeverityCritical, Category: CategoryResource,
			Persistence: PersistencePermanent, Action: ActionFailSource,
			Description: "Resource limit reached",
		}
	default:
		return Classification{
			Severity: SeverityWarning, Category: CategoryUnknown,
			Persistence: PersistenceTransient, Action: ActionRetryWithBackoff,
			InitialDelay: time.Second, Description: "Unknown error",
		}
	}
}

// IsRetryable reports whether err's classification recommends a retry.
func (c *Classifier) IsRetryable(err error) bool {
	return c.Classify(err).Retryable()
}

// RetryDelay returns the recommended initial delay before retrying, or
// ok=false when the action does not involve a retry.
func (c *Classifier) RetryDelay(err error) (time.Duration, bool) {
	cls := c.Classify(err)
	switch cls.Action {
	case ActionRetryNow:
		return 0, true
	case ActionRetryWithBackoff:
		return cls.InitialDelay, true
	case ActionReconnect:
		return time.Second, true
	}
	return 0, false
}

// defaultClassifier is the module-level convenience instance,
// one-shot initialized and never mutated afterwards.
var defaultClassifier = sync.OnceValue(NewClassifier)

// Classify classifies err using the default classifier.
func Classify(err error) Classification {
	return defaultClassifier().Classify(err)
}

// IsRetryable reports retryability using the default classifier.
func IsRetryable(err error) bool {
	return defaultClassifier().IsRetryable(err)
}
