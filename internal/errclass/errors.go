// SPDX-License-Identifier: MIT

// Package errclass defines the error taxonomy used across KestrelVision
// and the pattern-based classifier that maps errors to recovery
// decisions.
//
// Errors carry a Kind (what part of the system failed) and wrap their
// cause, staying compatible with errors.Is/errors.As. The classifier
// maps lower-cased error text to a Classification tuple of severity,
// category, persistence, and recommended recovery action; per-kind
// defaults apply when no pattern matches.
package errclass

import (
	"errors"
	"fmt"
)

// Kind identifies the failing subsystem of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindGraphFailure
	KindStateChange
	KindPadLinking
	KindPadNotFound
	KindElementCreation
	KindBackendNotAvailable
	KindConfiguration
	KindResourceLimit
	KindTimeout
	KindIo
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindGraphFailure:
		return "graph-failure"
	case KindStateChange:
		return "state-change"
	case KindPadLinking:
		return "pad-linking"
	case KindPadNotFound:
		return "pad-not-found"
	case KindElementCreation:
		return "element-creation"
	case KindBackendNotAvailable:
		return "backend-not-available"
	case KindConfiguration:
		return "configuration"
	case KindResourceLimit:
		return "resource-limit"
	case KindTimeout:
		return "timeout"
	case KindIo:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a kinded error wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}
