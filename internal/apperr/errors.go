// Package apperr provides the error-kind taxonomy shared across the
// controlplane: every error that crosses a component boundary is
// classified into one of a small set of kinds so callers (retry
// scheduler, health supervisor, admin HTTP surface) can branch on
// behavior instead of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the remediation it implies.
type Kind string

const (
	KindTransientNetwork  Kind = "TRANSIENT_NETWORK"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindValidationFailure Kind = "VALIDATION_FAILURE"
	KindTimeout           Kind = "TIMEOUT"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindFatal             Kind = "FATAL"
)

// Error is an application error carrying a Kind and an optional wrapped
// cause, so errors.Is/errors.As can classify errors produced deep inside
// store, lifecycle or listener code without those packages importing one
// another.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func TransientNetwork(message string, err error) *Error {
	return newErr(KindTransientNetwork, message, err)
}

func NotFound(resource, id string) *Error {
	return newErr(KindNotFound, fmt.Sprintf("%s %q not found", resource, id), nil)
}

func Conflict(message string) *Error {
	return newErr(KindConflict, message, nil)
}

func ValidationFailure(field, message string) *Error {
	return newErr(KindValidationFailure, fmt.Sprintf("%s: %s", field, message), nil)
}

func Timeout(message string, err error) *Error {
	return newErr(KindTimeout, message, err)
}

func ResourceExhausted(message string) *Error {
	return newErr(KindResourceExhausted, message, nil)
}

func Fatal(message string, err error) *Error {
	return newErr(KindFatal, message, err)
}

// Wrap attaches context to err, preserving its Kind if it already has one.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Message: fmt.Sprintf("%s: %s", message, ae.Message), Err: err}
	}
	return &Error{Kind: KindFatal, Message: message, Err: err}
}

// Is reports whether err (or something it wraps) is classified as kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether the retry scheduler should attempt another
// run for an error of this kind.
func Retryable(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Kind {
	case KindTransientNetwork, KindTimeout, KindResourceExhausted:
		return true
	default:
		return false
	}
}
