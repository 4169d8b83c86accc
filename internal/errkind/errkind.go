// Package errkind gives the orchestrator's error taxonomy a
// sentinel-comparable shape: a small Kind enum plus a wrapping Error type, so
// callers can recover "is this CapacityExhausted or InvalidPlan" with
// errors.As instead of scraping a string prefix.
package errkind

import (
	"errors"
	"fmt"
)

// Kind names a class of failure with a distinct recovery policy.
type Kind string

const (
	TransientExternal          Kind = "TransientExternal"
	PermanentExternal          Kind = "PermanentExternal"
	CapacityExhausted          Kind = "CapacityExhausted"
	InvalidInput               Kind = "InvalidInput"
	InvalidPlan                Kind = "InvalidPlan"
	QualityBelowThreshold      Kind = "QualityBelowThreshold"
	DeadlineExceeded           Kind = "DeadlineExceeded"
	Cancelled                  Kind = "Cancelled"
	InternalInvariantViolation Kind = "InternalInvariantViolation"
)

// Error wraps an underlying cause with a taxonomy Kind. Its Error() string
// keeps the "Kind: detail" format call sites already produced by hand, so
// existing log lines and status strings are unaffected.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New builds a Kind-tagged error from a message alone.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is, or wraps, an *Error tagged with kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Of extracts the Kind from err, ok=false if err carries none.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
