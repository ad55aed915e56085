// Package apperr defines the error kinds surfaced by analysis operations.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidParameter    Kind = "invalid_parameter"
	KindInternal            Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports missing ledger data for the requested object.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Upstream reports that the ledger index could not be reached.
func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Message: "ledger index unavailable", Err: err}
}

// Invalid reports a rejected request parameter.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidParameter, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsUpstream reports whether err is an upstream-unavailable error.
func IsUpstream(err error) bool {
	return err != nil && KindOf(err) == KindUpstreamUnavailable
}

// Message returns the message of the first *Error in err's chain without
// its Op prefix, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}
