// Package ferrors defines the error taxonomy every component classifies its
// failures into, so the gateway's single translation layer and the
// supervisor's health reporting can react by kind rather than by string
// matching or type-switching on concrete error values.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is one of the five error categories the core distinguishes.
type Kind int

const (
	// TransientIO covers broker publish, DB write, and serial read
	// failures: retry with capped exponential backoff, surface as
	// component degraded after 30s of sustained failure.
	TransientIO Kind = iota
	// MalformedInput covers radar frame parse failures and unknown broker
	// schemas: drop + counter, never fail the component.
	MalformedInput
	// Resource covers DB pool exhaustion and a full spill buffer:
	// oldest-drop policy + counter.
	Resource
	// Fatal covers invalid startup config and a PK collision with a
	// conflicting payload: log and the supervisor shuts the process down.
	Fatal
	// ClientError covers HTTP query validation failures: 4xx response, no
	// component state change.
	ClientError
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case MalformedInput:
		return "malformed_input"
	case Resource:
		return "resource"
	case Fatal:
		return "fatal"
	case ClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged wrapped error.
type Error struct {
	Kind  Kind
	Where string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Where, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy-tagged error. where is a short component/call
// site tag (e.g. "radarreader.parse", "store.flush") that Error() includes,
// so it appears in logs and in the gateway's JSON error body.
func New(kind Kind, where string, err error) *Error {
	return &Error{Kind: kind, Where: where, Err: err}
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
