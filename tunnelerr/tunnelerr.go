// Package tunnelerr defines the structured error type used across the
// server and client halves of the tunnel so callers can branch on a
// stable Code rather than matching error strings.
package tunnelerr

import (
	"errors"
	"fmt"
)

// Component identifies which half of the tunnel raised the error.
type Component string

const (
	ComponentServer Component = "server"
	ComponentClient Component = "client"
)

// Stage identifies which step of request/connection handling failed.
type Stage string

const (
	StageDial      Stage = "dial"
	StageAuth      Stage = "auth"
	StageAttach    Stage = "attach"
	StageDispatch  Stage = "dispatch"
	StageForward   Stage = "forward"
	StageStream    Stage = "stream"
	StageWSUpgrade Stage = "ws_upgrade"
	StageCompress  Stage = "compress"
	StageCache     Stage = "cache"
	StageShutdown  Stage = "shutdown"
)

// Code is a stable, programmatic identifier for a failure condition.
type Code string

const (
	CodeTimeout             Code = "timeout"
	CodeCanceled            Code = "canceled"
	CodeInvalidInput        Code = "invalid_input"
	CodeUnauthorized        Code = "unauthorized"
	CodeSubdomainTaken      Code = "subdomain_taken"
	CodeSubdomainUnknown    Code = "subdomain_unknown"
	CodeNoActiveTunnel      Code = "no_active_tunnel"
	CodeLoopbackUnreachable Code = "loopback_unreachable"
	CodeUpstreamGone        Code = "upstream_gone"
	CodeProtocolViolation   Code = "protocol_violation"
	CodeMalformedFrame      Code = "malformed_frame"
	CodeTooLarge            Code = "too_large"
)

// Error is a structured, wrapped error carrying a stable Code so callers
// can branch on failure kind (e.g. to pick an HTTP status) without
// parsing messages.
type Error struct {
	Component Component
	Stage     Stage
	Code      Code
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Component, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Component, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error. err may be nil for cases that have no
// underlying cause (e.g. a validation rejection).
func Wrap(component Component, stage Stage, code Code, err error) error {
	return &Error{Component: component, Stage: stage, Code: code, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Code, true
}
