// Package gwerrors defines the gateway's error taxonomy: a small set of
// sentinel kinds every caller-facing failure is classified under, so
// the Protocol Edge can render a uniform tool-error shape without
// inspecting component-specific error types.
package gwerrors

import "errors"

// Kind classifies a gateway error for rendering and metrics.
type Kind string

const (
	KindConfigError     Kind = "config_error"
	KindSpawnFailed     Kind = "spawn_failed"
	KindHandshakeFailed Kind = "handshake_failed"
	KindTimeout         Kind = "timeout"
	KindNoRoute         Kind = "no_route"
	KindNotVisible      Kind = "not_visible"
	KindRoleNotFound    Kind = "role_not_found"
	KindBackendError    Kind = "backend_error"
	KindShutdown        Kind = "shutdown"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// As extracts the Kind of err, if it (or something it wraps) is an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}
