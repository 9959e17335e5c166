// Package driverrors classifies driver failures into the kinds the rest
// of the core acts on: protocol framing faults, authentication and
// security failures at handshake time, client- and transient-errors
// reported by the server, and the two derived signals
// (SessionExpired, ServiceUnavailable) that drive routing-table and
// pool mutation.
package driverrors

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the taxonomy from the core's error handling
// design. Callers classify with Is rather than matching on a specific
// sentinel.
type Kind int

const (
	// Unknown is the zero value; never constructed deliberately.
	Unknown Kind = iota
	// Protocol covers bad markers, bad field counts, unexpected structs
	// at value position, and malformed chunk headers. Not retried; the
	// connection is closed.
	Protocol
	// Authentication covers a FAILURE received during INIT whose code
	// indicates an auth problem. Not retried; propagated.
	Authentication
	// Security covers handshake/version-negotiation failures.
	// Propagated.
	Security
	// Client covers a server-reported client-side fault (bad query,
	// wrong access mode). Propagated; the connection stays usable after
	// ACK_FAILURE.
	Client
	// Transient covers a server request to retry. Propagated to the
	// caller; the core never retries these itself.
	Transient
	// SessionExpired is a derived signal meaning the connection's host
	// is no longer suitable for the requested role.
	SessionExpired
	// ServiceUnavailable means no server in the required role could be
	// reached after exhausting routers and seeds.
	ServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Authentication:
		return "authentication"
	case Security:
		return "security"
	case Client:
		return "client"
	case Transient:
		return "transient"
	case SessionExpired:
		return "session_expired"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Error is the core's error type: a Kind plus a human message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Protocolf builds a Protocol error.
func Protocolf(format string, args ...any) *Error {
	return newf(Protocol, nil, format, args...)
}

// WrapProtocol builds a Protocol error wrapping cause.
func WrapProtocol(cause error, format string, args ...any) *Error {
	return newf(Protocol, cause, format, args...)
}

// Authenticationf builds an Authentication error.
func Authenticationf(format string, args ...any) *Error {
	return newf(Authentication, nil, format, args...)
}

// Securityf builds a Security error.
func Securityf(format string, args ...any) *Error {
	return newf(Security, nil, format, args...)
}

// Clientf builds a Client error.
func Clientf(format string, args ...any) *Error {
	return newf(Client, nil, format, args...)
}

// Transientf builds a Transient error.
func Transientf(format string, args ...any) *Error {
	return newf(Transient, nil, format, args...)
}

// SessionExpiredf builds a SessionExpired error.
func SessionExpiredf(format string, args ...any) *Error {
	return newf(SessionExpired, nil, format, args...)
}

// WrapSessionExpired builds a SessionExpired error wrapping cause.
func WrapSessionExpired(cause error, format string, args ...any) *Error {
	return newf(SessionExpired, cause, format, args...)
}

// ServiceUnavailablef builds a ServiceUnavailable error.
func ServiceUnavailablef(format string, args ...any) *Error {
	return newf(ServiceUnavailable, nil, format, args...)
}

// Is reports whether err is, or wraps, a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is, or wraps, a *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return Unknown, false
}
