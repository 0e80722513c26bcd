// Package chserr implements the error taxonomy of the Real-Time Channel
// Server as plain Go errors (sentinel kinds wrapped with context), since the
// source language's exception-based propagation has no direct analogue here.
package chserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the Frame Router's envelope conversion.
type Kind int

const (
	KindProtocolViolation Kind = iota
	KindUnauthenticated
	KindUnauthorized
	KindNotFound
	KindCapacityExhausted
	KindAuthMalformed
	KindAuthBadSignature
	KindAuthExpired
	KindAuthProfileNotFound
	KindTaskTimeout
	KindTaskCrash
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindCapacityExhausted:
		return "CapacityExhausted"
	case KindAuthMalformed:
		return "AuthError.Malformed"
	case KindAuthBadSignature:
		return "AuthError.BadSignature"
	case KindAuthExpired:
		return "AuthError.Expired"
	case KindAuthProfileNotFound:
		return "AuthError.ProfileNotFound"
	case KindTaskTimeout:
		return "TaskTimeout"
	case KindTaskCrash:
		return "TaskCrash"
	case KindPersistence:
		return "PersistenceError"
	default:
		return "Unknown"
	}
}

// StatusMarker returns the HTTP-semantic status marker the spec associates
// with each error kind, used in virtual-HTTP api_error envelopes.
func (k Kind) StatusMarker() int {
	switch k {
	case KindUnauthenticated:
		return 401
	case KindUnauthorized:
		return 403
	case KindNotFound:
		return 404
	default:
		return 400
	}
}

// Error wraps a Kind with a human-readable message and an optional cause.
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

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As is a thin wrapper over errors.As for extracting a *Error from an error
// chain, so callers don't need to import both packages.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

var (
	ErrProtocolViolation = New(KindProtocolViolation, "malformed frame")
	ErrUnauthenticated   = New(KindUnauthenticated, "no active session")
	ErrCapacityExhausted = New(KindCapacityExhausted, "shared table at capacity")
)
