// Package kilnerr defines the uniform error kind surfaced across package
// boundaries and over the wire. Internal errors (bbolt, msgpack, argon2,
// …) are converted to a *Error before they leave the package that produced
// them; nothing but a Kind and a message ever crosses into pkg/wire or
// pkg/client.
package kilnerr

import "fmt"

// Kind enumerates the error categories a caller can match on.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindInvalidName      Kind = "invalid_name"
	KindPermissionDenied Kind = "permission_denied"
	KindUnauthenticated  Kind = "unauthenticated"
	KindDatabase         Kind = "database"
	KindIO               Kind = "io"
	KindDisconnected     Kind = "disconnected"
	KindInternal         Kind = "internal"
)

// Error is the structured error kind that crosses every package and wire
// boundary in kiln.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a *Error carrying cause, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
