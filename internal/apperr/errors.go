// Package apperr is the error taxonomy shared by the registry and the session
// protocol. Every error a command can produce maps onto one Kind, which the
// session renders as a single ERROR line.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindValidation
	KindAuthorization
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "AUTHENTICATION"
	case KindValidation:
		return "VALIDATION"
	case KindAuthorization:
		return "AUTHORIZATION"
	case KindConflict:
		return "CONFLICT"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

func newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) error {
	return newf(KindAuthentication, format, args...)
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

func Authorization(format string, args ...any) error {
	return newf(KindAuthorization, format, args...)
}

func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }

func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

// KindOf unwraps err looking for an *Error. Anything else is KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client-facing text of err without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
