// Package errorkind enumerates the error classification scheme the
// connection controller and its callers use to decide how to react to
// a failure: retry with backoff, reset and resubscribe, wait for a new
// token, or disconnect and surface. See spec §7.
package errorkind

import "fmt"

// Kind is a comparable classification of an engine-level failure.
type Kind string

const (
	Internal                       Kind = "INTERNAL"
	AuthRequired                   Kind = "AUTH_REQUIRED"
	AuthExpired                    Kind = "AUTH_EXPIRED"
	BehindWindow                   Kind = "BEHIND_WINDOW"
	ConnectionCancelledByDisconnect Kind = "CONNECTION_CANCELLED_BY_DISCONNECT"
	TableNotFound                  Kind = "TABLE_NOT_FOUND"
	SubscriptionAlreadyExists      Kind = "SUBSCRIPTION_ALREADY_EXISTS"
	FKViolation                    Kind = "FK_VIOLATION"
	ShapeDeliveryError             Kind = "SHAPE_DELIVERY_ERROR"
)

// Error wraps a Kind with a human-readable message and an optional
// underlying cause, so callers can both switch on Kind and unwrap with
// errors.Is/errors.As for the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, errorkind.New(Kind, "")) to match purely on
// Kind, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ek, ok := err.(*Error); ok {
			e = ek
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Internal
	}
	return e.Kind
}

// Transient reports whether errors of this kind should be retried with
// backoff rather than surfaced immediately. Per §7: transient I/O
// errors retry; the listed protocol-level kinds have their own
// dedicated handling and are not blindly retried.
func (k Kind) Transient() bool {
	switch k {
	case BehindWindow, AuthExpired, AuthRequired, ConnectionCancelledByDisconnect,
		FKViolation, SubscriptionAlreadyExists, TableNotFound, ShapeDeliveryError:
		return false
	default:
		return true
	}
}
