package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and wire mapping.
type Kind string

const (
	InvalidInput          Kind = "invalid_input"
	Unauthenticated       Kind = "unauthenticated"
	Forbidden             Kind = "forbidden"
	NotFound              Kind = "not_found"
	Conflict              Kind = "conflict"
	InsufficientFunds     Kind = "insufficient_funds"
	CurrencyMismatch      Kind = "currency_mismatch"
	DuplicateOperation    Kind = "duplicate_operation"
	DependencyUnavailable Kind = "dependency_unavailable"
	TransientConflict     Kind = "transient_conflict"
	Expired               Kind = "expired"
	RateLimited           Kind = "rate_limited"
	Fatal                 Kind = "fatal"
)

// Error is the structured error payload surfaced to callers. User-facing
// responses reveal Kind and Message only; Context stays server-side.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.wrapped
}

// E builds an *Error. Context pairs are alternating key, value.
func E(kind Kind, message string, kv ...any) *Error {
	err := &Error{Kind: kind, Message: message}
	if len(kv) > 0 {
		err.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				k = fmt.Sprint(kv[i])
			}
			err.Context[k] = kv[i+1]
		}
	}
	return err
}

// Wrap attaches a cause while keeping the structured surface.
func Wrap(kind Kind, message string, cause error, kv ...any) *Error {
	err := E(kind, message, kv...)
	err.wrapped = cause
	return err
}

// KindOf extracts the Kind from any error; unknown errors are Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether the caller should retry locally.
func Retriable(err error) bool {
	return Is(err, TransientConflict)
}
