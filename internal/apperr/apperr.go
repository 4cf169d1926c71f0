// Package apperr defines the error taxonomy shared by the scheduling services.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindStoreFailure Kind = "store_failure"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
)

// Storage sentinels. Stores return these (possibly wrapped); services
// translate them into typed errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrSessionOverlap = errors.New("session overlaps an existing session")
	ErrStaleState     = errors.New("state changed concurrently")
)

// Error is a classified failure of one operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a detail entry and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return newf(KindConflict, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return newf(KindInvalidState, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	e := newf(KindNotFound, op, format, args...)
	e.Err = ErrNotFound
	return e
}

func Forbidden(op, format string, args ...any) *Error {
	return newf(KindForbidden, op, format, args...)
}

// Store wraps a persistence fault.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStoreFailure, Op: op, Message: "store failure", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func IsValidation(err error) bool   { return IsKind(err, KindValidation) }
func IsConflict(err error) bool     { return IsKind(err, KindConflict) }
func IsInvalidState(err error) bool { return IsKind(err, KindInvalidState) }
func IsStoreFailure(err error) bool { return IsKind(err, KindStoreFailure) }
func IsNotFound(err error) bool     { return IsKind(err, KindNotFound) || errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool    { return IsKind(err, KindForbidden) }
