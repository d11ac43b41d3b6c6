// Package errs defines the error taxonomy shared by the schema catalog, records
// and the record collection.
//
// Every failure surfaced by the core is an *Error carrying a Kind. Callers
// match on kinds with errors.Is against the sentinels below:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/csmclient/ports"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBackendUnavailable
	KindNotFound
	KindTypeMismatch
	KindReadOnlyViolation
	KindValidationError
	KindUnknownFieldType
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindBackendUnavailable: "backend unavailable",
	KindNotFound:           "not found",
	KindTypeMismatch:       "type mismatch",
	KindReadOnlyViolation:  "read-only violation",
	KindValidationError:    "validation error",
	KindUnknownFieldType:   "unknown field type",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is matching.
var (
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrTypeMismatch       = &Error{Kind: KindTypeMismatch}
	ErrReadOnlyViolation  = &Error{Kind: KindReadOnlyViolation}
	ErrValidation         = &Error{Kind: KindValidationError}
	ErrUnknownFieldType   = &Error{Kind: KindUnknownFieldType}
)

// Error is a classified core failure.
type Error struct {
	Op      string // operation, e.g. "record.set"
	Kind    Kind
	Field   string // field name, if any
	Message string
	Err     error // underlying cause, if any
}

// E builds an *Error.
func E(op string, kind Kind, field, msg string) *Error {
	return &Error{Op: op, Kind: kind, Field: field, Message: msg}
}

// Wrap builds an *Error with an underlying cause.
func Wrap(op string, kind Kind, field string, err error) *Error {
	return &Error{Op: op, Kind: kind, Field: field, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q)", e.Field)
	}
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

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromBackend translates an error returned by a ports.Backend into the core
// taxonomy. Backend sentinels take precedence; other classified errors pass
// through unchanged and anything else is treated as an unreachable registry.
func FromBackend(op, fieldName string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ports.ErrNotFound),
		errors.Is(err, ports.ErrInvalidHandle),
		errors.Is(err, ports.ErrEndOfFields):
		return Wrap(op, KindNotFound, fieldName, err)
	case errors.Is(err, ports.ErrInvalid):
		return Wrap(op, KindValidationError, fieldName, err)
	case errors.Is(err, ports.ErrUnavailable):
		return Wrap(op, KindBackendUnavailable, fieldName, err)
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(op, KindBackendUnavailable, fieldName, err)
}
