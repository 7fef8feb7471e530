package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures surfaced by the core. A Kind is itself an error
// so callers can test with errors.Is(err, plugins.NotFound).
type Kind string

const (
	NotFound          Kind = "not found"
	IntegrityFailure  Kind = "integrity failure"
	SignatureFailure  Kind = "signature failure"
	StateConflict     Kind = "state conflict"
	TransportFailure  Kind = "transport failure"
	ValidationFailure Kind = "validation failure"
)

func (k Kind) Error() string {
	return string(k)
}

// Error is the structured error returned across package boundaries
type Error struct {
	Kind    Kind
	Op      string
	ID      string
	Message string
	Err     error
}

// Errorf builds an Error with a formatted message
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to a cause
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if format != "" {
		e.Message = fmt.Sprintf(format, args...)
	}
	return e
}

// WithID returns the error tagged with a plugin or task id
func (e *Error) WithID(id string) *Error {
	e.ID = id
	return e
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.ID != "" {
		parts = append(parts, e.ID)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target against the error's kind
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the outermost *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a NotFound failure
func IsNotFound(err error) bool {
	return errors.Is(err, NotFound)
}

// IsIntegrityFailure reports whether err is a checksum or size mismatch
func IsIntegrityFailure(err error) bool {
	return errors.Is(err, IntegrityFailure)
}

// IsSignatureFailure reports whether err is a signature failure
func IsSignatureFailure(err error) bool {
	return errors.Is(err, SignatureFailure)
}

// IsStateConflict reports whether err is a state conflict
func IsStateConflict(err error) bool {
	return errors.Is(err, StateConflict)
}

// IsTransportFailure reports whether err is a network failure
func IsTransportFailure(err error) bool {
	return errors.Is(err, TransportFailure)
}

// IsValidationFailure reports whether err is a validation failure
func IsValidationFailure(err error) bool {
	return errors.Is(err, ValidationFailure)
}
