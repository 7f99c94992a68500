package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/rpc-server-go/internal/wire"
)

// Kind classifies a procedure error. It is the only part of an error, along
// with its message, that a client can rely on.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindBadInput        Kind = "BAD_INPUT"
	KindNotFound        Kind = "NOT_FOUND"
	KindInternal        Kind = "INTERNAL"
)

// HTTPStatus maps the kind to the status used when the error is the whole
// response.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// internalMessage is the only message clients ever see for INTERNAL errors.
const internalMessage = "internal server error"

// FieldError locates one input validation failure by its JSON path.
type FieldError struct {
	Path    string
	Message string
}

// Error is a structured procedure error.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError

	cause error
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrForbidden       = &Error{Kind: KindForbidden, Message: "insufficient permissions"}
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrForbidden)
// holds for every FORBIDDEN error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Wire converts e to its client-facing form. INTERNAL errors never expose
// their message or cause.
func (e *Error) Wire() *wire.Error {
	if e.Kind == KindInternal {
		return &wire.Error{Kind: string(KindInternal), Message: internalMessage}
	}
	we := &wire.Error{Kind: string(e.Kind), Message: e.Message}
	for _, f := range e.Fields {
		we.Fields = append(we.Fields, wire.FieldError{Path: f.Path, Message: f.Message})
	}
	return we
}

// Errorf builds an error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BadInput builds a BAD_INPUT error listing the offending fields.
func BadInput(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindBadInput, Message: message, Fields: fields}
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: internalMessage, cause: err}
}

// AsError normalises any error returned by a check or handler. Errors that
// are not already an *Error become INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCanceled reports whether err stems from the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
