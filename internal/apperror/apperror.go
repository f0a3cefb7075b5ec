// Package apperror defines the failure taxonomy of the ingestion pipeline.
//
// Every error that crosses a component boundary is an *Error carrying a Kind.
// Kinds are string-based so they read well in logs and serialize naturally to
// JSON. The HTTP layer maps kinds to status codes with HTTPStatus.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	// KindInvalidProjectKey indicates an unknown, disabled or malformed project key.
	KindInvalidProjectKey Kind = "INVALID_PROJECT_KEY"

	// KindValidation indicates a load-bearing submission field is missing or invalid.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindUnsupportedMediaType indicates a screenshot mime type outside the allow-list.
	KindUnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"

	// KindPayloadTooLarge indicates a screenshot that decodes to zero bytes or
	// more than the configured ceiling.
	KindPayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"

	// KindDecode indicates a malformed data-URL or base64 body.
	KindDecode Kind = "DECODE_ERROR"

	// KindStorage indicates a content store failure.
	KindStorage Kind = "STORAGE_ERROR"

	// KindPersistence indicates the issue could not be durably recorded.
	KindPersistence Kind = "PERSISTENCE_ERROR"

	// KindTimeout indicates the submission exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"

	// KindUnknown is reported for errors that carry no Kind.
	KindUnknown Kind = "UNKNOWN"
)

// FieldError names one offending submission field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the concrete error type of the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	// Forbidden marks an InvalidProjectKey that refers to a known but
	// disallowed scope (disabled project, foreign origin).
	Forbidden bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(" [")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Field)
		b.WriteString(": ")
		b.WriteString(f.Message)
		if i == len(e.Fields)-1 {
			b.WriteString("]")
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, &Error{Kind: KindDecode}) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation returns a KindValidation error carrying the given fields.
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "submission failed validation", Fields: fields}
}

// Unauthorized returns an InvalidProjectKey error for unknown or malformed keys.
func Unauthorized(format string, args ...any) *Error {
	return New(KindInvalidProjectKey, format, args...)
}

// Forbidden returns an InvalidProjectKey error for known but disallowed scopes.
func Forbidden(format string, args ...any) *Error {
	e := New(KindInvalidProjectKey, format, args...)
	e.Forbidden = true
	return e
}

// KindOf returns the Kind of the first *Error in err's chain. Context deadline
// errors without a Kind are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Has reports whether err carries the given kind.
func Has(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FieldsOf returns the field errors attached to err, if any.
func FieldsOf(err error) []FieldError {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps err to the status code the ingestion API answers with.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindInvalidProjectKey:
		if e.Forbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindDecode:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
