// Package errors defines the coded error used across services. The code
// decides the HTTP status, whether callers may retry and how much of the
// error is shown to clients.
package errors

import (
	stdErrors "errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeIdempotency  Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeDependency   Code = "DEPENDENCY_ERROR"
	CodeStorage      Code = "STORAGE_ERROR"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:   {http.StatusBadRequest, false, "validation failed", true},
	CodeUnauthorized: {http.StatusUnauthorized, false, "authentication required", false},
	CodeForbidden:    {http.StatusForbidden, false, "access denied", false},
	CodeNotFound:     {http.StatusNotFound, false, "resource not found", false},
	CodeConflict:     {http.StatusConflict, false, "conflict detected", false},
	CodeIdempotency:  {http.StatusConflict, false, "idempotency key reused", true},
	CodeRateLimit:    {http.StatusTooManyRequests, false, "rate limit exceeded", false},
	CodeInternal:     {http.StatusInternalServerError, true, "internal server error", false},
	CodeDependency:   {http.StatusServiceUnavailable, true, "dependency unavailable", true},
	CodeStorage:      {http.StatusServiceUnavailable, true, "storage unavailable", false},
}

// MetadataFor treats unknown codes as internal errors.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails sets the client-visible details; they are only rendered for
// codes whose metadata allows it.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.code) + ": " + e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same code, so New(CodeNotFound, "")
// works as a sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && t.code == e.code
}

// As returns the outermost *Error in err's chain.
func As(err error) *Error {
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether repeating the operation could succeed. Errors
// without a code are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if typed := As(err); typed != nil {
		return MetadataFor(typed.code).Retryable
	}
	return true
}

// Storage wraps a persistence failure unless err already carries a code.
func Storage(err error, message string) error {
	if err == nil || As(err) != nil {
		return err
	}
	return Wrap(CodeStorage, err, message)
}

var grpcCodes = map[codes.Code]Code{
	codes.InvalidArgument:    CodeValidation,
	codes.OutOfRange:         CodeValidation,
	codes.Unauthenticated:    CodeUnauthorized,
	codes.PermissionDenied:   CodeForbidden,
	codes.NotFound:           CodeNotFound,
	codes.AlreadyExists:      CodeConflict,
	codes.Aborted:            CodeConflict,
	codes.FailedPrecondition: CodeConflict,
	codes.ResourceExhausted:  CodeRateLimit,
}

// FromGRPC classifies an error returned by a Google Cloud client. Status
// codes without a closer match become dependency errors.
func FromGRPC(err error, message string) error {
	if err == nil || As(err) != nil {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return Wrap(CodeDependency, err, message)
	}
	if code, mapped := grpcCodes[st.Code()]; mapped {
		return Wrap(code, err, message)
	}
	return Wrap(CodeDependency, err, message)
}
