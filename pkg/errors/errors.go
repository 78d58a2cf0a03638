package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for callers, logs and the ops surface.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeInvalidQuantity Code = "INVALID_QUANTITY"
	CodeMeterNotFound   Code = "METER_NOT_FOUND"
	CodeNotFound        Code = "NOT_FOUND"
	CodeStateConflict   Code = "STATE_CONFLICT"
	CodeIdempotency     Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeDependency      Code = "DEPENDENCY_ERROR"
	// CodeReconciliation marks a charge that landed on-chain but whose
	// store write could not be persisted. It must never be retried through
	// the gateway.
	CodeReconciliation Code = "RECONCILIATION_REQUIRED"
)

// Metadata describes how a code is surfaced outside the process.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	final     = false
	retryable = true
	showAll   = true
	hideAll   = false
)

var registry = map[Code]Metadata{
	CodeValidation:      {http.StatusBadRequest, final, "validation failed", showAll},
	CodeInvalidQuantity: {http.StatusBadRequest, final, "quantity must be a non-negative integer", showAll},
	CodeMeterNotFound:   {http.StatusNotFound, final, "meter not found for plan", showAll},
	CodeNotFound:        {http.StatusNotFound, final, "resource not found", hideAll},
	CodeStateConflict:   {http.StatusUnprocessableEntity, final, "state transition disallowed", showAll},
	CodeIdempotency:     {http.StatusConflict, final, "idempotency key reused", showAll},
	CodeInternal:        {http.StatusInternalServerError, retryable, "internal server error", hideAll},
	CodeDependency:      {http.StatusServiceUnavailable, retryable, "dependency unavailable", showAll},
	CodeReconciliation:  {http.StatusInternalServerError, final, "payment requires reconciliation", showAll},
}

// MetadataFor returns the metadata for code; unknown codes are treated as internal.
func MetadataFor(code Code) Metadata {
	meta, ok := registry[code]
	if !ok {
		return registry[CodeInternal]
	}
	return meta
}

// Error is a coded error with optional details and cause.
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

// WithDetails sets details in place and returns e for chaining.
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
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the outermost *Error in err's chain carries code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether err is coded with a retryable code.
func IsRetryable(err error) bool {
	typed := As(err)
	return typed != nil && MetadataFor(typed.code).Retryable
}
