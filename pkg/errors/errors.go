package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so errors.Is(err, ErrRemote)
// holds for every error built by Remote.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// Common error codes
const (
	CodeNotFound ErrorCode = iota + 1000
	CodeBadRequest
	CodeUnauthorized
	CodeForbidden
	CodeInternal
	CodeRemote
	CodeParse
)

// Sentinels for errors.Is checks.
var (
	ErrNotFound        = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrBadRequest      = &AppError{Code: CodeBadRequest, Message: "bad request"}
	ErrUnauthenticated = &AppError{Code: CodeUnauthorized, Message: "no authenticated user"}
	ErrInternal        = &AppError{Code: CodeInternal, Message: "internal error"}
	ErrRemote          = &AppError{Code: CodeRemote, Message: "remote call failed"}
	ErrParse           = &AppError{Code: CodeParse, Message: "malformed row"}
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// Remote wraps a failed backend call. op names the call, e.g. "mark as read".
func Remote(op string, err error) *AppError {
	return &AppError{
		Code:    CodeRemote,
		Message: op + " failed",
		Err:     err,
	}
}

// Parse wraps a row that does not match the expected schema.
func Parse(what string, err error) *AppError {
	return &AppError{
		Code:    CodeParse,
		Message: "malformed " + what,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return 0, false
}
