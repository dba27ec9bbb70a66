package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "invalid_argument"
	CodeNotFound           ErrorCode = "not_found"
	CodeUnauthenticated    ErrorCode = "unauthenticated"
	CodeFailedPrecondition ErrorCode = "failed_precondition"
	CodeInternal           ErrorCode = "internal"
)

// AppError is the error surface of the transports. The core never returns
// one: misuse of the store degrades to a no-op instead.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

func InvalidArgumentf(format string, args ...any) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message}
}

func FailedPrecondition(message string) *AppError {
	return &AppError{Code: CodeFailedPrecondition, Message: message}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Cause: cause}
}

func AsAppError(err error) (*AppError, bool) {
	var typed *AppError
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf returns the AppError code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if typed, ok := AsAppError(err); ok {
		return typed.Code
	}
	return CodeInternal
}
