package utils

import (
	"errors"
	"fmt"
)

// ResponseCode business error code
type ResponseCode int

const (
	CodeSuccess      ResponseCode = 0
	CodeInvalidParam ResponseCode = 1000

	// trade errors
	CodeCapacityExceeded  ResponseCode = 1001
	CodeDuplicateAttempt  ResponseCode = 1002
	CodeNotFound          ResponseCode = 1003
	CodeConcurrentUpdate  ResponseCode = 1004
	CodeTakeLimitExceeded ResponseCode = 1005
	CodeTeamExpired       ResponseCode = 1006
	CodeOrderClosed       ResponseCode = 1007
	CodeInvalidEvent      ResponseCode = 1008

	// system errors
	CodeDownstreamUnavailable ResponseCode = 5001
	CodeInternalError         ResponseCode = 5000
)

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so wrapped copies of the
// predefined errors still satisfy errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps err with the code and message of a predefined error.
func WrapError(base *AppError, err error) *AppError {
	return &AppError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam          = NewError(CodeInvalidParam, "invalid parameter")
	ErrCapacityExceeded      = NewError(CodeCapacityExceeded, "team full")
	ErrDuplicateAttempt      = NewError(CodeDuplicateAttempt, "duplicate attempt")
	ErrNotFound              = NewError(CodeNotFound, "not found")
	ErrConcurrentUpdate      = NewError(CodeConcurrentUpdate, "concurrent update conflict, retry")
	ErrTakeLimitExceeded     = NewError(CodeTakeLimitExceeded, "user take limit exceeded")
	ErrTeamExpired           = NewError(CodeTeamExpired, "team expired")
	ErrOrderClosed           = NewError(CodeOrderClosed, "order closed")
	ErrInvalidEvent          = NewError(CodeInvalidEvent, "invalid event")
	ErrDownstreamUnavailable = NewError(CodeDownstreamUnavailable, "downstream unavailable")
	ErrInternalError         = NewError(CodeInternalError, "internal server error")
)

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if err == nil {
		return CodeSuccess
	}
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrDownstreamUnavailable)
}
