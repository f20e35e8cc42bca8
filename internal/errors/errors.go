package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code, so that
// errors.Is(err, ErrNotFound) matches any wrapped not-found error.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrPermissionDenied = &AppError{Code: "PERM_001", Message: "notification permission denied"}

	ErrRemoteWrite = &AppError{Code: "STORE_001", Message: "store write failed"}
	ErrRemoteRead  = &AppError{Code: "STORE_002", Message: "store read failed"}

	ErrScheduleFailed = &AppError{Code: "SCHED_001", Message: "failed to schedule reminder"}
	ErrCancelFailed   = &AppError{Code: "SCHED_002", Message: "failed to cancel reminder"}

	ErrPushFailed  = &AppError{Code: "PUSH_001", Message: "push delivery failed"}
	ErrNoPushToken = &AppError{Code: "PUSH_002", Message: "recipient has no push token"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err under the code of sentinel with a formatted message.
func Wrapf(sentinel *AppError, err error, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Is is errors.Is re-exported so callers importing this package under the
// name errors keep access to it.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As re-exported.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
