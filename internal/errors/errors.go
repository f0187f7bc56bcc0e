package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess      Code = 0
	CodeInternal     Code = 1
	CodeUsage        Code = 2
	CodeAuth         Code = 10
	CodeRateLimited  Code = 11
	CodeUnavailable  Code = 12
	CodeUnsupported  Code = 13
	CodeStale        Code = 14
	CodeNoRoute      Code = 15
	CodeTimeout      Code = 16
	CodeBridgeFailed Code = 17
	CodeSafeCreation Code = 18
	CodeBlocked      Code = 19
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cErr, ok := As(err)
	return ok && cErr.Code == code
}

// IsRetryable reports whether the failure is a steady-state transport condition
// that a later attempt may clear.
func IsRetryable(err error) bool {
	cErr, ok := As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case CodeUnavailable, CodeRateLimited, CodeTimeout:
		return true
	default:
		return false
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the machine-readable type string rendered in error envelopes.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "backend_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodeNoRoute:
		return "no_route"
	case CodeTimeout:
		return "operation_timed_out"
	case CodeBridgeFailed:
		return "bridge_failed"
	case CodeSafeCreation:
		return "safe_creation_failed"
	case CodeBlocked:
		return "command_blocked"
	default:
		return "internal_error"
	}
}
