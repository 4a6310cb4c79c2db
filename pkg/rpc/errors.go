// Package rpc implements the framed JSON RPC protocol spoken between baton
// and its clients: request/response correlation by id, per-call timeouts,
// promise pipelining, and capability handles for server-to-client
// callbacks.
package rpc

import "fmt"

// Code classifies an RPC error for programmatic handling.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTimeout         Code = "TIMEOUT"
	CodeSandboxError    Code = "SANDBOX_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeUnsupported     Code = "UNSUPPORTED"
	CodeUnknownMethod   Code = "UNKNOWN_METHOD"
)

// Error is the structured error carried in response frames.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a structured RPC error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError converts any error into a structured RPC error, passing
// existing *Error values through unchanged.
func WrapError(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return &Error{Code: fallback, Message: err.Error()}
}
