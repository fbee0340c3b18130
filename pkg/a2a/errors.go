package a2a

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 standard error codes plus the A2A-specific range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable            = -32002
	CodePushNotificationNotSupported = -32003
	CodeUnsupportedOperation         = -32004
	CodeContentTypeNotSupported      = -32005
	CodeInvalidAgentResponse         = -32006
)

// Error is a protocol error carrying a JSON-RPC code. It marshals into
// the "error" member of a response envelope.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// NewError builds a protocol error with a formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for protocol conditions. Each maps to a fixed code via
// AsError.
var (
	ErrTaskNotFound                 = &Error{Code: CodeTaskNotFound, Message: "task not found"}
	ErrTaskNotCancelable            = &Error{Code: CodeTaskNotCancelable, Message: "task cannot be canceled"}
	ErrPushNotificationNotSupported = &Error{Code: CodePushNotificationNotSupported, Message: "push notifications not supported"}
	ErrUnsupportedOperation         = &Error{Code: CodeUnsupportedOperation, Message: "operation not supported"}
	ErrContentTypeNotSupported      = &Error{Code: CodeContentTypeNotSupported, Message: "content type not supported"}
	ErrInvalidAgentResponse         = &Error{Code: CodeInvalidAgentResponse, Message: "invalid agent response"}
)

// Runtime failure kinds attached to terminal task statuses.
const (
	FailureDeviceGone = "DeviceGone"
	FailureTimeout    = "Timeout"
	FailureOverloaded = "Overloaded"
)

// AsError converts any error into a protocol *Error. Errors that are
// (or wrap) an *Error keep their code; everything else becomes an
// internal error.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
