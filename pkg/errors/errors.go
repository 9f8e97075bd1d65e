package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values for the relay error taxonomy. Every structured error wraps one of them
// so callers can branch with errors.Is.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")

	// ErrMalformedFrame is a bad codec input; the frame is dropped and the call continues.
	ErrMalformedFrame = errors.New("malformed audio frame")
	// ErrConnect means the AI backend was unreachable or rejected the handshake.
	ErrConnect = errors.New("realtime connect failed")
	// ErrSessionSetupFailed aborts a call before it becomes active.
	ErrSessionSetupFailed = errors.New("realtime session setup failed")
	// ErrSend means a transport was closed or faulted mid-write. Terminal for the call.
	ErrSend = errors.New("send failed")
	// ErrMarkMismatch is an out-of-order mark acknowledgement. Non-fatal.
	ErrMarkMismatch = errors.New("mark acknowledgement mismatch")
	// ErrSessionClosed means the AI backend ended the session. Terminal for the call.
	ErrSessionClosed = errors.New("realtime session closed")
	// ErrStreamClosed means the telephony connection dropped without a stop event.
	ErrStreamClosed = errors.New("media stream closed")
	// ErrUnknownTool is returned when the model calls a function that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// Error represents a structured error with caller location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message, code string, skip int, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), "", "", 1, fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, GetErrorCode(err), 1, fields)
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	// Copy so the receiver stays unchanged
	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}
	return &result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := *e
	result.Code = code
	return &result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether the wrapped error matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	return errors.Is(e.original, target) || e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewMalformedFrame reports an undecodable audio frame
func NewMalformedFrame(details string, fields ...map[string]interface{}) *Error {
	return newError(ErrMalformedFrame, "malformed audio frame: "+details, "MALFORMED_FRAME", 1, fields)
}

// NewConnectError reports a failed dial or handshake against the AI backend
func NewConnectError(err error, fields ...map[string]interface{}) *Error {
	return newError(joinCause(ErrConnect, err), "realtime connect failed", "CONNECT_ERROR", 1, fields)
}

// NewSessionSetupFailed reports that a call could not enter the active state
func NewSessionSetupFailed(err error, fields ...map[string]interface{}) *Error {
	return newError(joinCause(ErrSessionSetupFailed, err), "session setup failed", "SESSION_SETUP_FAILED", 1, fields)
}

// NewSendError reports a failed write on either transport
func NewSendError(transport string, err error, fields ...map[string]interface{}) *Error {
	e := newError(joinCause(ErrSend, err), transport+" send failed", "SEND_ERROR", 1, fields)
	e.fields["transport"] = transport
	return e
}

// NewMarkMismatch reports an acknowledgement that did not match the head of the mark queue
func NewMarkMismatch(expected, got string) *Error {
	return newError(ErrMarkMismatch, fmt.Sprintf("expected mark %q, got %q", expected, got), "MARK_MISMATCH", 1,
		[]map[string]interface{}{{"expected": expected, "got": got}})
}

// NewSessionClosed reports that the AI backend closed the session
func NewSessionClosed(err error, fields ...map[string]interface{}) *Error {
	return newError(joinCause(ErrSessionClosed, err), "realtime session closed", "SESSION_CLOSED", 1, fields)
}

// causeError keeps both the sentinel and the transport cause reachable through errors.Is.
type causeError struct {
	sentinel error
	cause    error
}

func (c *causeError) Error() string   { return c.cause.Error() }
func (c *causeError) Unwrap() []error { return []error{c.sentinel, c.cause} }

func joinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &causeError{sentinel: sentinel, cause: cause}
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
