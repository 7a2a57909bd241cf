package claudeagent

import (
	"errors"
	"fmt"
	"time"
)

// ErrLateResponse classifies a control_response whose request id is no
// longer pending. Such responses are dropped and only logged.
var ErrLateResponse = errors.New("late control response")

// ErrConnection indicates the CLI subprocess could not be started: the
// binary is missing, the working directory does not exist, or a pipe could
// not be created. It is fatal and surfaced from Connect immediately.
type ErrConnection struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *ErrConnection) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrConnection) Unwrap() error {
	return e.Cause
}

// ErrProcessExit indicates the CLI subprocess exited with a non-zero
// status. Stderr holds the last lines the process wrote before exiting.
type ErrProcessExit struct {
	ExitCode int
	Stderr   []string
	Cause    error
}

// Error implements the error interface.
func (e *ErrProcessExit) Error() string {
	if len(e.Stderr) > 0 {
		return fmt.Sprintf("process exited with code %d: %s",
			e.ExitCode, e.Stderr[len(e.Stderr)-1])
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrProcessExit) Unwrap() error {
	return e.Cause
}

// ErrDecode indicates a single frame could not be decoded. The session
// keeps reading after it.
type ErrDecode struct {
	Line  []byte
	Cause error
}

// Error implements the error interface.
func (e *ErrDecode) Error() string {
	const maxPreview = 120
	preview := e.Line
	if len(preview) > maxPreview {
		preview = preview[:maxPreview]
	}
	return fmt.Sprintf("failed to decode frame %q: %v", preview, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrDecode) Unwrap() error {
	return e.Cause
}

// ErrBufferOverflow indicates a frame grew past the configured maximum
// buffer size before a newline was seen. It is fatal to the session.
type ErrBufferOverflow struct {
	Limit int
}

// Error implements the error interface.
func (e *ErrBufferOverflow) Error() string {
	return fmt.Sprintf("frame exceeded maximum buffer size of %d bytes", e.Limit)
}

// ErrTimeout indicates a control request, outbound or inbound, did not
// complete within its deadline.
type ErrTimeout struct {
	RequestID string
	Subtype   string
	After     time.Duration
}

// Error implements the error interface.
func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("control request %s (%s) timed out after %v",
		e.RequestID, e.Subtype, e.After)
}

// ErrConnectionClosed is delivered to every waiter still pending when the
// transport terminates. Cause holds the terminal transport error, if any.
type ErrConnectionClosed struct {
	Cause error
}

// Error implements the error interface.
func (e *ErrConnectionClosed) Error() string {
	if e.Cause == nil {
		return "connection closed"
	}
	return fmt.Sprintf("connection closed: %v", e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrConnectionClosed) Unwrap() error {
	return e.Cause
}

// ErrCallbackNotFound indicates the CLI referenced a hook callback id that
// was never registered with this session.
type ErrCallbackNotFound struct {
	CallbackID string
}

// Error implements the error interface.
func (e *ErrCallbackNotFound) Error() string {
	return fmt.Sprintf("callback not found: %s", e.CallbackID)
}

// ErrControlRequest indicates the CLI answered a control request with an
// error response.
type ErrControlRequest struct {
	RequestID string
	Subtype   string
	Message   string
}

// Error implements the error interface.
func (e *ErrControlRequest) Error() string {
	return fmt.Sprintf("control request %s (%s) failed: %s",
		e.RequestID, e.Subtype, e.Message)
}

// ErrProtocolViolation indicates that the CLI sent a message that violates
// the control protocol.
type ErrProtocolViolation struct {
	Message string
}

// Error implements the error interface.
func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Message)
}

// ErrTransportClosed indicates an attempt to use a transport that has been
// closed.
type ErrTransportClosed struct{}

// Error implements the error interface.
func (e *ErrTransportClosed) Error() string {
	return "transport is closed"
}

// ErrInputClosed indicates a write after EndInput half-closed stdin.
type ErrInputClosed struct{}

// Error implements the error interface.
func (e *ErrInputClosed) Error() string {
	return "transport input is closed"
}

// ErrInvalidConfiguration indicates that the client or session options
// contain invalid or conflicting values.
type ErrInvalidConfiguration struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// ErrHookFailed indicates that a hook callback returned an error.
type ErrHookFailed struct {
	CallbackID string
	Cause      error
}

// Error implements the error interface.
func (e *ErrHookFailed) Error() string {
	return fmt.Sprintf("hook %s failed: %v", e.CallbackID, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrHookFailed) Unwrap() error {
	return e.Cause
}
