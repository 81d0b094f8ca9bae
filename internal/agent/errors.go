package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no model provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoDispatcher indicates the loop was built without a dispatcher
	ErrNoDispatcher = errors.New("no dispatcher configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool indicates a tool name was registered twice
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidToolName indicates a tool name is empty or too long
	ErrInvalidToolName = errors.New("invalid tool name")

	// ErrProtocol is matched by every *ProtocolError
	ErrProtocol = errors.New("stream protocol error")

	// ErrTransport indicates the model stream failed in transit
	ErrTransport = errors.New("model transport failed")
)

// ErrorKind classifies a failed ToolResult so callers and the model can tell
// failures apart without parsing text.
type ErrorKind string

const (
	// ErrorKindNone marks a successful or cancelled result
	ErrorKindNone ErrorKind = ""

	// ErrorKindNeedsRestart means the session is stopped or its process
	// exited; the call must be retried with "restart": true
	ErrorKindNeedsRestart ErrorKind = "needs_restart"

	// ErrorKindUnknownTool means no tool is registered under the name
	ErrorKindUnknownTool ErrorKind = "unknown_tool"

	// ErrorKindInvalidArguments means the arguments failed validation
	ErrorKindInvalidArguments ErrorKind = "invalid_arguments"

	// ErrorKindTimeout means the call exceeded its time limit
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindExecution is any other runtime failure
	ErrorKindExecution ErrorKind = "execution"
)

// ProtocolError reports a malformed block event stream. It is fatal to the
// turn and never retried.
type ProtocolError struct {
	Event  EventType
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error at %s: %s", e.Event, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrProtocol, e.Cause}
	}
	return []error{ErrProtocol}
}

// LoopPhase represents the current phase of the turn loop.
type LoopPhase string

const (
	PhaseStream   LoopPhase = "stream"
	PhaseApproval LoopPhase = "approval"
	PhaseExecute  LoopPhase = "execute"
)

// LoopError provides context about where in the loop an error occurred.
type LoopError struct {
	Phase LoopPhase
	Turn  int
	Cause error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop error in %s phase (turn %d): %v", e.Phase, e.Turn, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// IsProtocolError reports whether err is or wraps a stream protocol error.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
