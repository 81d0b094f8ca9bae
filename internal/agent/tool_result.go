package agent

import "strings"

// NoOutput is returned in place of an empty output so "ran silently" can be
// told apart from "still running".
const NoOutput = "(no output)"

// RestartedOutput answers a call that only asked for a restart.
const RestartedOutput = "tool has been restarted."

// ToolResult is the outcome of one dispatched tool call. At most one of
// Output and Error carries meaning; both empty means the call ran and
// produced nothing.
type ToolResult struct {
	ToolUseID string    `json:"tool_use_id"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Image     string    `json:"image,omitempty"` // base64 PNG
	IsError   bool      `json:"is_error"`
	Kind      ErrorKind `json:"kind,omitempty"`

	// Cancelled marks results for calls that were denied or interrupted.
	// These are not errors.
	Cancelled bool `json:"cancelled,omitempty"`
}

// OutputResult creates a successful result.
func OutputResult(output string) *ToolResult {
	return &ToolResult{Output: output}
}

// ErrorResult creates a failed result of the given kind.
func ErrorResult(kind ErrorKind, message string) *ToolResult {
	return &ToolResult{Error: message, IsError: true, Kind: kind}
}

// CancelledResult creates a result for a call that was skipped or
// interrupted.
func CancelledResult(message string) *ToolResult {
	return &ToolResult{Output: message, Cancelled: true}
}

// NeedsRestart reports whether the session behind the result must be
// restarted before it can run again.
func (r *ToolResult) NeedsRestart() bool {
	return r != nil && r.Kind == ErrorKindNeedsRestart
}

// Text renders the result as the plain text the model sees.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	if r.Output != "" {
		parts = append(parts, r.Output)
	}
	if r.Error != "" {
		if r.Kind != ErrorKindNone {
			parts = append(parts, "error ("+string(r.Kind)+"): "+r.Error)
		} else {
			parts = append(parts, "error: "+r.Error)
		}
	}
	return strings.Join(parts, "\n")
}
