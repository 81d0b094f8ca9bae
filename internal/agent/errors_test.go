package agent

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestProtocolErrorMatchesSentinel(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := error(&ProtocolError{Event: EventBlockStop, Reason: "arguments incomplete", Cause: cause})

	if !errors.Is(err, ErrProtocol) {
		t.Error("ProtocolError does not match ErrProtocol")
	}
	if !errors.Is(err, cause) {
		t.Error("ProtocolError does not match its cause")
	}
	if !strings.Contains(err.Error(), "block_stop") || !strings.Contains(err.Error(), "arguments incomplete") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestLoopErrorUnwraps(t *testing.T) {
	inner := &ProtocolError{Event: EventDelta, Reason: "delta without an open block"}
	err := error(&LoopError{Phase: PhaseStream, Turn: 3, Cause: inner})

	if !IsProtocolError(err) {
		t.Error("LoopError hides the protocol error")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr != inner {
		t.Error("errors.As did not find the ProtocolError")
	}
	if !strings.Contains(err.Error(), "turn 3") {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsProtocolError(&LoopError{Phase: PhaseApproval, Cause: errors.New("x")}) {
		t.Error("plain error reported as protocol error")
	}
}

func TestToolResultText(t *testing.T) {
	tests := []struct {
		name   string
		result *ToolResult
		want   string
	}{
		{"output", OutputResult("hi"), "hi"},
		{"kinded error", ErrorResult(ErrorKindNeedsRestart, "shell exited"), "error (needs_restart): shell exited"},
		{"partial and error", &ToolResult{Output: "part", Error: "boom", IsError: true}, "part\nerror: boom"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
