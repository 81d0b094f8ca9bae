package agent

import (
	"strings"
	"testing"
)

func TestToolResultGuardRedacts(t *testing.T) {
	guard := ToolResultGuard{RedactPatterns: []string{`sk-[A-Za-z0-9]{8,}`, `(?i)password=\S+`}}

	tests := []struct {
		name    string
		content string
		wantRed bool
	}{
		{"api key", "key is sk-1234567890abcdef", true},
		{"password", "PASSWORD=hunter2", true},
		{"normal content", "total 0\ndrwxr-xr-x 2 root root", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := guard.Apply(OutputResult(tt.content))
			redacted := strings.Contains(out.Output, "[redacted]")
			if redacted != tt.wantRed {
				t.Errorf("Apply(%q) = %q, wantRed=%v", tt.content, out.Output, tt.wantRed)
			}
		})
	}
}

func TestToolResultGuardTruncatesOnRuneBoundary(t *testing.T) {
	guard := ToolResultGuard{MaxChars: 5, TruncateSuffix: "…"}
	out := guard.Apply(ErrorResult(ErrorKindExecution, "héllo wörld"))
	if out.Error != "héll…" {
		t.Fatalf("Error = %q", out.Error)
	}
	if !out.IsError || out.Kind != ErrorKindExecution {
		t.Fatalf("guard changed classification: %+v", out)
	}
}

func TestToolResultGuardLeavesImageAlone(t *testing.T) {
	guard := ToolResultGuard{MaxChars: 4}
	in := &ToolResult{Output: "screenshot taken", Image: strings.Repeat("A", 64)}
	out := guard.Apply(in)
	if out.Image != in.Image {
		t.Fatal("image payload was modified")
	}
	if in.Output != "screenshot taken" {
		t.Fatal("Apply mutated its input")
	}
}

func TestToolResultGuardInactive(t *testing.T) {
	in := OutputResult("x")
	if out := (ToolResultGuard{}).Apply(in); out != in {
		t.Fatal("inactive guard copied the result")
	}
	if (ToolResultGuard{MaxChars: 1}).Apply(nil) != nil {
		t.Fatal("nil result not passed through")
	}
}
