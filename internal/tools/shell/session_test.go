package shell

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/deckhand/internal/agent"
)

func startSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s := NewSession(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Skipf("cannot start shell: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func startPTYSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := startSession(t, cfg)
	s.mu.Lock()
	kind := s.backend.kind()
	s.mu.Unlock()
	if kind != "pty" {
		t.Skip("pseudo-terminal not available")
	}
	return s
}

var backends = []struct {
	name  string
	pipes bool
}{
	{"pty", false},
	{"pipes", true},
}

func TestRunEcho(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := startSession(t, Config{ForcePipes: b.pipes})

			result := s.Run(context.Background(), "echo hello")
			if result.IsError || result.Output != "hello" {
				t.Fatalf("result = %+v, want output hello", result)
			}

			result = s.Run(context.Background(), "true")
			if result.IsError || result.Output != agent.NoOutput {
				t.Fatalf("silent command = %+v, want %q", result, agent.NoOutput)
			}

			result = s.Run(context.Background(), "echo oops 1>&2")
			if result.Output != "oops" {
				t.Fatalf("stderr = %+v, want oops", result)
			}
		})
	}
}

func TestRunReplacesInvalidUTF8(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := startSession(t, Config{ForcePipes: b.pipes})
			result := s.Run(context.Background(), `printf '\377ok\n'`)
			if !strings.Contains(result.Output, "�") || !strings.Contains(result.Output, "ok") {
				t.Fatalf("output = %q, want replacement character and ok", result.Output)
			}
		})
	}
}

func TestRunCancelKeepsSessionRunning(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := startSession(t, Config{ForcePipes: b.pipes})

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			start := time.Now()
			result := s.Run(ctx, "echo started; sleep 10")
			if elapsed := time.Since(start); elapsed > 8*time.Second {
				t.Fatalf("cancel took %s", elapsed)
			}
			if !result.Cancelled || result.IsError {
				t.Fatalf("result = %+v, want cancelled", result)
			}
			if !strings.Contains(result.Output, "started") || !strings.HasSuffix(result.Output, InterruptedNote) {
				t.Fatalf("output = %q, want partial output and annotation", result.Output)
			}
			if s.State() != StateRunning {
				t.Fatalf("state = %s after cancel", s.State())
			}

			result = s.Run(context.Background(), "echo again")
			if result.Output != "again" {
				t.Fatalf("command after cancel = %+v", result)
			}
		})
	}
}

func TestRunCancelAbandonsLoop(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	s := startPTYSession(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	result := s.Run(ctx, "for i in 1 2 3 4; do sleep 2; done; echo loopdone")
	if !result.Cancelled {
		t.Fatalf("result = %+v, want cancelled", result)
	}
	if strings.Contains(result.Output, "loopdone") {
		t.Fatalf("loop finished despite the interrupt: %q", result.Output)
	}

	// Long enough for an unfinished loop to print its trailing echo.
	time.Sleep(2500 * time.Millisecond)
	for _, word := range []string{"second", "third"} {
		result = s.Run(context.Background(), "echo "+word)
		if result.IsError || result.Output != word {
			t.Fatalf("command %q after interrupt = %+v", word, result)
		}
	}
}

func TestPTYMarkersAreUniquePerCommand(t *testing.T) {
	b := &ptyBackend{sentinel: "__deckhand_done_abc"}
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		marker := b.nextMarker()
		if seen[marker] {
			t.Fatalf("marker %q reused", marker)
		}
		seen[marker] = true
	}
}

func TestOutputStreamIgnoresStaleMarker(t *testing.T) {
	b := &ptyBackend{sentinel: "__deckhand_done_abc"}
	var markers []string
	for i := 0; i < 12; i++ {
		markers = append(markers, b.nextMarker())
	}
	stale, stale11, current := markers[0], markers[10], markers[1]

	chunks := make(chan string, 4)
	chunks <- "old output\n" + stale + "\n" + stale11 + "\n"
	chunks <- "second\n" + current + "\n"
	stream := newOutputStream(chunks, current)

	if res := stream.wait(context.Background(), nil, time.Second); res != waitFound {
		t.Fatalf("wait = %v, want found", res)
	}
	if got := stream.output(); !strings.HasSuffix(got, "second\n") {
		t.Fatalf("output = %q, want it to end at the current marker", got)
	}
}

func TestRunTimeout(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := startSession(t, Config{ForcePipes: b.pipes, Timeout: 500 * time.Millisecond})

			result := s.Run(context.Background(), "echo waiting; sleep 10")
			if result.Kind != agent.ErrorKindTimeout {
				t.Fatalf("result = %+v, want timeout", result)
			}
			if !strings.Contains(result.Output, "waiting") {
				t.Fatalf("partial output = %q", result.Output)
			}
			if result = s.Run(context.Background(), "echo next"); result.Output != "next" {
				t.Fatalf("command after timeout = %+v", result)
			}
		})
	}
}

func TestPTYStatePersists(t *testing.T) {
	s := startPTYSession(t, Config{})
	s.Run(context.Background(), "export DECKHAND_TEST=persisted")
	result := s.Run(context.Background(), "echo $DECKHAND_TEST")
	if result.Output != "persisted" {
		t.Fatalf("output = %q, want persisted", result.Output)
	}
}

func TestPTYExitNeedsRestart(t *testing.T) {
	s := startPTYSession(t, Config{})

	result := s.Run(context.Background(), "exit 3")
	if !result.NeedsRestart() {
		t.Fatalf("result = %+v, want needs_restart", result)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}

	// Stays stopped until restarted; never hangs.
	done := make(chan *agent.ToolResult, 1)
	go func() { done <- s.Run(context.Background(), "echo hi") }()
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run on an exited shell blocked")
	}
	if !result.NeedsRestart() {
		t.Fatalf("result = %+v, want needs_restart", result)
	}

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if result = s.Run(context.Background(), "echo back"); result.Output != "back" {
		t.Fatalf("after restart = %+v", result)
	}
}

func TestStopThenRunNeedsRestart(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := startSession(t, Config{ForcePipes: b.pipes})
			if err := s.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			result := s.Run(context.Background(), "echo hi")
			if result.Kind != agent.ErrorKindNeedsRestart {
				t.Fatalf("result = %+v, want needs_restart", result)
			}
		})
	}
}

func TestRunBeforeStart(t *testing.T) {
	s := NewSession(Config{})
	if result := s.Run(context.Background(), "echo hi"); !result.NeedsRestart() {
		t.Fatalf("result = %+v, want needs_restart", result)
	}
	if s.State() != StateNotStarted {
		t.Fatalf("state = %s", s.State())
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	s := NewSession(Config{})
	tests := []string{`{}`, `{"command": "   "}`, `not json`}
	for _, args := range tests {
		result, err := s.Execute(context.Background(), json.RawMessage(args))
		if err != nil {
			t.Fatalf("Execute(%s): %v", args, err)
		}
		if result.Kind != agent.ErrorKindInvalidArguments {
			t.Fatalf("Execute(%s) = %+v, want invalid_arguments", args, result)
		}
	}
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		limit int
		want  string
	}{
		{"trims", "  hello\r\n", 0, "hello"},
		{"empty", "\r\n \n", 0, agent.NoOutput},
		{"strips ansi", "\x1b[31mred\x1b[0m\r\n", 0, "red"},
		{"drops carriage returns", "10%\r50%\r100%\n", 0, "10%50%100%"},
		{"truncates middle", "aaaaabbbbbccccc", 10, "aaaaa\n... [5 bytes truncated] ...\nccccc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanOutput(tt.raw, tt.limit); got != tt.want {
				t.Fatalf("cleanOutput(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFindSentinel(t *testing.T) {
	const s = "__deckhand_done_x"
	tests := []struct {
		text string
		want int
	}{
		{"out\n" + s + "\n", 4},
		{"ls; echo '" + s + "'\nout\n" + s, 16 + len(s)},
		{"nothing here", -1},
		{s, 0},
	}
	for _, tt := range tests {
		if got := findSentinel(tt.text, s, 0); got != tt.want {
			t.Errorf("findSentinel(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestOutputStreamSentinelAcrossChunks(t *testing.T) {
	const sentinel = "__deckhand_done_abc"
	chunks := make(chan string, 4)
	chunks <- "result line\n__deckhand_"
	chunks <- "done_abc\nleftover"
	stream := newOutputStream(chunks, sentinel)

	if res := stream.wait(context.Background(), nil, time.Second); res != waitFound {
		t.Fatalf("wait = %v, want found", res)
	}
	if got := stream.output(); got != "result line\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestToolApprovalSubjectAndSchema(t *testing.T) {
	tool := NewTool(Config{})
	if got := tool.ApprovalSubject(json.RawMessage(`{"command": "  ls -la  "}`)); got != "ls -la" {
		t.Fatalf("ApprovalSubject = %q", got)
	}
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	props := schema["properties"].(map[string]any)
	if _, ok := props["restart"]; !ok {
		t.Fatal("schema does not advertise restart")
	}
}
