package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func bashSubject(args json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &in)
	return in.Command
}

func newBashGate(cfg ApprovalConfig) (*ApprovalGate, *recordingTool) {
	tool := &recordingTool{name: "bash", subject: bashSubject}
	return NewApprovalGate(newTestRegistry(subjectTool{tool}), cfg), tool
}

func TestParseApprovalAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want ApprovalAnswer
		ok   bool
	}{
		{"y", AnswerYes, true},
		{"YES\n", AnswerYes, true},
		{" n ", AnswerNo, true},
		{"no", AnswerNo, true},
		{"a", AnswerAlways, true},
		{"Always", AnswerAlways, true},
		{"", "", false},
		{"maybe", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseApprovalAnswer(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseApprovalAnswer(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestApprovalAutoRunNeverPrompts(t *testing.T) {
	prompter := &countingPrompter{}
	gate, _ := newBashGate(ApprovalConfig{AutoRun: true, Prompter: prompter})

	verdict, err := gate.Review(context.Background(), []ToolUse{call("1", "bash", `{"command":"rm -rf build"}`)})
	if err != nil || verdict != VerdictAuto {
		t.Fatalf("Review = (%v, %v), want auto", verdict, err)
	}
	if prompter.count() != 0 {
		t.Fatal("auto-run prompted")
	}
}

func TestApprovalAlwaysAddsToAllowList(t *testing.T) {
	prompter := &countingPrompter{answers: []ApprovalAnswer{AnswerAlways}}
	gate, _ := newBashGate(ApprovalConfig{Prompter: prompter})
	ctx := context.Background()

	ls := []ToolUse{call("1", "bash", `{"command":"ls -la"}`)}
	verdict, err := gate.Review(ctx, ls)
	if err != nil || verdict != VerdictAlways {
		t.Fatalf("first Review = (%v, %v), want always", verdict, err)
	}
	if !gate.AllowList().Contains("bash", "ls -la") {
		t.Fatalf("allow-list = %v", gate.AllowList().Entries())
	}

	// The same command later passes without a prompt.
	verdict, err = gate.Review(ctx, []ToolUse{call("2", "bash", `{"command": "ls -la"}`)})
	if err != nil || verdict != VerdictAllowListed {
		t.Fatalf("second Review = (%v, %v), want allowlisted", verdict, err)
	}
	if prompter.count() != 1 {
		t.Fatalf("prompted %d times, want 1", prompter.count())
	}

	// Matching is exact.
	prompter.answers = []ApprovalAnswer{AnswerNo}
	verdict, _ = gate.Review(ctx, []ToolUse{call("3", "bash", `{"command":"ls -la /"}`)})
	if verdict != VerdictNo || prompter.count() != 2 {
		t.Fatalf("near match verdict=%v prompts=%d", verdict, prompter.count())
	}
}

func TestApprovalBatchIsAllOrNothing(t *testing.T) {
	allow := NewAllowList(AllowEntry{Tool: "bash", Subject: "ls"})
	prompter := &countingPrompter{answers: []ApprovalAnswer{AnswerNo}}
	gate, _ := newBashGate(ApprovalConfig{Prompter: prompter, AllowList: allow})

	batch := []ToolUse{
		call("1", "bash", `{"command":"ls"}`),
		call("2", "bash", `{"command":"make"}`),
	}
	verdict, err := gate.Review(context.Background(), batch)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if verdict.Approved() {
		t.Fatalf("verdict = %v, want the whole batch denied", verdict)
	}
	if prompter.count() != 1 {
		t.Fatalf("prompted %d times, want exactly one combined prompt", prompter.count())
	}
	if got := len(prompter.prompts[0]); got != 2 {
		t.Fatalf("combined prompt lists %d calls, want 2", got)
	}

	// Every call allow-listed: no prompt at all.
	verdict, _ = gate.Review(context.Background(), batch[:1])
	if verdict != VerdictAllowListed || prompter.count() != 1 {
		t.Fatalf("verdict=%v prompts=%d", verdict, prompter.count())
	}
}

func TestApprovalWithoutPrompterDenies(t *testing.T) {
	gate, _ := newBashGate(ApprovalConfig{})
	verdict, err := gate.Review(context.Background(), []ToolUse{call("1", "bash", `{"command":"ls"}`)})
	if err != nil || verdict != VerdictNo {
		t.Fatalf("Review = (%v, %v), want no", verdict, err)
	}
}

func TestApprovalPromptFailureDenies(t *testing.T) {
	prompter := PrompterFunc(func(ctx context.Context, _ []ApprovalRequest) (ApprovalAnswer, error) {
		return AnswerYes, errors.New("terminal gone")
	})
	gate, _ := newBashGate(ApprovalConfig{Prompter: prompter})
	verdict, err := gate.Review(context.Background(), []ToolUse{call("1", "bash", `{"command":"ls"}`)})
	if err != nil || verdict != VerdictNo {
		t.Fatalf("Review = (%v, %v), want no without error", verdict, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocking := PrompterFunc(func(ctx context.Context, _ []ApprovalRequest) (ApprovalAnswer, error) {
		<-ctx.Done()
		return AnswerNo, ctx.Err()
	})
	gate, _ = newBashGate(ApprovalConfig{Prompter: blocking})
	verdict, err = gate.Review(ctx, []ToolUse{call("1", "bash", `{"command":"ls"}`)})
	if verdict != VerdictNo || !errors.Is(err, context.Canceled) {
		t.Fatalf("Review = (%v, %v), want no with context.Canceled", verdict, err)
	}
}

func TestApprovalSubjectFallsBackToCompactJSON(t *testing.T) {
	gate := NewApprovalGate(newTestRegistry(&recordingTool{name: "computer"}), ApprovalConfig{})
	requests := gate.Requests([]ToolUse{call("1", "computer", `{ "action" : "screenshot" }`)})
	if requests[0].Subject != `{"action":"screenshot"}` {
		t.Fatalf("subject = %q", requests[0].Subject)
	}
}

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ApprovalAnswer
	}{
		{"yes", "y\n", AnswerYes},
		{"always", "always\n", AnswerAlways},
		{"retry after garbage", "huh\nn\n", AnswerNo},
		{"no trailing newline", "a", AnswerAlways},
	}
	requests := []ApprovalRequest{{ToolUseID: "1", ToolName: "bash", Subject: "ls"}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewTerminalPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Prompt(context.Background(), requests)
			if err != nil {
				t.Fatalf("Prompt: %v", err)
			}
			if got != tt.want {
				t.Fatalf("answer = %q, want %q", got, tt.want)
			}
			if !strings.Contains(out.String(), "bash: ls") {
				t.Fatalf("prompt did not describe the call: %q", out.String())
			}
		})
	}
}

func TestTerminalPrompterBatchAndEOF(t *testing.T) {
	var out bytes.Buffer
	p := NewTerminalPrompter(strings.NewReader(""), &out)
	_, err := p.Prompt(context.Background(), []ApprovalRequest{
		{ToolName: "bash", Subject: "ls"},
		{ToolName: "str_replace_editor", Subject: "/tmp/x"},
	})
	if err == nil {
		t.Fatal("expected an error on empty input")
	}
	if !strings.Contains(out.String(), "2 tool calls") || !strings.Contains(out.String(), "2. str_replace_editor: /tmp/x") {
		t.Fatalf("batch description = %q", out.String())
	}
}

func TestTerminalPrompterHonorsContext(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	p := NewTerminalPrompter(reader, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, []ApprovalRequest{{ToolName: "bash", Subject: "ls"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Prompt = %v, want deadline exceeded", err)
	}
}
