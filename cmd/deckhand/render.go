package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/haasonsaas/deckhand/internal/agent"
)

const previewWidth = 100

var (
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Bold(true)
	previewStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f8c8d"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f39c12"))
)

// renderer draws a run as it happens: streamed text, a one-line preview of
// tool arguments while they arrive, then each call's verdict and result.
type renderer struct {
	out        io.Writer
	live       bool
	maxResult  int
	mu         sync.Mutex
	previewing bool
	midLine    bool
	denied     bool
}

func newRenderer(out io.Writer, live bool) *renderer {
	return &renderer{out: out, live: live, maxResult: 2000}
}

func (r *renderer) hooks() agent.LoopHooks {
	return agent.LoopHooks{
		Assembler: agent.AssemblerHooks{
			OnText:      r.text,
			OnArguments: r.arguments,
		},
		OnApproval:   r.approval,
		OnToolResult: r.toolResult,
	}
}

func (r *renderer) text(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPreview()
	fmt.Fprint(r.out, delta)
	r.midLine = !strings.HasSuffix(delta, "\n")
}

// arguments redraws the preview line in place. Without a terminal the
// preview is skipped; the finished call is printed by approval.
func (r *renderer) arguments(id, name string, preview any) {
	if !r.live {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	line := fmt.Sprintf("%s %s", name, compactJSON(preview))
	fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine+previewStyle.Render(ansi.Truncate(line, previewWidth, "…")))
	r.previewing = true
}

func (r *renderer) clearPreview() {
	if r.previewing {
		fmt.Fprint(r.out, "\r"+ansi.EraseEntireLine)
		r.previewing = false
	}
}

func (r *renderer) approval(calls []agent.ToolUse, verdict agent.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPreview()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	r.denied = !verdict.Approved()
	if r.denied {
		fmt.Fprintln(r.out, noticeStyle.Render(fmt.Sprintf("skipped %d tool call(s)", len(calls))))
	}
}

func (r *renderer) toolResult(call agent.ToolUse, result *agent.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied {
		return
	}
	fmt.Fprintln(r.out, toolStyle.Render("▶ "+call.Name)+" "+ansi.Truncate(compactJSON(call.Arguments), previewWidth, "…"))

	body := result.Text()
	if len(body) > r.maxResult {
		body = strings.ToValidUTF8(body[:r.maxResult], "") + fmt.Sprintf("\n… %d more bytes", len(body)-r.maxResult)
	}
	switch {
	case result.IsError:
		fmt.Fprintln(r.out, errorStyle.Render(body))
	case body != "":
		fmt.Fprintln(r.out, body)
	}
	if result.Image != "" {
		fmt.Fprintln(r.out, previewStyle.Render(fmt.Sprintf("[screenshot, %d bytes base64]", len(result.Image))))
	}
}

// finishTurn ends any partial line left by streamed text.
func (r *renderer) finishTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPreview()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPreview()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintln(r.out, noticeStyle.Render(fmt.Sprintf(format, args...)))
}

func compactJSON(v any) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if json.Unmarshal(raw, &decoded) != nil {
			return string(raw)
		}
		v = decoded
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
