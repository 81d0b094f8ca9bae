package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/deckhand/internal/observability"
)

// ApprovalAnswer is the human collaborator's reply to an approval prompt.
type ApprovalAnswer string

const (
	// AnswerYes approves this call (or batch) once.
	AnswerYes ApprovalAnswer = "y"
	// AnswerNo denies this call (or batch).
	AnswerNo ApprovalAnswer = "n"
	// AnswerAlways approves and remembers the call for the rest of the process.
	AnswerAlways ApprovalAnswer = "a"
)

// ParseApprovalAnswer accepts y/yes, n/no and a/always in any case.
func ParseApprovalAnswer(input string) (ApprovalAnswer, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return AnswerYes, true
	case "n", "no":
		return AnswerNo, true
	case "a", "always":
		return AnswerAlways, true
	default:
		return "", false
	}
}

// ApprovalRequest describes one call awaiting approval.
type ApprovalRequest struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Subject   string          `json:"subject"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Prompter asks the human collaborator about a set of calls. A batch gets a
// single answer that applies to every call in it.
type Prompter interface {
	Prompt(ctx context.Context, requests []ApprovalRequest) (ApprovalAnswer, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, requests []ApprovalRequest) (ApprovalAnswer, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, requests []ApprovalRequest) (ApprovalAnswer, error) {
	return f(ctx, requests)
}

// AllowEntry is one remembered approval.
type AllowEntry struct {
	Tool    string `json:"tool"`
	Subject string `json:"subject"`
}

// AllowList is the process-lifetime, append-only set of approved
// commands and paths. It is never persisted.
type AllowList struct {
	mu      sync.RWMutex
	entries map[AllowEntry]struct{}
	order   []AllowEntry
}

// NewAllowList creates an allow-list seeded with entries.
func NewAllowList(entries ...AllowEntry) *AllowList {
	l := &AllowList{entries: make(map[AllowEntry]struct{})}
	for _, entry := range entries {
		l.Add(entry.Tool, entry.Subject)
	}
	return l
}

// Add remembers an approval. It reports whether the entry was new.
func (l *AllowList) Add(tool, subject string) bool {
	entry := AllowEntry{Tool: tool, Subject: subject}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entry]; ok {
		return false
	}
	l.entries[entry] = struct{}{}
	l.order = append(l.order, entry)
	return true
}

// Contains reports an exact match.
func (l *AllowList) Contains(tool, subject string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[AllowEntry{Tool: tool, Subject: subject}]
	return ok
}

// Entries returns the remembered approvals in insertion order.
func (l *AllowList) Entries() []AllowEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]AllowEntry(nil), l.order...)
}

// Verdict is how a batch of calls was decided.
type Verdict string

const (
	VerdictAuto        Verdict = "auto"
	VerdictAllowListed Verdict = "allowlisted"
	VerdictYes         Verdict = "yes"
	VerdictAlways      Verdict = "always"
	VerdictNo          Verdict = "no"
)

// Approved reports whether the verdict lets the calls run.
func (v Verdict) Approved() bool {
	return v != VerdictNo
}

// ApprovalConfig configures an ApprovalGate.
type ApprovalConfig struct {
	// AutoRun approves every call without consulting the allow-list.
	AutoRun bool

	// AllowList is shared with anything else that needs it. A fresh list is
	// created when nil.
	AllowList *AllowList

	// Prompter asks the human collaborator. With no prompter, anything not
	// allow-listed is denied.
	Prompter Prompter

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// ApprovalGate decides whether a turn's tool calls may run. Batches are
// all-or-nothing.
type ApprovalGate struct {
	autoRun  bool
	allow    *AllowList
	prompter Prompter
	registry *ToolRegistry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewApprovalGate creates a gate that derives approval subjects from the
// tools in registry.
func NewApprovalGate(registry *ToolRegistry, cfg ApprovalConfig) *ApprovalGate {
	if cfg.AllowList == nil {
		cfg.AllowList = NewAllowList()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ApprovalGate{
		autoRun:  cfg.AutoRun,
		allow:    cfg.AllowList,
		prompter: cfg.Prompter,
		registry: registry,
		logger:   cfg.Logger.With("component", "approval"),
		metrics:  cfg.Metrics,
	}
}

// AllowList returns the gate's allow-list.
func (g *ApprovalGate) AllowList() *AllowList {
	return g.allow
}

// Review decides a batch of calls. Every call in the batch gets the same
// verdict. The returned error is non-nil only when ctx ended while waiting
// for an answer; the verdict is then VerdictNo.
func (g *ApprovalGate) Review(ctx context.Context, calls []ToolUse) (Verdict, error) {
	verdict, err := g.review(ctx, calls)
	g.metrics.RecordApproval(string(verdict))
	return verdict, err
}

func (g *ApprovalGate) review(ctx context.Context, calls []ToolUse) (Verdict, error) {
	if g.autoRun {
		return VerdictAuto, nil
	}

	requests := g.Requests(calls)
	allListed := true
	for _, req := range requests {
		if !g.allow.Contains(req.ToolName, req.Subject) {
			allListed = false
			break
		}
	}
	if allListed {
		return VerdictAllowListed, nil
	}

	if g.prompter == nil {
		g.logger.Warn("no prompter configured, denying tool calls", "count", len(calls))
		return VerdictNo, nil
	}

	answer, err := g.prompter.Prompt(ctx, requests)
	if err != nil {
		if ctx.Err() != nil {
			return VerdictNo, ctx.Err()
		}
		g.logger.Warn("approval prompt failed, denying tool calls", "error", err)
		return VerdictNo, nil
	}

	switch answer {
	case AnswerYes:
		return VerdictYes, nil
	case AnswerAlways:
		for _, req := range requests {
			if g.allow.Add(req.ToolName, req.Subject) {
				g.logger.Info("added to allow-list", "tool", req.ToolName, "subject", req.Subject)
			}
		}
		return VerdictAlways, nil
	default:
		return VerdictNo, nil
	}
}

// Requests builds the approval requests for calls, in order.
func (g *ApprovalGate) Requests(calls []ToolUse) []ApprovalRequest {
	requests := make([]ApprovalRequest, 0, len(calls))
	for _, call := range calls {
		requests = append(requests, ApprovalRequest{
			ToolUseID: call.ID,
			ToolName:  call.Name,
			Subject:   g.subject(call),
			Arguments: call.Arguments,
		})
	}
	return requests
}

func (g *ApprovalGate) subject(call ToolUse) string {
	if g.registry != nil {
		if tool, ok := g.registry.Get(call.Name); ok {
			if subjecter, ok := tool.(ApprovalSubjecter); ok {
				if subject := subjecter.ApprovalSubject(call.Arguments); subject != "" {
					return subject
				}
			}
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, call.Arguments); err != nil {
		return string(call.Arguments)
	}
	return compact.String()
}
