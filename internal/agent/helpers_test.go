package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// scriptedProvider replays one event script per round-trip and records the
// requests it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]StreamEvent
	requests []*Request
	err      error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	snapshot := *req
	snapshot.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, &snapshot)

	var script []StreamEvent
	if idx := len(p.requests) - 1; idx < len(p.turns) {
		script = p.turns[idx]
	} else {
		script = textTurn("done")
	}
	ch := make(chan StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textTurn(text string) []StreamEvent {
	return []StreamEvent{TextStart(), TextDelta(text), BlockStop(), TurnDone("end_turn")}
}

func toolTurn(text string, calls ...ToolUse) []StreamEvent {
	var events []StreamEvent
	if text != "" {
		events = append(events, TextStart(), TextDelta(text), BlockStop())
	}
	for _, call := range calls {
		events = append(events, ToolUseStart(call.ID, call.Name))
		raw := string(call.Arguments)
		// split arguments to exercise fragment concatenation
		mid := len(raw) / 2
		events = append(events, ArgumentsDelta(raw[:mid]), ArgumentsDelta(raw[mid:]), BlockStop())
	}
	return append(events, TurnDone("tool_use"))
}

func call(id, name, args string) ToolUse {
	return ToolUse{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// recordingTool counts sessions and records every execution in order.
type recordingTool struct {
	name    string
	schema  json.RawMessage
	subject func(json.RawMessage) string
	newErr  error
	exec    func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

	mu       sync.Mutex
	sessions int
	restarts int
	stops    int
	calls    []string
	order    *[]string
}

func (t *recordingTool) Name() string        { return t.name }
func (t *recordingTool) Description() string { return "records calls" }
func (t *recordingTool) Schema() json.RawMessage {
	if t.schema != nil {
		return t.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (t *recordingTool) NewSession(ctx context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.newErr != nil {
		return nil, t.newErr
	}
	t.sessions++
	return &recordingSession{tool: t}, nil
}

func (t *recordingTool) snapshot() (sessions, restarts, stops int, calls []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions, t.restarts, t.stops, append([]string(nil), t.calls...)
}

type subjectTool struct {
	*recordingTool
}

func (t subjectTool) ApprovalSubject(args json.RawMessage) string {
	return t.subject(args)
}

type recordingSession struct {
	tool    *recordingTool
	stopped bool
}

func (s *recordingSession) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	s.tool.mu.Lock()
	if s.stopped {
		s.tool.mu.Unlock()
		return ErrorResult(ErrorKindNeedsRestart, "session stopped"), nil
	}
	s.tool.calls = append(s.tool.calls, string(args))
	if s.tool.order != nil {
		*s.tool.order = append(*s.tool.order, s.tool.name+":"+string(args))
	}
	exec := s.tool.exec
	s.tool.mu.Unlock()
	if exec != nil {
		return exec(ctx, args)
	}
	return OutputResult("ran " + string(args)), nil
}

func (s *recordingSession) Stop() error {
	s.tool.mu.Lock()
	defer s.tool.mu.Unlock()
	s.stopped = true
	s.tool.stops++
	return nil
}

func (s *recordingSession) Restart(ctx context.Context) error {
	s.tool.mu.Lock()
	defer s.tool.mu.Unlock()
	s.stopped = false
	s.tool.restarts++
	return nil
}

// countingPrompter answers from a fixed script and counts prompts.
type countingPrompter struct {
	mu       sync.Mutex
	answers  []ApprovalAnswer
	prompts  [][]ApprovalRequest
	fallback ApprovalAnswer
}

func (p *countingPrompter) Prompt(ctx context.Context, requests []ApprovalRequest) (ApprovalAnswer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, requests)
	if len(p.answers) == 0 {
		if p.fallback == "" {
			return AnswerNo, errors.New("no scripted answer")
		}
		return p.fallback, nil
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func newTestRegistry(tools ...Tool) *ToolRegistry {
	registry := NewToolRegistry()
	registry.MustRegister(tools...)
	return registry
}
