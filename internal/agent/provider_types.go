package agent

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one self-contained unit of a message: a run of text, a
// tool invocation, or the result of one. Exactly one payload is set,
// matching Type.
type ContentBlock struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool-use content block.
func ToolUseBlock(call ToolUse) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &call}
}

// ToolResultBlock creates a tool-result content block.
func ToolResultBlock(result *ToolResult) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: result}
}

// ToolUse is a finished tool invocation requested by the model. Arguments is
// always a complete JSON document.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolUses returns the tool-use blocks of the message in emission order.
func (m Message) ToolUses() []ToolUse {
	var calls []ToolUse
	for _, block := range m.Content {
		if block.Type == BlockToolUse && block.ToolUse != nil {
			calls = append(calls, *block.ToolUse)
		}
	}
	return calls
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// Request is one model round-trip.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Provider produces the block event stream for one model round-trip.
//
// Implementations translate their SDK's stream into StreamEvents and close
// the channel when the turn ends. A transport failure is delivered as an
// EventError and is fatal to the run.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Stream starts a round-trip. The returned channel is closed by the
	// provider after EventTurnDone or EventError.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Tool is a capability the model can invoke by name. A Tool is a
// definition; the state it needs lives in the Session it creates.
type Tool interface {
	// Name returns the unique identifier the model uses to invoke the tool.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments.
	Schema() json.RawMessage

	// NewSession starts the tool's session. The dispatcher calls it lazily
	// on first use and owns the returned session exclusively.
	NewSession(ctx context.Context) (Session, error)
}

// Session is a running tool instance.
type Session interface {
	// Execute runs one call. Failures the model should see are reported in
	// the result; a returned error is converted into an error result.
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)

	// Stop tears the session down. Further Execute calls report
	// ErrorKindNeedsRestart.
	Stop() error

	// Restart tears the session down and starts a fresh one.
	Restart(ctx context.Context) error
}

// ApprovalSubjecter is implemented by tools whose approval key is something
// narrower than the whole argument document, such as a shell command or a
// file path.
type ApprovalSubjecter interface {
	ApprovalSubject(args json.RawMessage) string
}
