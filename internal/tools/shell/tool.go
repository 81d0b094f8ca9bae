package shell

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// ToolName is the name the model calls the shell by.
const ToolName = "bash"

// Tool exposes a persistent shell to the model.
type Tool struct {
	cfg Config
}

// NewTool creates the shell tool. Each session it opens uses cfg.
func NewTool(cfg Config) *Tool {
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Run a command in a persistent bash shell. Working directory and environment " +
		"carry over between calls. Long-running commands are interrupted after a timeout. " +
		`If the shell has exited, call again with "restart": true.`
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command to run.",
			},
			"restart": map[string]interface{}{
				"type":        "boolean",
				"description": "Kill the shell and start a fresh one before running the command.",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ApprovalSubject is the command itself.
func (t *Tool) ApprovalSubject(args json.RawMessage) string {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return ""
	}
	return strings.TrimSpace(input.Command)
}

// NewSession starts a shell.
func (t *Tool) NewSession(ctx context.Context) (agent.Session, error) {
	session := NewSession(t.cfg)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
