// Package files implements str_replace_editor, a workspace-confined file
// viewer and editor with per-file undo.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// ToolName is the name the model calls the editor by.
const ToolName = "str_replace_editor"

// Editor commands.
const (
	CommandView       = "view"
	CommandCreate     = "create"
	CommandStrReplace = "str_replace"
	CommandInsert     = "insert"
	CommandUndoEdit   = "undo_edit"
)

// Config controls the editor.
type Config struct {
	// Workspace is the root every path must stay inside.
	Workspace string

	// MaxFileBytes refuses to load larger files. Zero means 10 MiB.
	MaxFileBytes int64

	// SnippetLines is the context shown around an edit.
	SnippetLines int

	Logger *slog.Logger
}

// Input is the editor's argument object.
type Input struct {
	Command    string  `json:"command" jsonschema:"enum=view,enum=create,enum=str_replace,enum=insert,enum=undo_edit,description=The operation to perform."`
	Path       string  `json:"path" jsonschema:"description=Path to a file or directory. Relative paths start at the workspace root."`
	FileText   *string `json:"file_text,omitempty" jsonschema:"description=Content of the file for create."`
	OldStr     *string `json:"old_str,omitempty" jsonschema:"description=Text to replace for str_replace. Must match exactly once."`
	NewStr     *string `json:"new_str,omitempty" jsonschema:"description=Replacement text for str_replace or the text to add for insert."`
	InsertLine *int    `json:"insert_line,omitempty" jsonschema:"minimum=0,description=Line after which new_str is inserted. 0 inserts at the top."`
	ViewRange  []int   `json:"view_range,omitempty" jsonschema:"minItems=2,maxItems=2,description=Optional start and end line numbers for view. Use -1 as end for the rest of the file."`
}

// Tool is the str_replace_editor tool.
type Tool struct {
	cfg      Config
	resolver Resolver
	schema   json.RawMessage
}

// NewTool creates the editor scoped to cfg.Workspace.
func NewTool(cfg Config) *Tool {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 10 << 20
	}
	if cfg.SnippetLines <= 0 {
		cfg.SnippetLines = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tool{cfg: cfg, resolver: Resolver{Root: cfg.Workspace}, schema: inputSchema()}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "View, create and edit files in the workspace. view shows a file with line numbers " +
		"or lists a directory two levels deep. str_replace requires old_str to match exactly once. " +
		"undo_edit reverts the last change to a file."
}

func (t *Tool) Schema() json.RawMessage { return t.schema }

// ApprovalSubject is the resolved path being touched.
func (t *Tool) ApprovalSubject(args json.RawMessage) string {
	var input Input
	if err := json.Unmarshal(args, &input); err != nil {
		return ""
	}
	if resolved, err := t.resolver.Resolve(input.Path); err == nil {
		return resolved
	}
	return strings.TrimSpace(input.Path)
}

// NewSession opens an editor session with an empty undo history.
func (t *Tool) NewSession(ctx context.Context) (agent.Session, error) {
	return &Session{
		tool:    t,
		logger:  t.cfg.Logger.With("component", "editor"),
		history: make(map[string][]snapshot),
	}, nil
}

func inputSchema() json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := r.Reflect(&Input{})
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// snapshot is a file's content before an edit. A nil content means the file
// did not exist.
type snapshot struct {
	content *string
}

// Session carries the undo history of one editor instance.
type Session struct {
	tool   *Tool
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	history map[string][]snapshot
}

// Execute implements agent.Session.
func (s *Session) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return agent.ErrorResult(agent.ErrorKindNeedsRestart, `editor session is stopped; call again with "restart": true`), nil
	}

	var input Input
	if err := json.Unmarshal(args, &input); err != nil {
		return invalid("invalid parameters: %v", err), nil
	}
	path, err := s.tool.resolver.Resolve(input.Path)
	if err != nil {
		return invalid("%v", err), nil
	}

	switch input.Command {
	case CommandView:
		return s.view(path, input.ViewRange), nil
	case CommandCreate:
		if input.FileText == nil {
			return invalid("file_text is required for create"), nil
		}
		return s.create(path, *input.FileText), nil
	case CommandStrReplace:
		if input.OldStr == nil {
			return invalid("old_str is required for str_replace"), nil
		}
		newStr := ""
		if input.NewStr != nil {
			newStr = *input.NewStr
		}
		return s.strReplace(path, *input.OldStr, newStr), nil
	case CommandInsert:
		if input.InsertLine == nil {
			return invalid("insert_line is required for insert"), nil
		}
		if input.NewStr == nil {
			return invalid("new_str is required for insert"), nil
		}
		return s.insert(path, *input.InsertLine, *input.NewStr), nil
	case CommandUndoEdit:
		return s.undo(path), nil
	default:
		return invalid("unknown command %q; expected one of view, create, str_replace, insert, undo_edit", input.Command), nil
	}
}

// Stop discards the undo history.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.history = make(map[string][]snapshot)
	return nil
}

// Restart clears the undo history and reopens the session.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.history = make(map[string][]snapshot)
	return nil
}

func (s *Session) remember(path string, previous *string) {
	s.history[path] = append(s.history[path], snapshot{content: previous})
}

func invalid(format string, args ...any) *agent.ToolResult {
	return agent.ErrorResult(agent.ErrorKindInvalidArguments, fmt.Sprintf(format, args...))
}

func failed(format string, args ...any) *agent.ToolResult {
	return agent.ErrorResult(agent.ErrorKindExecution, fmt.Sprintf(format, args...))
}
