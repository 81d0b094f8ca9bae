package agent

import (
	"fmt"
	"strings"
	"sync"
)

// Tool limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 128

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry holds the closed set of tools a run may dispatch to.
// Tools are registered up front; lookup by name never probes anything at
// runtime.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool under its name. Registering the same name twice is an
// error.
func (r *ToolRegistry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name())
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister is like Register but panics on error. Useful for static tool
// sets assembled in main.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs describes every registered tool for the model, in registration order.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}
