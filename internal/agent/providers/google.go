package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey string

	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	// Default: "gemini-2.0-flash"
	DefaultModel string
}

// GoogleProvider streams Gemini responses.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Stream implements agent.Provider.
func (p *GoogleProvider) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, err := googleContents(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := googleConfig(req)

	var (
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
		first *genai.GenerateContentResponse
		more  bool
	)
	err = p.Retry(ctx, IsRetryable, func() error {
		next, stop = iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
		resp, err, ok := next()
		if err != nil {
			stop()
			return p.wrapError(err, model)
		}
		first, more = resp, ok
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)
		defer stop()

		t := &googleTranslator{}
		for resp, ok := first, more; ok; {
			for _, ev := range t.response(resp) {
				if !emit(ctx, events, ev) {
					return
				}
			}
			var err error
			resp, err, ok = next()
			if err != nil {
				emit(ctx, events, agent.StreamError(p.wrapError(err, model)))
				return
			}
		}
		for _, ev := range t.finish() {
			if !emit(ctx, events, ev) {
				return
			}
		}
	}()
	return events, nil
}

// googleTranslator turns Gemini parts into block events. Text parts extend
// an open text block; each function call arrives whole and becomes a
// complete tool-use block with a generated ID when Gemini gives none.
type googleTranslator struct {
	textOpen     bool
	sawCall      bool
	finishReason genai.FinishReason
}

func (t *googleTranslator) response(resp *genai.GenerateContentResponse) []agent.StreamEvent {
	if resp == nil {
		return nil
	}
	var out []agent.StreamEvent
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.FinishReason != "" {
			t.finishReason = candidate.FinishReason
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.Text != "" {
				if !t.textOpen {
					out = append(out, agent.TextStart())
					t.textOpen = true
				}
				out = append(out, agent.TextDelta(part.Text))
			}
			if call := part.FunctionCall; call != nil {
				out = append(out, t.closeText()...)
				id := call.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				args, err := json.Marshal(call.Args)
				if err != nil || call.Args == nil {
					args = []byte("{}")
				}
				t.sawCall = true
				out = append(out,
					agent.ToolUseStart(id, call.Name),
					agent.ArgumentsDelta(string(args)),
					agent.BlockStop(),
				)
			}
		}
	}
	return out
}

func (t *googleTranslator) closeText() []agent.StreamEvent {
	if !t.textOpen {
		return nil
	}
	t.textOpen = false
	return []agent.StreamEvent{agent.BlockStop()}
}

func (t *googleTranslator) finish() []agent.StreamEvent {
	out := t.closeText()
	reason := strings.ToLower(string(t.finishReason))
	switch {
	case t.sawCall:
		reason = "tool_use"
	case t.finishReason == genai.FinishReasonStop:
		reason = "end_turn"
	case t.finishReason == genai.FinishReasonMaxTokens:
		reason = "max_tokens"
	}
	return append(out, agent.TurnDone(reason))
}

func googleConfig(req *agent.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	var declarations []*genai.FunctionDeclaration
	for _, spec := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(schema),
		})
	}
	if len(declarations) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return config
}

// geminiSchema converts the JSON Schema subset tools use into genai.Schema.
func geminiSchema(node map[string]any) *genai.Schema {
	if node == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := node["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := node["description"].(string); ok {
		schema.Description = desc
	}
	for _, e := range asSlice(node["enum"]) {
		if s, ok := e.(string); ok {
			schema.Enum = append(schema.Enum, s)
		}
	}
	if props, ok := node["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	for _, r := range asSlice(node["required"]) {
		if s, ok := r.(string); ok {
			schema.Required = append(schema.Required, s)
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func googleContents(messages []agent.Message) ([]*genai.Content, error) {
	names := make(map[string]string)
	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == agent.RoleAssistant {
			content.Role = genai.RoleModel
		}
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				content.Parts = append(content.Parts, &genai.Part{Text: block.Text})
			case agent.BlockToolUse:
				args, err := argumentsMap(block.ToolUse.Arguments)
				if err != nil {
					return nil, fmt.Errorf("tool call %s: %w", block.ToolUse.ID, err)
				}
				names[block.ToolUse.ID] = block.ToolUse.Name
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: block.ToolUse.ID, Name: block.ToolUse.Name, Args: args},
				})
			case agent.BlockToolResult:
				tr := block.ToolResult
				response := map[string]any{"output": resultText(tr)}
				if tr.IsError {
					response = map[string]any{"error": resultText(tr)}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       tr.ToolUseID,
						Name:     names[tr.ToolUseID],
						Response: response,
					},
				})
				if tr.Image != "" {
					data, err := base64.StdEncoding.DecodeString(tr.Image)
					if err != nil {
						return nil, fmt.Errorf("tool result %s image: %w", tr.ToolUseID, err)
					}
					content.Parts = append(content.Parts, &genai.Part{
						InlineData: &genai.Blob{Data: data, MIMEType: "image/png"},
					})
				}
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError("google", model, err)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providerErr.WithStatus(apiErr.Code).WithCode(apiErr.Status)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthenticated"):
		providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "permission denied"):
		providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "resource exhausted"):
		providerErr.WithStatus(http.StatusTooManyRequests)
	}
	return providerErr
}
