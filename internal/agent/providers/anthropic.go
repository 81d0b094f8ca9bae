// Package providers adapts model APIs to the agent's block event stream.
//
// Each provider converts the conversation into its SDK's request format,
// opens a streaming call and translates the SDK's events into
// agent.StreamEvents: BlockStart, Delta and BlockStop per content block,
// then TurnDone. Opening the stream is retried on transient errors; once
// events have been delivered a failure is reported as an EventError.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string
}

// AnthropicProvider streams Claude messages.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Stream implements agent.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var started bool
		err := p.Retry(ctx, IsRetryable, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Next() {
				started = true
				return nil
			}
			err := stream.Err()
			_ = stream.Close()
			if err == nil {
				return errors.New("anthropic: stream ended before any event")
			}
			return p.wrapError(err, model)
		})
		if err != nil {
			emit(ctx, events, agent.StreamError(err))
			return
		}
		defer stream.Close()

		t := newAnthropicTranslator()
		for ok := started; ok; ok = stream.Next() {
			for _, ev := range t.translate(stream.Current()) {
				if !emit(ctx, events, ev) {
					return
				}
			}
			if t.done {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, events, agent.StreamError(p.wrapError(err, model)))
			return
		}
		emit(ctx, events, agent.StreamError(errors.New("anthropic: stream ended without message_stop")))
	}()
	return events, nil
}

// anthropicTranslator maps SSE events to block events. Blocks the agent does
// not model, such as thinking, are dropped along with their deltas.
type anthropicTranslator struct {
	skipped    map[int64]bool
	stopReason string
	done       bool
}

func newAnthropicTranslator() *anthropicTranslator {
	return &anthropicTranslator{skipped: make(map[int64]bool)}
}

func (t *anthropicTranslator) translate(event anthropic.MessageStreamEventUnion) []agent.StreamEvent {
	switch event.Type {
	case "content_block_start":
		block := event.AsContentBlockStart().ContentBlock
		switch block.Type {
		case "text":
			out := []agent.StreamEvent{agent.TextStart()}
			if block.Text != "" {
				out = append(out, agent.TextDelta(block.Text))
			}
			return out
		case "tool_use":
			toolUse := block.AsToolUse()
			return []agent.StreamEvent{agent.ToolUseStart(toolUse.ID, toolUse.Name)}
		default:
			t.skipped[event.Index] = true
		}

	case "content_block_delta":
		if t.skipped[event.Index] {
			return nil
		}
		delta := event.AsContentBlockDelta().Delta
		switch delta.Type {
		case "text_delta":
			if delta.Text != "" {
				return []agent.StreamEvent{agent.TextDelta(delta.Text)}
			}
		case "input_json_delta":
			if delta.PartialJSON != "" {
				return []agent.StreamEvent{agent.ArgumentsDelta(delta.PartialJSON)}
			}
		}

	case "content_block_stop":
		if t.skipped[event.Index] {
			return nil
		}
		return []agent.StreamEvent{agent.BlockStop()}

	case "message_delta":
		if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
			t.stopReason = string(reason)
		}

	case "message_stop":
		t.done = true
		return []agent.StreamEvent{agent.TurnDone(t.stopReason)}

	case "error":
		t.done = true
		return []agent.StreamEvent{agent.StreamError(errors.New("anthropic: stream error event"))}
	}
	return nil
}

func (p *AnthropicProvider) buildParams(req *agent.Request) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, spec := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: invalid tool schema for %s: %w", spec.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		tool.OfTool.Description = anthropic.String(spec.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

func anthropicMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case agent.BlockToolUse:
				args, err := argumentsMap(block.ToolUse.Arguments)
				if err != nil {
					return nil, fmt.Errorf("tool call %s: %w", block.ToolUse.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUse.ID, args, block.ToolUse.Name))
			case agent.BlockToolResult:
				content = append(content, anthropic.ContentBlockParamUnion{OfToolResult: anthropicToolResult(block.ToolResult)})
			}
		}
		if msg.Role == agent.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicToolResult(result *agent.ToolResult) *anthropic.ToolResultBlockParam {
	block := &anthropic.ToolResultBlockParam{ToolUseID: result.ToolUseID}
	if result.IsError {
		block.IsError = anthropic.Bool(true)
	}
	block.Content = append(block.Content, anthropic.ToolResultBlockParamContentUnion{
		OfText: &anthropic.TextBlockParam{Text: resultText(result)},
	})
	if result.Image != "" {
		block.Content = append(block.Content, anthropic.ToolResultBlockParamContentUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      result.Image,
						MediaType: anthropic.Base64ImageSourceMediaTypeImagePNG,
					},
				},
			},
		})
	}
	return block
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}
	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.WithRequestID(payload.RequestID)
		}
	}
	return providerErr
}
