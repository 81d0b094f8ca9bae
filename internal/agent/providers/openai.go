package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points the client at a compatible endpoint.
	BaseURL string

	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model. Default: "gpt-4o"
	DefaultModel string
}

// OpenAIProvider streams chat completions.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Stream implements agent.Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(req.System, req.Messages),
		Tools:    openAITools(req.Tools),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		t := newOpenAITranslator()
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				for _, ev := range t.finish() {
					if !emit(ctx, events, ev) {
						return
					}
				}
				return
			}
			if err != nil {
				emit(ctx, events, agent.StreamError(p.wrapError(err, model)))
				return
			}
			for _, ev := range t.chunk(response) {
				if !emit(ctx, events, ev) {
					return
				}
			}
		}
	}()
	return events, nil
}

// openAITranslator serializes chat-completion deltas into block events.
// Tool calls arrive keyed by index and may interleave with text; each call is
// opened when its name is known and closed when another block starts.
type openAITranslator struct {
	open         agent.BlockKind
	openIndex    int
	calls        map[int]*pendingCall
	finishReason string
}

type pendingCall struct {
	id, name string
	args     strings.Builder
	started  bool
	closed   bool
}

func newOpenAITranslator() *openAITranslator {
	return &openAITranslator{calls: make(map[int]*pendingCall)}
}

func (t *openAITranslator) chunk(resp openai.ChatCompletionStreamResponse) []agent.StreamEvent {
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]
	var out []agent.StreamEvent

	if choice.Delta.Content != "" {
		if t.open != agent.KindText {
			out = append(out, t.closeOpen()...)
			out = append(out, agent.TextStart())
			t.open = agent.KindText
		}
		out = append(out, agent.TextDelta(choice.Delta.Content))
	}

	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		call := t.calls[index]
		if call == nil {
			call = &pendingCall{}
			t.calls[index] = call
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}

		if call.closed {
			return append(out, agent.StreamError(fmt.Errorf("openai: tool call %d continued after it was closed", index)))
		}
		if !call.started {
			call.args.WriteString(tc.Function.Arguments)
			if call.name == "" {
				continue
			}
			out = append(out, t.closeOpen()...)
			out = append(out, t.start(index, call)...)
			continue
		}
		if tc.Function.Arguments != "" {
			out = append(out, agent.ArgumentsDelta(tc.Function.Arguments))
		}
	}

	if choice.FinishReason != "" {
		t.finishReason = string(choice.FinishReason)
	}
	return out
}

func (t *openAITranslator) start(index int, call *pendingCall) []agent.StreamEvent {
	if call.id == "" {
		call.id = "call_" + uuid.NewString()
	}
	call.started = true
	t.open = agent.KindToolUse
	t.openIndex = index
	out := []agent.StreamEvent{agent.ToolUseStart(call.id, call.name)}
	if call.args.Len() > 0 {
		out = append(out, agent.ArgumentsDelta(call.args.String()))
		call.args.Reset()
	}
	return out
}

func (t *openAITranslator) closeOpen() []agent.StreamEvent {
	switch t.open {
	case agent.KindText:
	case agent.KindToolUse:
		t.calls[t.openIndex].closed = true
	default:
		return nil
	}
	t.open = ""
	return []agent.StreamEvent{agent.BlockStop()}
}

// finish closes the open block, flushes calls whose name never arrived so the
// assembler can reject them, and ends the turn.
func (t *openAITranslator) finish() []agent.StreamEvent {
	out := t.closeOpen()

	var unstarted []int
	for index, call := range t.calls {
		if !call.started {
			unstarted = append(unstarted, index)
		}
	}
	sort.Ints(unstarted)
	for _, index := range unstarted {
		call := t.calls[index]
		out = append(out, t.start(index, call)...)
		out = append(out, t.closeOpen()...)
	}
	return append(out, agent.TurnDone(openAIStopReason(t.finishReason)))
}

func openAIStopReason(reason string) string {
	switch reason {
	case string(openai.FinishReasonToolCalls), string(openai.FinishReasonFunctionCall):
		return "tool_use"
	case string(openai.FinishReasonStop):
		return "end_turn"
	case string(openai.FinishReasonLength):
		return "max_tokens"
	default:
		return reason
	}
}

func openAIMessages(system string, messages []agent.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		if msg.Role == agent.RoleAssistant {
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, call := range msg.ToolUses() {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			result = append(result, out)
			continue
		}

		// Tool results become one tool message each. Screenshots cannot ride
		// on a tool message, so they follow as a user image message.
		var images []openai.ChatMessagePart
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    resultText(block.ToolResult),
					ToolCallID: block.ToolResult.ToolUseID,
				})
				if block.ToolResult.Image != "" {
					images = append(images, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:image/png;base64," + block.ToolResult.Image,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			case agent.BlockText:
				result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: block.Text})
			}
		}
		if len(images) > 0 {
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: images})
		}
	}
	return result
}

func openAITools(specs []agent.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema,
			},
		}
	}
	return tools
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ClassifyError(err),
			Message:  apiErr.Message,
		}).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr.WithCode(code)
		}
		return providerErr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}
