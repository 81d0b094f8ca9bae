package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// BedrockConfig configures the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID, SecretAccessKey and SessionToken are optional explicit
	// credentials. The default chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// DefaultModel is the model to use when not specified.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
}

// BedrockProvider streams through the Bedrock Converse API.
type BedrockProvider struct {
	BaseProvider
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider loads AWS configuration and creates the provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		BaseProvider: NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Stream implements agent.Provider.
func (p *BedrockProvider) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	input, err := bedrockInput(model, req)
	if err != nil {
		return nil, err
	}

	var output *bedrockruntime.ConverseStreamOutput
	err = p.Retry(ctx, IsRetryable, func() error {
		var err error
		output, err = p.client.ConverseStream(ctx, input)
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
		stream := output.GetStream()
		defer stream.Close()

		t := &bedrockTranslator{}
		for event := range stream.Events() {
			for _, ev := range t.translate(event) {
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
		emit(ctx, events, agent.StreamError(errors.New("bedrock: stream ended without messageStop")))
	}()
	return events, nil
}

// bedrockTranslator maps Converse stream events to block events. Text
// blocks have no start event, so the first text delta at a new index opens
// one. Reasoning deltas are dropped.
type bedrockTranslator struct {
	open       bool
	openIndex  int32
	stopReason string
	done       bool
}

func (t *bedrockTranslator) translate(event types.ConverseStreamOutput) []agent.StreamEvent {
	switch ev := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		out := t.closeOpen()
		t.open, t.openIndex = true, aws.ToInt32(ev.Value.ContentBlockIndex)
		return append(out, agent.ToolUseStart(aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name)))

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		index := aws.ToInt32(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			var out []agent.StreamEvent
			if !t.open || t.openIndex != index {
				out = append(t.closeOpen(), agent.TextStart())
				t.open, t.openIndex = true, index
			}
			if delta.Value != "" {
				out = append(out, agent.TextDelta(delta.Value))
			}
			return out
		case *types.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input != nil && *delta.Value.Input != "" {
				return []agent.StreamEvent{agent.ArgumentsDelta(*delta.Value.Input)}
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockStop:
		if t.open && t.openIndex == aws.ToInt32(ev.Value.ContentBlockIndex) {
			return t.closeOpen()
		}

	case *types.ConverseStreamOutputMemberMessageStop:
		t.done = true
		out := t.closeOpen()
		return append(out, agent.TurnDone(string(ev.Value.StopReason)))
	}
	return nil
}

func (t *bedrockTranslator) closeOpen() []agent.StreamEvent {
	if !t.open {
		return nil
	}
	t.open = false
	return []agent.StreamEvent{agent.BlockStop()}
}

func bedrockInput(model string, req *agent.Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := bedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		tools := make([]types.Tool, len(req.Tools))
		for i, spec := range req.Tools {
			var schema any
			if err := json.Unmarshal(spec.Schema, &schema); err != nil {
				return nil, fmt.Errorf("bedrock: invalid tool schema for %s: %w", spec.Name, err)
			}
			tools[i] = &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(spec.Name),
					Description: aws.String(spec.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			}
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return input, nil
}

func bedrockMessages(messages []agent.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				content = append(content, &types.ContentBlockMemberText{Value: block.Text})
			case agent.BlockToolUse:
				args, err := argumentsMap(block.ToolUse.Arguments)
				if err != nil {
					return nil, fmt.Errorf("tool call %s: %w", block.ToolUse.ID, err)
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(block.ToolUse.ID),
						Name:      aws.String(block.ToolUse.Name),
						Input:     document.NewLazyDocument(args),
					},
				})
			case agent.BlockToolResult:
				toolResult, err := bedrockToolResult(block.ToolResult)
				if err != nil {
					return nil, err
				}
				content = append(content, toolResult)
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == agent.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func bedrockToolResult(result *agent.ToolResult) (*types.ContentBlockMemberToolResult, error) {
	block := types.ToolResultBlock{
		ToolUseId: aws.String(result.ToolUseID),
		Content: []types.ToolResultContentBlock{
			&types.ToolResultContentBlockMemberText{Value: resultText(result)},
		},
	}
	if result.IsError {
		block.Status = types.ToolResultStatusError
	}
	if result.Image != "" {
		data, err := base64.StdEncoding.DecodeString(result.Image)
		if err != nil {
			return nil, fmt.Errorf("tool result %s image: %w", result.ToolUseID, err)
		}
		block.Content = append(block.Content, &types.ToolResultContentBlockMemberImage{
			Value: types.ImageBlock{
				Format: types.ImageFormatPng,
				Source: &types.ImageSourceMemberBytes{Value: data},
			},
		})
	}
	return &types.ContentBlockMemberToolResult{Value: block}, nil
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError("bedrock", model, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			providerErr.WithMessage(msg)
		}
	}
	return providerErr
}
