package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// BaseProvider holds retry configuration shared by providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Name returns the provider identifier.
func (b *BaseProvider) Name() string { return b.name }

// Retry runs op until it succeeds, fails with an error isRetryable rejects,
// or the attempts run out. Attempt n waits n*retryDelay before running again.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) || attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// emit sends ev unless ctx is done. It reports whether the event was sent.
func emit(ctx context.Context, events chan<- agent.StreamEvent, ev agent.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// resultText is the text a provider sends back for a tool result.
func resultText(result *agent.ToolResult) string {
	if text := result.Text(); text != "" {
		return text
	}
	return agent.NoOutput
}

// argumentsMap decodes tool arguments for SDKs that want a map.
func argumentsMap(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
