package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("Reason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"throttled", errors.New("ThrottlingException: slow down"), ReasonRateLimit},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimit},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonBilling},
		{"quota exceeded", errors.New("quota exceeded"), ReasonBilling},
		{"content blocked", errors.New("content blocked by safety"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"overloaded", errors.New("overloaded"), ReasonServerError},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"connection reset", errors.New("read: connection reset by peer"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-3-opus", cause).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %v, want %v", err.Reason, ReasonRateLimit)
	}
	if err.Status != 429 || err.Code != "rate_limit_error" || err.RequestID != "req-123" {
		t.Errorf("fields = %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("error does not unwrap to its cause")
	}
	wrapped := fmt.Errorf("stream: %w", err)
	if got, ok := GetProviderError(wrapped); !ok || got != err {
		t.Error("GetProviderError did not find the wrapped error")
	}
	if !IsRetryable(wrapped) {
		t.Error("rate limit should be retryable")
	}
	if IsRetryable(NewProviderError("openai", "gpt-4o", nil).WithStatus(401)) {
		t.Error("auth failure should not be retryable")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{408, ReasonTimeout},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	transient := errors.New("503 service unavailable")
	fatal := errors.New("invalid api key")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"first try", nil, 1, nil},
		{"recovers", []error{transient, transient}, 3, nil},
		{"gives up", []error{transient, transient, transient, transient}, 3, transient},
		{"not retryable", []error{fatal}, 1, fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := NewBaseProvider("test", 3, time.Millisecond)
			calls := 0
			err := base.Retry(context.Background(), IsRetryable, func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	base := NewBaseProvider("test", 5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- base.Retry(ctx, IsRetryable, func() error {
			calls++
			return errors.New("timeout")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
