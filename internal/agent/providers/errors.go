package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonBilling          Reason = "billing"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonAuth             Reason = "auth"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// IsRetryable reports whether trying the same request again may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from a model API.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies cause by its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code and reclassifies from it.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage replaces the message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

var messagePatterns = []struct {
	reason   Reason
	patterns []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "throttl"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{ReasonContentFilter, []string{"content_filter", "content policy", "safety", "blocked"}},
	{ReasonModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{ReasonServerError, []string{"internal server", "server error", "unavailable", "overloaded", "500", "502", "503", "504", "connection reset", "connection refused"}},
}

// ClassifyError inspects an error message.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, group := range messagePatterns {
		for _, pattern := range group.patterns {
			if strings.Contains(msg, pattern) {
				return group.reason
			}
		}
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "accessdeniedexception":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "overloaded_error", "serviceunavailableexception", "internalserverexception":
		return ReasonServerError
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
