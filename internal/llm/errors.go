package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/soyeahso/llmgate/internal/domain"
)

// ProviderError is returned when a backend call fails.
type ProviderError struct {
	Provider domain.Provider
	Status   int    // HTTP status from the backend, 0 for transport failures
	Body     string // raw error body, when the backend sent one
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderStatus exposes the backend status to domain.Kind.
func (e *ProviderError) ProviderStatus() int { return e.Status }

// Retryable reports whether another provider might succeed where this
// one failed: auth failures, rate limits, and server-side errors.
func (e *ProviderError) Retryable() bool {
	switch e.Status {
	case 401, 403, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// wrapError turns a backend or SDK error into a ProviderError. Context
// errors pass through untouched so callers can tell cancellation apart.
func wrapError(p domain.Provider, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return &ProviderError{Provider: p, Status: anthErr.StatusCode, Body: anthErr.RawJSON(), Message: anthErr.Error(), Err: err}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p, Status: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return &ProviderError{Provider: p, Message: err.Error(), Err: err}
}
