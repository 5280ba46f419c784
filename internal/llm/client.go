// Package llm adapts the three backend LLM providers onto one contract.
//
// Every adapter accepts a domain.CompletionRequest and answers with a
// domain.CompletionResult or a stream of domain.StreamChunk values. Backend
// wire formats, stop reasons, and errors never leak past this package.
package llm

import (
	"context"

	"github.com/soyeahso/llmgate/internal/domain"
)

// Default models per provider, used when a request names none.
const (
	EdgeDefaultModel     = "@cf/meta/llama-3.1-8b-instruct"
	PremiumADefaultModel = "claude-sonnet-4-20250514"
	PremiumBDefaultModel = "gpt-4o"
)

// Capabilities describes what a provider can do.
type Capabilities struct {
	// NativeStreaming is false when Stream slices a full completion
	// into chunks instead of relaying a backend stream.
	NativeStreaming bool
	Tools           bool
	MaxTokens       int
}

// StreamEvent carries either a chunk or a terminal error. The channel
// closes after the terminal chunk or after an event with Err set.
type StreamEvent struct {
	Chunk domain.StreamChunk
	Err   error
}

// Adapter is implemented by every provider backend.
type Adapter interface {
	Provider() domain.Provider
	Capabilities() Capabilities

	// IsAvailable reports whether the adapter has the credentials it
	// needs. Callers check it before Complete or Stream.
	IsAvailable() bool

	// Complete sends a request and returns the full result.
	Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error)

	// Stream sends a request and returns a channel of events. The
	// producer stops when ctx is cancelled and always closes the channel.
	Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error)
}

// thinkingBudget maps a thinking level onto a token budget. Zero means
// thinking is disabled.
func thinkingBudget(level domain.ThinkingLevel) int64 {
	switch level {
	case domain.ThinkingMinimal:
		return 1024
	case domain.ThinkingLow:
		return 4096
	case domain.ThinkingHigh:
		return 16384
	default:
		return 0
	}
}

func pickModel(requested, configured, fallback string) string {
	if requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}
