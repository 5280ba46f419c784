package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/llmgate/internal/domain"
)

// SyntheticPrefix starts every synthetic completion.
const SyntheticPrefix = "[synthetic]"

// SyntheticAdapter stands in for an unconfigured provider during local
// development. It echoes the last user message and marks every result
// and chunk as synthetic so nobody mistakes it for model output.
type SyntheticAdapter struct {
	provider domain.Provider
	caps     Capabilities
	model    string
}

// NewSyntheticAdapter returns a placeholder for provider p that reports
// the same capabilities as the adapter it replaces.
func NewSyntheticAdapter(p domain.Provider, caps Capabilities, model string) *SyntheticAdapter {
	caps.NativeStreaming = false
	return &SyntheticAdapter{provider: p, caps: caps, model: model}
}

func (s *SyntheticAdapter) Provider() domain.Provider  { return s.provider }
func (s *SyntheticAdapter) Capabilities() Capabilities { return s.caps }
func (s *SyntheticAdapter) IsAvailable() bool          { return true }

func (s *SyntheticAdapter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	var prompt int
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
		if m.Role == domain.RoleUser {
			last = m.Content
		}
	}
	content := fmt.Sprintf("%s %s is not configured. You said: %s", SyntheticPrefix, s.provider, last)
	return &domain.CompletionResult{
		Content:      content,
		Role:         domain.RoleAssistant,
		FinishReason: domain.FinishStop,
		Usage:        domain.NewUsage(prompt, len(strings.Fields(content))),
		Model:        pickModel(req.Model, s.model, ""),
		Synthetic:    true,
	}, nil
}

func (s *SyntheticAdapter) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error) {
	res, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return simulateStream(ctx, res), nil
}
