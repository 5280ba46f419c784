package llm

import (
	"context"

	"github.com/soyeahso/llmgate/internal/domain"
)

// MockAdapter is a test double for Adapter.
type MockAdapter struct {
	ProviderName domain.Provider
	Caps         Capabilities
	Unavailable  bool
	CompleteFunc func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error)
	StreamFunc   func(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error)
}

func (m *MockAdapter) Provider() domain.Provider  { return m.ProviderName }
func (m *MockAdapter) Capabilities() Capabilities { return m.Caps }
func (m *MockAdapter) IsAvailable() bool          { return !m.Unavailable }

func (m *MockAdapter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &domain.CompletionResult{
		Content:      "mock response",
		Role:         domain.RoleAssistant,
		FinishReason: domain.FinishStop,
		Usage:        domain.NewUsage(1, 2),
	}, nil
}

func (m *MockAdapter) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	res, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return simulateStream(ctx, res), nil
}

// ChunkStream returns a closed channel pre-loaded with events, for
// adapters that replay a scripted stream.
func ChunkStream(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
