package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/logging"
)

// PremiumBAdapter is backed by the OpenAI chat completions API.
type PremiumBAdapter struct {
	client *openai.Client
	apiKey string
	model  string
	log    *logging.Logger
}

// NewPremiumBAdapter creates the premium-b adapter.
func NewPremiumBAdapter(cfg config.ProviderConfig, log *logging.Logger) *PremiumBAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	return &PremiumBAdapter{
		client: openai.NewClientWithConfig(clientConfig),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		log:    log.Sub("llm.premium-b"),
	}
}

func (b *PremiumBAdapter) Provider() domain.Provider { return domain.ProviderPremiumB }

func (b *PremiumBAdapter) Capabilities() Capabilities {
	return Capabilities{NativeStreaming: true, Tools: true, MaxTokens: 16384}
}

func (b *PremiumBAdapter) IsAvailable() bool { return b.apiKey != "" }

func (b *PremiumBAdapter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	oreq := b.buildRequest(req)
	resp, err := b.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, wrapError(domain.ProviderPremiumB, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: domain.ProviderPremiumB, Status: http.StatusBadGateway, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	result := &domain.CompletionResult{
		Content:      choice.Message.Content,
		Role:         domain.RoleAssistant,
		FinishReason: openaiFinish(choice.FinishReason),
		Model:        oreq.Model,
		Usage:        domain.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: ParseArguments(tc.Function.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = domain.FinishToolCall
	}
	return result, nil
}

func (b *PremiumBAdapter) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error) {
	oreq := b.buildRequest(req)
	oreq.Stream = true
	oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := b.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, wrapError(domain.ProviderPremiumB, err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()

		finish := domain.FinishStop
		var usage domain.Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Err: wrapError(domain.ProviderPremiumB, err)})
				return
			}
			if resp.Usage != nil {
				usage = domain.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = openaiFinish(choice.FinishReason)
			}
			delta := domain.ChunkDelta{Content: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				delta.ToolCalls = append(delta.ToolCalls, domain.ToolCallChunk{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			// Empty deltas are keep-alives and go through. The finish
			// frame is folded into the terminal chunk below.
			if choice.FinishReason != "" && delta.Content == "" && len(delta.ToolCalls) == 0 {
				continue
			}
			if !send(ctx, ch, StreamEvent{Chunk: domain.StreamChunk{Delta: delta, Model: oreq.Model}}) {
				return
			}
		}

		send(ctx, ch, StreamEvent{Chunk: domain.StreamChunk{
			FinishReason: domain.Finish(finish),
			Usage:        &usage,
			Model:        oreq.Model,
		}})
	}()
	return ch, nil
}

// buildRequest keeps system messages inline and preserves tool call ids
// on both sides of a tool round.
func (b *PremiumBAdapter) buildRequest(req domain.CompletionRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		switch m.Role {
		case domain.RoleTool:
			om.ToolCallID = m.ToolCallID
		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil || tc.Arguments == nil {
					args = []byte("{}")
				}
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
		}
		msgs = append(msgs, om)
	}

	oreq := openai.ChatCompletionRequest{
		Model:     pickModel(req.Model, b.model, PremiumBDefaultModel),
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
		// Temperature is omitempty on the wire; a tiny non-zero value keeps
		// an explicit zero from falling back to the backend default.
		if oreq.Temperature == 0 {
			oreq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters.Map(),
			},
		})
	}
	return oreq
}

func openaiFinish(reason openai.FinishReason) domain.FinishReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return domain.FinishToolCall
	case openai.FinishReasonLength:
		return domain.FinishLength
	case openai.FinishReasonContentFilter:
		return domain.FinishError
	default:
		return domain.FinishStop
	}
}
