package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/version"
)

const premiumADefaultMaxTokens = 4096

// PremiumAAdapter is backed by the Anthropic Messages API.
type PremiumAAdapter struct {
	client anthropic.Client
	apiKey string
	model  string
	log    *logging.Logger
}

// NewPremiumAAdapter creates the premium-a adapter. Retries are disabled
// in the SDK; failover across providers happens one level up.
func NewPremiumAAdapter(cfg config.ProviderConfig, log *logging.Logger) *PremiumAAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", version.UserAgent()),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &PremiumAAdapter{
		client: anthropic.NewClient(opts...),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		log:    log.Sub("llm.premium-a"),
	}
}

func (a *PremiumAAdapter) Provider() domain.Provider { return domain.ProviderPremiumA }

func (a *PremiumAAdapter) Capabilities() Capabilities {
	return Capabilities{NativeStreaming: true, Tools: true, MaxTokens: 8192}
}

func (a *PremiumAAdapter) IsAvailable() bool { return a.apiKey != "" }

func (a *PremiumAAdapter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	params, model, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(domain.ProviderPremiumA, err)
	}

	result := &domain.CompletionResult{
		Role:         domain.RoleAssistant,
		FinishReason: anthropicFinish(string(msg.StopReason)),
		Model:        model,
		Usage:        domain.NewUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: ParseArguments(string(block.Input)),
			})
		case "thinking":
			result.Thinking = append(result.Thinking, domain.ThinkingBlock{Text: block.Thinking, Signature: block.Signature})
		case "redacted_thinking":
			result.Thinking = append(result.Thinking, domain.ThinkingBlock{Redacted: block.Data})
		}
	}
	result.Content = text.String()
	if len(result.ToolCalls) > 0 {
		result.FinishReason = domain.FinishToolCall
	}
	return result, nil
}

func (a *PremiumAAdapter) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error) {
	params, model, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := a.client.Messages.NewStreaming(ctx, params)
	ch := make(chan StreamEvent)
	go a.relay(ctx, stream, model, ch)
	return ch, nil
}

// relay converts Anthropic stream events into chunks. Tool calls are
// numbered in the order their content blocks open. Empty text deltas and
// thinking deltas become empty keep-alive chunks; a finished thinking
// block rides on the chunk sent when it closes.
func (a *PremiumAAdapter) relay(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	var prompt, completion int
	finish := domain.FinishStop
	toolIndex := make(map[int64]int)
	thinking := make(map[int64]*domain.ThinkingBlock)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			prompt = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "thinking":
				thinking[start.Index] = &domain.ThinkingBlock{
					Text:      start.ContentBlock.Thinking,
					Signature: start.ContentBlock.Signature,
				}
				continue
			case "redacted_thinking":
				thinking[start.Index] = &domain.ThinkingBlock{Redacted: start.ContentBlock.Data}
				continue
			case "tool_use":
			default:
				continue
			}
			tu := start.ContentBlock.AsToolUse()
			idx := len(toolIndex)
			toolIndex[start.Index] = idx
			chunk := domain.StreamChunk{
				Delta: domain.ChunkDelta{ToolCalls: []domain.ToolCallChunk{{Index: idx, ID: tu.ID, Name: tu.Name}}},
				Model: model,
			}
			if !send(ctx, ch, StreamEvent{Chunk: chunk}) {
				return
			}

		case "content_block_delta":
			d := event.AsContentBlockDelta()
			var chunk domain.StreamChunk
			switch d.Delta.Type {
			case "text_delta":
				chunk = domain.StreamChunk{Delta: domain.ChunkDelta{Content: d.Delta.Text}, Model: model}
			case "thinking_delta", "signature_delta":
				if tb, ok := thinking[d.Index]; ok {
					tb.Text += d.Delta.Thinking
					tb.Signature += d.Delta.Signature
				}
				chunk = domain.StreamChunk{Model: model}
			case "input_json_delta":
				idx, ok := toolIndex[d.Index]
				if !ok || d.Delta.PartialJSON == "" {
					continue
				}
				chunk = domain.StreamChunk{
					Delta: domain.ChunkDelta{ToolCalls: []domain.ToolCallChunk{{Index: idx, Arguments: d.Delta.PartialJSON}}},
					Model: model,
				}
			default:
				continue
			}
			if !send(ctx, ch, StreamEvent{Chunk: chunk}) {
				return
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			tb, ok := thinking[stop.Index]
			if !ok {
				continue
			}
			delete(thinking, stop.Index)
			chunk := domain.StreamChunk{Delta: domain.ChunkDelta{Thinking: []domain.ThinkingBlock{*tb}}, Model: model}
			if !send(ctx, ch, StreamEvent{Chunk: chunk}) {
				return
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				completion = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				finish = anthropicFinish(string(md.Delta.StopReason))
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, ch, StreamEvent{Err: wrapError(domain.ProviderPremiumA, err)})
		return
	}
	if len(toolIndex) > 0 && finish == domain.FinishStop {
		finish = domain.FinishToolCall
	}
	usage := domain.NewUsage(prompt, completion)
	send(ctx, ch, StreamEvent{Chunk: domain.StreamChunk{
		FinishReason: domain.Finish(finish),
		Usage:        &usage,
		Model:        model,
	}})
}

func (a *PremiumAAdapter) buildParams(req domain.CompletionRequest) (anthropic.MessageNewParams, string, error) {
	model := pickModel(req.Model, a.model, PremiumADefaultModel)
	system, messages := anthropicMessages(req.Messages)

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = premiumADefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return params, model, &domain.ValidationError{Field: "tools", Message: err.Error()}
		}
		params.Tools = tools
	}

	// The API requires max_tokens above the thinking budget and rejects
	// a custom temperature while thinking is on. A tool round whose
	// assistant turn lost its thinking blocks (history from another
	// provider or from storage) is rejected with thinking on, so that
	// call runs without it.
	budget := thinkingBudget(req.ThinkingLevel)
	if budget > 0 && toolTurnMissingThinking(req.Messages) {
		a.log.Debug().Msg("assistant tool turn has no thinking blocks; thinking disabled for this call")
		budget = 0
	}
	if budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + premiumADefaultMaxTokens
		}
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params, model, nil
}

// anthropicMessages lifts system messages into one system prompt and
// merges consecutive same-role turns, since the API wants roles to
// alternate. Tool results travel as user tool_result blocks.
func anthropicMessages(msgs []domain.ChatMessage) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam

	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		role := anthropic.MessageParamRoleUser

		switch m.Role {
		case domain.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		case domain.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case domain.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			for _, tb := range m.Thinking {
				if tb.Redacted != "" {
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(tb.Redacted))
					continue
				}
				blocks = append(blocks, anthropic.NewThinkingBlock(tb.Signature, tb.Text))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
		default:
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return strings.Join(system, "\n\n"), out
}

// toolTurnMissingThinking reports whether the conversation ends in tool
// results answering an assistant turn that carries no thinking blocks.
func toolTurnMissingThinking(msgs []domain.ChatMessage) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch m := msgs[i]; m.Role {
		case domain.RoleTool:
			continue
		case domain.RoleAssistant:
			return len(m.ToolCalls) > 0 && len(m.Thinking) == 0
		default:
			return false
		}
	}
	return false
}

func anthropicTools(tools []domain.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters.Map())
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func anthropicFinish(reason string) domain.FinishReason {
	switch reason {
	case "tool_use":
		return domain.FinishToolCall
	case "max_tokens":
		return domain.FinishLength
	case "refusal":
		return domain.FinishError
	default:
		return domain.FinishStop
	}
}
