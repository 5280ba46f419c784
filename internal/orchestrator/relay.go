package orchestrator

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/llm"
)

// accumulator rebuilds a CompletionResult from stream chunks. Content
// deltas are concatenated; tool call fragments are grouped by index.
type accumulator struct {
	content   strings.Builder
	calls     map[int]*partialCall
	finish    domain.FinishReason
	usage     domain.Usage
	model     string
	synthetic bool
	thinking  []domain.ThinkingBlock
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*partialCall)}
}

func (a *accumulator) add(c domain.StreamChunk) {
	a.content.WriteString(c.Delta.Content)
	for _, tc := range c.Delta.ToolCalls {
		p, ok := a.calls[tc.Index]
		if !ok {
			p = &partialCall{}
			a.calls[tc.Index] = p
		}
		if tc.ID != "" {
			p.id = tc.ID
		}
		if tc.Name != "" {
			p.name = tc.Name
		}
		p.args.WriteString(tc.Arguments)
	}
	a.thinking = append(a.thinking, c.Delta.Thinking...)
	if c.Model != "" {
		a.model = c.Model
	}
	if c.Usage != nil {
		a.usage = *c.Usage
	}
	if c.Synthetic {
		a.synthetic = true
	}
	if c.FinishReason != nil {
		a.finish = *c.FinishReason
	}
}

func (a *accumulator) result() *domain.CompletionResult {
	res := &domain.CompletionResult{
		Content:      a.content.String(),
		Role:         domain.RoleAssistant,
		FinishReason: a.finish,
		Usage:        a.usage,
		Model:        a.model,
		Synthetic:    a.synthetic,
		Thinking:     a.thinking,
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		p := a.calls[i]
		id := p.id
		if id == "" {
			id = "call_" + shortuuid.New()
		}
		res.ToolCalls = append(res.ToolCalls, domain.ToolCall{
			ID:        id,
			Name:      p.name,
			Arguments: llm.ParseArguments(p.args.String()),
		})
	}
	return res
}

// relay pulls chunks from ch one at a time, hands every chunk to forward
// as soon as it arrives, and returns the accumulated result once a
// terminal chunk is seen. The terminal chunk itself is not forwarded;
// if it carries deltas they are forwarded as a plain chunk first.
func relay(ctx context.Context, p domain.Provider, ch <-chan llm.StreamEvent, forward func(domain.StreamChunk) error) (*domain.CompletionResult, error) {
	acc := newAccumulator()
	for {
		var (
			ev llm.StreamEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok = <-ch:
		}
		if !ok {
			return nil, &llm.ProviderError{Provider: p, Status: 502, Message: "stream ended without a finish reason"}
		}
		if ev.Err != nil {
			return nil, ev.Err
		}

		c := ev.Chunk
		acc.add(c)
		if !c.Terminal() {
			if err := forward(c); err != nil {
				return nil, err
			}
			continue
		}
		if c.Delta.Content != "" || len(c.Delta.ToolCalls) > 0 {
			if err := forward(domain.StreamChunk{Delta: c.Delta, Model: c.Model, Synthetic: c.Synthetic}); err != nil {
				return nil, err
			}
		}
		return acc.result(), nil
	}
}

// resultDelta renders a complete result as the deltas a stream of it
// would carry, without a finish reason.
func resultDelta(res *domain.CompletionResult) domain.ChunkDelta {
	d := domain.ChunkDelta{Content: res.Content}
	for i, tc := range res.ToolCalls {
		d.ToolCalls = append(d.ToolCalls, domain.ToolCallChunk{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: encodeArguments(tc.Arguments),
		})
	}
	return d
}
