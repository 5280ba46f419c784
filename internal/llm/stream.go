package llm

import (
	"context"
	"encoding/json"
	"unicode"

	"github.com/soyeahso/llmgate/internal/domain"
)

// send delivers ev unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitWords cuts s at word boundaries. Each piece is a word followed
// by its trailing whitespace, so joining the pieces yields s again.
func splitWords(s string) []string {
	var out []string
	start := 0
	inWord, seenWord := false, false
	for i, r := range s {
		space := unicode.IsSpace(r)
		if !space && !inWord && seenWord {
			out = append(out, s[start:i])
			start = i
		}
		if !space {
			seenWord = true
		}
		inWord = !space
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// simulateStream replays a finished completion as a chunk sequence: one
// chunk per word, one per tool call, then a terminal chunk with the
// finish reason and usage.
func simulateStream(ctx context.Context, res *domain.CompletionResult) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, w := range splitWords(res.Content) {
			chunk := domain.StreamChunk{
				Delta:     domain.ChunkDelta{Content: w},
				Model:     res.Model,
				Synthetic: res.Synthetic,
			}
			if !send(ctx, ch, StreamEvent{Chunk: chunk}) {
				return
			}
		}
		for i, tc := range res.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				send(ctx, ch, StreamEvent{Err: err})
				return
			}
			chunk := domain.StreamChunk{
				Delta: domain.ChunkDelta{ToolCalls: []domain.ToolCallChunk{{
					Index: i, ID: tc.ID, Name: tc.Name, Arguments: string(args),
				}}},
				Model:     res.Model,
				Synthetic: res.Synthetic,
			}
			if !send(ctx, ch, StreamEvent{Chunk: chunk}) {
				return
			}
		}
		usage := res.Usage
		send(ctx, ch, StreamEvent{Chunk: domain.StreamChunk{
			FinishReason: domain.Finish(res.FinishReason),
			Usage:        &usage,
			Model:        res.Model,
			Synthetic:    res.Synthetic,
		}})
	}()
	return ch
}

// ParseArguments decodes a JSON argument string. Malformed input is kept
// under "_raw" so tool validation can report it.
func ParseArguments(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{"_raw": s}
	}
	return m
}
