package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/soyeahso/llmgate/internal/domain"
)

// toolCallRe matches ```tool_call\n{...}\n``` blocks in model output.
var toolCallRe = regexp.MustCompile("(?s)```tool_call\\s*\n(\\{.*?\\})\n\\s*```")

// textToolCall is the JSON inside a fenced tool_call block. Both the
// {"tool","input"} and {"name","arguments"} spellings are accepted.
type textToolCall struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls extracts fenced tool_call blocks from model text.
// Only names in offered are returned; anything unparsable is skipped.
func parseTextToolCalls(text string, offered []domain.Tool) []domain.ToolCall {
	if len(offered) == 0 || !strings.Contains(text, "```tool_call") {
		return nil
	}
	known := make(map[string]bool, len(offered))
	for _, t := range offered {
		known[t.Name] = true
	}

	var calls []domain.ToolCall
	for _, match := range toolCallRe.FindAllStringSubmatch(text, -1) {
		var tc textToolCall
		if err := json.Unmarshal([]byte(match[1]), &tc); err != nil {
			continue
		}
		name, raw := tc.Tool, tc.Input
		if name == "" {
			name, raw = tc.Name, tc.Arguments
		}
		if !known[name] {
			continue
		}
		args := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil || args == nil {
				args = map[string]any{"_raw": string(raw)}
			}
		}
		calls = append(calls, domain.ToolCall{
			ID:        "call_" + shortuuid.New(),
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}
