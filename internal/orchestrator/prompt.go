package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
)

// toolPrompt describes tools to a model that has no structured tool
// support. The model answers with fenced tool_call blocks, which
// parseTextToolCalls picks up.
func toolPrompt(tools []domain.Tool, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current date: %s\n\n", now.Format("2006-01-02"))

	b.WriteString("## Available Tools\n\n")
	b.WriteString("You can call tools by outputting a fenced code block with the language tag `tool_call`:\n\n")
	b.WriteString("```tool_call\n{\"tool\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n```\n\n")
	b.WriteString("After a tool is executed, the result will be provided. You may call multiple tools before giving your final response.\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "### %s\n%s\n", t.Name, t.Description)
		if schema, err := json.Marshal(t.Parameters.Map()); err == nil {
			fmt.Fprintf(&b, "Input schema: %s\n", schema)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// withToolPrompt returns msgs with the tool prompt placed after any
// leading system messages.
func withToolPrompt(msgs []domain.ChatMessage, tools []domain.Tool, now time.Time) []domain.ChatMessage {
	i := 0
	for i < len(msgs) && msgs[i].Role == domain.RoleSystem {
		i++
	}
	out := make([]domain.ChatMessage, 0, len(msgs)+1)
	out = append(out, msgs[:i]...)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: toolPrompt(tools, now)})
	return append(out, msgs[i:]...)
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
