package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/llmgate/internal/domain"
)

func TestParseTextToolCalls(t *testing.T) {
	offered := []domain.Tool{{Name: "calculate"}, {Name: "word_count"}}

	text := "Let me check.\n" +
		"```tool_call\n{\"tool\": \"calculate\", \"input\": {\"operation\": \"add\", \"a\": 1, \"b\": 2}}\n```\n" +
		"and\n" +
		"```tool_call\n{\"name\": \"word_count\", \"arguments\": {\"text\": \"hi there\"}}\n```\n" +
		"```tool_call\n{\"tool\": \"rm_rf\", \"input\": {}}\n```\n" +
		"```tool_call\n{not json}\n```"

	calls := parseTextToolCalls(text, offered)
	require.Len(t, calls, 2)
	assert.Equal(t, "calculate", calls[0].Name)
	assert.Equal(t, float64(2), calls[0].Arguments["b"])
	assert.Equal(t, "word_count", calls[1].Name)
	assert.Equal(t, "hi there", calls[1].Arguments["text"])
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
}

func TestParseTextToolCallsNeedsOfferedTools(t *testing.T) {
	text := "```tool_call\n{\"tool\": \"calculate\", \"input\": {}}\n```"
	assert.Nil(t, parseTextToolCalls(text, nil))
	assert.Nil(t, parseTextToolCalls("plain answer", []domain.Tool{{Name: "calculate"}}))
}

func TestParseTextToolCallsBadInput(t *testing.T) {
	text := "```tool_call\n{\"tool\": \"calculate\", \"input\": [1, 2]}\n```"
	calls := parseTextToolCalls(text, []domain.Tool{{Name: "calculate"}})
	require.Len(t, calls, 1)
	assert.Equal(t, "[1, 2]", calls[0].Arguments["_raw"])
}

func TestWithToolPrompt(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tools := []domain.Tool{{
		Name:        "word_count",
		Description: "Counts words.",
		Parameters:  domain.ToolSchema{Type: "object", Required: []string{"text"}},
	}}
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "hi"},
	}

	out := withToolPrompt(msgs, tools, now)
	require.Len(t, out, 3)
	assert.Equal(t, "be brief", out[0].Content)
	assert.Equal(t, domain.RoleSystem, out[1].Role)
	assert.Contains(t, out[1].Content, "Current date: 2026-05-01")
	assert.Contains(t, out[1].Content, "### word_count\nCounts words.")
	assert.Contains(t, out[1].Content, `"required":["text"]`)
	assert.Equal(t, "hi", out[2].Content)
	assert.Len(t, msgs, 2)
}
