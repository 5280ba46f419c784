package domain

import (
	"fmt"
	"time"
)

// Role constants for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ValidRole reports whether r is one of the four chat roles.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ChatMessage is a single turn in a conversation.
// A tool message always carries the ToolCallID of the call it answers.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`

	// Thinking is provider reasoning attached to an assistant turn. It is
	// replayed to the same provider during a tool round and never leaves
	// the process.
	Thinking []ThinkingBlock `json:"-"`
}

// ThinkingBlock is one reasoning block as the provider returned it.
// Redacted holds the opaque payload of a redacted block; otherwise Text
// and Signature are set.
type ThinkingBlock struct {
	Text      string
	Signature string
	Redacted  string
}

// ToolCall is a model request to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool declares something the model may invoke. Tenants own their tool
// lists; the gateway only reads them.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  ToolSchema `json:"parameters"`

	// Endpoint is set on tenant webhook tools.
	Endpoint string `json:"endpoint,omitempty"`
}

// ToolSchema is the JSON-schema object shape of a tool's arguments.
type ToolSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// Map renders the schema as a generic JSON-schema document.
func (s ToolSchema) Map() map[string]any {
	typ := s.Type
	if typ == "" {
		typ = "object"
	}
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	m := map[string]any{
		"type":       typ,
		"properties": props,
	}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		m["required"] = req
	}
	return m
}

// ValidateMessages checks the structural invariants of a conversation:
// it is non-empty, every role is known, and every tool message answers a
// tool call issued earlier in the same sequence.
func ValidateMessages(msgs []ChatMessage) error {
	return ValidateContinuation(nil, msgs)
}

// ValidateContinuation is ValidateMessages for msgs appended to an
// existing history: tool messages may answer calls issued in history.
// Field indices in errors refer to msgs.
func ValidateContinuation(history, msgs []ChatMessage) error {
	if len(msgs) == 0 {
		return &ValidationError{Field: "messages", Message: "must not be empty"}
	}
	issued := make(map[string]bool)
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
		}
	}
	for i, m := range msgs {
		if !ValidRole(m.Role) {
			return &ValidationError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: fmt.Sprintf("unknown role %q", m.Role),
			}
		}
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
		}
		if m.Role != RoleTool {
			if m.ToolCallID != "" {
				return &ValidationError{
					Field:   fmt.Sprintf("messages[%d].tool_call_id", i),
					Message: "only allowed on tool messages",
				}
			}
			continue
		}
		if m.ToolCallID == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("messages[%d].tool_call_id", i),
				Message: "required on tool messages",
			}
		}
		if !issued[m.ToolCallID] {
			return &UnknownToolCallError{Index: i, ID: m.ToolCallID}
		}
	}
	return nil
}

// UnknownToolCallError is the validation failure for a tool message that
// answers no known tool call. Callers holding more history can retry
// with ValidateContinuation.
type UnknownToolCallError struct {
	Index int
	ID    string
}

func (e *UnknownToolCallError) Error() string { return e.validation().Error() }

// Unwrap exposes the underlying *ValidationError.
func (e *UnknownToolCallError) Unwrap() error { return e.validation() }

func (e *UnknownToolCallError) validation() *ValidationError {
	return &ValidationError{
		Field:   fmt.Sprintf("messages[%d].tool_call_id", e.Index),
		Message: fmt.Sprintf("references unknown tool call %q", e.ID),
	}
}
