package domain

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderEdge     Provider = "edge"
	ProviderPremiumA Provider = "premium-a"
	ProviderPremiumB Provider = "premium-b"
)

// AllProviders lists providers in declaration order. Routing ties are
// broken by this order.
var AllProviders = []Provider{ProviderEdge, ProviderPremiumA, ProviderPremiumB}

// ParseProvider returns the provider named s, or false if s is unknown.
func ParseProvider(s string) (Provider, bool) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// ThinkingLevel controls extended reasoning on providers that support it.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingHigh    ThinkingLevel = "high"
)

// Valid reports whether t is empty or a known level.
func (t ThinkingLevel) Valid() bool {
	switch t {
	case "", ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingHigh:
		return true
	}
	return false
}

// FinishReason says why a completion ended.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishToolCall FinishReason = "tool_call"
	FinishLength   FinishReason = "length"
	FinishError    FinishReason = "error"
)

// CompletionRequest is the canonical input to a provider adapter.
// Optional fields use their zero value as "unset".
type CompletionRequest struct {
	Messages      []ChatMessage `json:"messages"`
	Model         string        `json:"model,omitempty"`
	Provider      Provider      `json:"provider,omitempty"`
	Tools         []Tool        `json:"tools,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
	Stream        bool          `json:"stream"`
}

// Validate checks request fields that never need a provider to judge.
func (r CompletionRequest) Validate() error {
	return r.ValidateWithHistory(nil)
}

// ValidateWithHistory is Validate for a request continuing a stored
// conversation.
func (r CompletionRequest) ValidateWithHistory(history []ChatMessage) error {
	if err := ValidateContinuation(history, r.Messages); err != nil {
		return err
	}
	if r.Provider != "" {
		if _, ok := ParseProvider(string(r.Provider)); !ok {
			return &ValidationError{Field: "provider", Message: "unknown provider " + string(r.Provider)}
		}
	}
	if r.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Message: "must not be negative"}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Message: "must be between 0 and 2"}
	}
	if !r.ThinkingLevel.Valid() {
		return &ValidationError{Field: "thinking_level", Message: "unknown level " + string(r.ThinkingLevel)}
	}
	seen := make(map[string]bool, len(r.Tools))
	for _, t := range r.Tools {
		if t.Name == "" {
			return &ValidationError{Field: "tools", Message: "tool name is required"}
		}
		if seen[t.Name] {
			return &ValidationError{Field: "tools", Message: "duplicate tool " + t.Name}
		}
		seen[t.Name] = true
	}
	return nil
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// NewUsage builds a Usage with a consistent total.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// CompletionResult is the outcome of a non-streaming completion.
type CompletionResult struct {
	Content      string       `json:"content"`
	Role         string       `json:"role"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model"`

	// Synthetic marks placeholder output from the development fallback.
	Synthetic bool `json:"x_synthetic,omitempty"`

	Thinking []ThinkingBlock `json:"-"`
}

// ToolCallChunk is a fragment of a tool call inside a stream. Fragments
// with the same Index belong to the same call; Arguments fragments are
// concatenated in arrival order.
type ToolCallChunk struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChunkDelta is the incremental part of a StreamChunk.
type ChunkDelta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallChunk `json:"tool_calls,omitempty"`

	// Thinking carries completed reasoning blocks; on the wire the chunk
	// is an empty keep-alive.
	Thinking []ThinkingBlock `json:"-"`
}

// StreamChunk is one increment of a streamed completion. A stream ends
// with the first chunk whose FinishReason is non-nil.
type StreamChunk struct {
	Delta        ChunkDelta    `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
	Usage        *Usage        `json:"usage,omitempty"`
	Model        string        `json:"model,omitempty"`
	Synthetic    bool          `json:"x_synthetic,omitempty"`
}

// Terminal reports whether c ends its stream.
func (c StreamChunk) Terminal() bool { return c.FinishReason != nil }

// Finish returns a pointer to r for use in StreamChunk.FinishReason.
func Finish(r FinishReason) *FinishReason { return &r }
