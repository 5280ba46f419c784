package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/version"
)

const edgeDefaultBaseURL = "https://api.cloudflare.com/client/v4"

// EdgeAdapter talks to the edge inference service over plain HTTP. The
// service has no usable streaming mode, so Stream slices a full
// completion into word chunks.
type EdgeAdapter struct {
	baseURL   string
	apiKey    string
	accountID string
	model     string
	client    *http.Client
	log       *logging.Logger
}

// NewEdgeAdapter creates an edge adapter from provider config.
func NewEdgeAdapter(cfg config.ProviderConfig, log *logging.Logger) *EdgeAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = edgeDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &EdgeAdapter{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
		model:     cfg.Model,
		client:    &http.Client{Timeout: timeout},
		log:       log.Sub("llm.edge"),
	}
}

func (e *EdgeAdapter) Provider() domain.Provider { return domain.ProviderEdge }

func (e *EdgeAdapter) Capabilities() Capabilities {
	return Capabilities{NativeStreaming: false, Tools: false, MaxTokens: 4096}
}

func (e *EdgeAdapter) IsAvailable() bool { return e.apiKey != "" && e.accountID != "" }

// Complete sends a non-streaming request to the edge run endpoint.
func (e *EdgeAdapter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	start := time.Now()
	model := pickModel(req.Model, e.model, EdgeDefaultModel)

	payload, err := json.Marshal(e.buildRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/ai/run/%s", e.baseURL, url.PathEscape(e.accountID), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, wrapError(domain.ProviderEdge, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(domain.ProviderEdge, fmt.Errorf("failed to read response: %w", err))
	}

	var envelope edgeEnvelope
	decodeErr := json.Unmarshal(respBody, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if decodeErr == nil && len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return nil, &ProviderError{Provider: domain.ProviderEdge, Status: resp.StatusCode, Body: string(respBody), Message: msg}
	}
	if decodeErr != nil {
		return nil, &ProviderError{Provider: domain.ProviderEdge, Status: http.StatusBadGateway, Body: string(respBody), Message: "malformed response", Err: decodeErr}
	}
	if !envelope.Success {
		msg := "request unsuccessful"
		if len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return nil, &ProviderError{Provider: domain.ProviderEdge, Status: http.StatusBadGateway, Body: string(respBody), Message: msg}
	}

	result := &domain.CompletionResult{
		Content:      envelope.Result.Response,
		Role:         domain.RoleAssistant,
		FinishReason: domain.FinishStop,
		Model:        model,
		Usage:        domain.NewUsage(envelope.Result.Usage.PromptTokens, envelope.Result.Usage.CompletionTokens),
	}
	for _, tc := range envelope.Result.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        "call_" + shortuuid.New(),
			Name:      tc.Name,
			Arguments: args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = domain.FinishToolCall
	} else if req.MaxTokens > 0 && result.Usage.CompletionTokens >= req.MaxTokens {
		result.FinishReason = domain.FinishLength
	}

	e.log.Debug().
		Str("model", model).
		Dur("elapsed", time.Since(start)).
		Int("completionTokens", result.Usage.CompletionTokens).
		Msg("edge completion")
	return result, nil
}

// Stream performs one Complete and replays it as word chunks.
func (e *EdgeAdapter) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan StreamEvent, error) {
	res, err := e.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return simulateStream(ctx, res), nil
}

func (e *EdgeAdapter) buildRequestBody(req domain.CompletionRequest) map[string]any {
	msgs := make([]edgeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, edgeMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	body := map[string]any{
		"messages": msgs,
		"stream":   false,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return body
}

type edgeMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type edgeEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Response  string `json:"response"`
		ToolCalls []struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"tool_calls"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	} `json:"result"`
}
