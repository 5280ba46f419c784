package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/version"
)

// maxWebhookBody caps how much of a webhook response becomes tool output.
const maxWebhookBody = 64 << 10

// callWebhook POSTs args as JSON to the tool endpoint and returns the
// response body. Any non-2xx status is an error.
func (e *Executor) callWebhook(ctx context.Context, tenant *domain.Tenant, def domain.Tool, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Llmgate-Tool", def.Name)
	if tenant != nil {
		req.Header.Set("X-Llmgate-Tenant", tenant.ID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
