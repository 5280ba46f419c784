package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/gateway"
	"github.com/soyeahso/llmgate/internal/orchestrator"
	"github.com/soyeahso/llmgate/internal/sse"
	"github.com/soyeahso/llmgate/internal/version"
)

func newChatCmd() *cobra.Command {
	var (
		url       string
		key       string
		sessionID string
		provider  string
		mode      string
		thinking  string
		maxTokens int
		stream    bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to a running gateway and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				cfg = config.Defaults()
			}
			if url == "" {
				url = fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
			}
			if key == "" {
				key = defaultKey(cfg.Gateway.Auth)
			}
			if key == "" {
				return fmt.Errorf("no API key: pass --key or set LLMGATE_GATEWAY_KEY")
			}

			params := gateway.CompletionParams{
				CompletionRequest: domain.CompletionRequest{
					Messages:      []domain.ChatMessage{{Role: domain.RoleUser, Content: strings.Join(args, " ")}},
					Provider:      domain.Provider(provider),
					MaxTokens:     maxTokens,
					ThinkingLevel: domain.ThinkingLevel(thinking),
					Stream:        stream,
				},
				SessionID:   sessionID,
				RoutingMode: mode,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := &chatClient{baseURL: strings.TrimRight(url, "/"), key: key, http: http.DefaultClient}
			res, err := c.complete(ctx, params, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[session=%s provider=%s model=%s tokens=%d+%d]\n",
				res.SessionID, res.Provider, res.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default http://127.0.0.1:<gateway.port>)")
	cmd.Flags().StringVar(&key, "key", "", "API key (default $LLMGATE_GATEWAY_KEY or the first configured key)")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&provider, "provider", "", "request a provider (edge, premium-a, premium-b)")
	cmd.Flags().StringVar(&mode, "mode", "", "routing mode (cost, quality, balanced)")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking level (off, minimal, low, high)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum completion tokens")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream the response")

	return cmd
}

func defaultKey(auth config.GatewayAuth) string {
	if k := os.Getenv("LLMGATE_GATEWAY_KEY"); k != "" {
		return k
	}
	if keys := gateway.ResolveAuth(auth).Keys; len(keys) > 0 {
		return keys[0].Key
	}
	return ""
}

// chatResult is what the CLI reports after a completion.
type chatResult struct {
	SessionID string
	Provider  domain.Provider
	Model     string
	Usage     domain.Usage
}

// chatClient talks to the gateway's HTTP API.
type chatClient struct {
	baseURL string
	key     string
	http    *http.Client
}

// complete posts params and writes the assistant text to out as it
// arrives.
func (c *chatClient) complete(ctx context.Context, params gateway.CompletionParams, out io.Writer) (chatResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return chatResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chatResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if params.Stream {
		req.Header.Set("Accept", sse.ContentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return chatResult{}, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatResult{}, decodeGatewayError(resp)
	}

	res := chatResult{SessionID: resp.Header.Get("X-Session-ID")}
	if !params.Stream {
		var full orchestrator.Response
		if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
			return res, fmt.Errorf("decoding response: %w", err)
		}
		fmt.Fprint(out, full.Content)
		res.SessionID = full.SessionID
		res.Provider = full.Provider
		res.Model = full.Model
		res.Usage = full.Usage
		return res, nil
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("reading stream: %w", err)
		}
		if body, ok := ev.IsError(); ok {
			return res, gatewayError(body)
		}
		var chunk domain.StreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return res, fmt.Errorf("decoding chunk: %w", err)
		}
		fmt.Fprint(out, chunk.Delta.Content)
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Usage != nil {
			res.Usage = *chunk.Usage
		}
	}
}

func decodeGatewayError(resp *http.Response) error {
	var env sse.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return gatewayError(env.Error)
}

func gatewayError(body sse.ErrorBody) error {
	if body.ResetAt != nil {
		return fmt.Errorf("%s: %s (retry after %s)", body.Code, body.Message, body.ResetAt.Local().Format("15:04:05"))
	}
	return fmt.Errorf("%s: %s", body.Code, body.Message)
}
