package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/llmgate/internal/cache"
	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/quota"
	"github.com/soyeahso/llmgate/internal/store"
	"github.com/soyeahso/llmgate/internal/tools"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

var (
	edgeCaps     = llm.Capabilities{NativeStreaming: false, Tools: false, MaxTokens: 4096}
	premiumACaps = llm.Capabilities{NativeStreaming: true, Tools: true, MaxTokens: 8192}
	premiumBCaps = llm.Capabilities{NativeStreaming: true, Tools: true, MaxTokens: 16384}
)

type harness struct {
	orch  *Orchestrator
	db    *store.DB
	hooks *hooks.Manager
}

type harnessConfig struct {
	opts       Options
	quotaLimit int
	sessions   func(Sessions) Sessions // wraps the cache when set
}

func newHarness(t *testing.T, hc harnessConfig, adapters ...llm.Adapter) *harness {
	t.Helper()
	log := silentLog()

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PutTenant(ctx, &domain.Tenant{ID: "t-starter", Name: "Starter", Tier: domain.TierStarter,
		AllowedTools: []string{tools.WordCount}}))
	require.NoError(t, db.PutTenant(ctx, &domain.Tenant{ID: "t-pro", Name: "Pro", Tier: domain.TierPro,
		AllowedTools: []string{tools.Calculate, tools.WordCount}}))

	hm := hooks.NewManager(log)
	reg := llm.NewRegistry(log)
	for _, a := range adapters {
		reg.Register(a)
	}

	var sessions Sessions = cache.New(kv.NewMemory(), db, cache.Options{Hooks: hm}, log)
	if hc.sessions != nil {
		sessions = hc.sessions(sessions)
	}

	hc.opts.Hooks = hm
	orch := New(Deps{
		Registry: reg,
		Tenants:  db,
		Sessions: sessions,
		Quota:    quota.New(kv.NewMemory(), config.QuotaConfig{DefaultRequests: hc.quotaLimit}, log),
		Tools:    tools.NewExecutor(config.ToolsConfig{Builtins: tools.BuiltinNames}, hm, log),
	}, hc.opts, log)

	return &harness{orch: orch, db: db, hooks: hm}
}

func (h *harness) messages(t *testing.T, tenantID, sessionID string) []domain.ChatMessage {
	t.Helper()
	msgs, err := h.db.ListMessages(context.Background(), tenantID, sessionID, time.Time{}, 0)
	require.NoError(t, err)
	return msgs
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []domain.StreamChunk
	failed error
	onSend func(domain.StreamChunk) error
}

func (s *recordingSink) Send(c domain.StreamChunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	if s.onSend != nil {
		return s.onSend(c)
	}
	return nil
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err
}

func (s *recordingSink) content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Delta.Content)
	}
	return b.String()
}

func (s *recordingSink) terminal() *domain.StreamChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.chunks {
		if s.chunks[i].Terminal() {
			return &s.chunks[i]
		}
	}
	return nil
}

// failingAppend loads through to the wrapped sessions but refuses writes.
type failingAppend struct {
	Sessions
}

func (failingAppend) Append(context.Context, *domain.CachedSession, []domain.ChatMessage) (*domain.CachedSession, error) {
	return nil, errors.New("disk full")
}

func hello(stream bool) domain.CompletionRequest {
	return domain.CompletionRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		Stream:   stream,
	}
}

func result(content string, prompt, completion int) *domain.CompletionResult {
	return &domain.CompletionResult{
		Content:      content,
		Role:         domain.RoleAssistant,
		FinishReason: domain.FinishStop,
		Usage:        domain.NewUsage(prompt, completion),
		Model:        "mock-model",
	}
}

func TestRunStarterNonStreaming(t *testing.T) {
	edge := &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			assert.Equal(t, domain.ProviderEdge, req.Provider)
			assert.Equal(t, "@cf/meta/llama-3.1-8b-instruct", req.Model)
			return result("Hello there", 3, 2), nil
		}}
	h := newHarness(t, harnessConfig{}, edge)

	sink := &recordingSink{}
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-starter", SessionID: "s1", Completion: hello(false)}, sink)
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderEdge, resp.Provider)
	assert.Equal(t, domain.FinishStop, resp.FinishReason)
	assert.Equal(t, "Hello there", resp.Content)
	assert.GreaterOrEqual(t, resp.Usage.PromptTokens, 0)
	assert.GreaterOrEqual(t, resp.Usage.CompletionTokens, 0)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "s1", resp.SessionID)

	require.Len(t, sink.chunks, 1)
	assert.True(t, sink.chunks[0].Terminal())
	assert.Equal(t, "Hello there", sink.chunks[0].Delta.Content)

	msgs := h.messages(t, "t-starter", "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)

	sess, err := h.db.GetSession(context.Background(), "t-starter", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEdge, sess.Provider)
}

func TestRunGeneratesSessionID(t *testing.T) {
	h := newHarness(t, harnessConfig{}, &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps})
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-starter", Completion: hello(false)}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Len(t, h.messages(t, "t-starter", resp.SessionID), 2)
}

// scripted answers Complete with one result and Stream with the same
// result split into the given pieces.
func scripted(p domain.Provider, caps llm.Capabilities, pieces []string, usage domain.Usage) *llm.MockAdapter {
	full := strings.Join(pieces, "")
	return &llm.MockAdapter{
		ProviderName: p,
		Caps:         caps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			return &domain.CompletionResult{Content: full, Role: domain.RoleAssistant,
				FinishReason: domain.FinishStop, Usage: usage, Model: "m"}, nil
		},
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			events := make([]llm.StreamEvent, 0, len(pieces)+1)
			for _, piece := range pieces {
				events = append(events, llm.StreamEvent{Chunk: domain.StreamChunk{Delta: domain.ChunkDelta{Content: piece}}})
			}
			u := usage
			events = append(events, llm.StreamEvent{Chunk: domain.StreamChunk{FinishReason: domain.Finish(domain.FinishStop), Usage: &u, Model: "m"}})
			return llm.ChunkStream(events...), nil
		},
	}
}

func TestStreamingMatchesNonStreaming(t *testing.T) {
	usage := domain.NewUsage(7, 4)
	tests := []struct {
		name     string
		tenant   string
		provider domain.Provider
		adapter  llm.Adapter
	}{
		{
			name:     "simulated streaming",
			tenant:   "t-starter",
			provider: domain.ProviderEdge,
			adapter: &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
				CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
					return &domain.CompletionResult{Content: "the quick  brown fox", Role: domain.RoleAssistant,
						FinishReason: domain.FinishStop, Usage: usage, Model: "m"}, nil
				}},
		},
		{
			name:     "native streaming",
			tenant:   "t-pro",
			provider: domain.ProviderPremiumB,
			adapter:  scripted(domain.ProviderPremiumB, premiumBCaps, []string{"the qu", "ick ", " brown", " fox"}, usage),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{}, tt.adapter)
			ctx := context.Background()

			req := hello(false)
			req.Provider = tt.provider
			plainSink := &recordingSink{}
			plain, err := h.orch.Run(ctx, Request{TenantID: tt.tenant, SessionID: "a", Completion: req}, plainSink)
			require.NoError(t, err)

			req.Stream = true
			streamSink := &recordingSink{}
			streamed, err := h.orch.Run(ctx, Request{TenantID: tt.tenant, SessionID: "b", Completion: req}, streamSink)
			require.NoError(t, err)

			assert.Equal(t, "the quick  brown fox", plain.Content)
			assert.Equal(t, plain.Content, streamed.Content)
			assert.Equal(t, plainSink.content(), streamSink.content())
			assert.Equal(t, plain.Usage, streamed.Usage)
			require.NotNil(t, streamSink.terminal())
			assert.Equal(t, usage, *streamSink.terminal().Usage)
			assert.Greater(t, len(streamSink.chunks), 1)

			assert.Equal(t, h.messages(t, tt.tenant, "a")[1].Content, h.messages(t, tt.tenant, "b")[1].Content)
		})
	}
}

func TestStreamErrorIsTerminalAndNotPersisted(t *testing.T) {
	b := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return llm.ChunkStream(
				llm.StreamEvent{Chunk: domain.StreamChunk{Delta: domain.ChunkDelta{Content: "partial "}}},
				llm.StreamEvent{Err: &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 500, Body: `{"error":"boom"}`}},
			), nil
		}}
	h := newHarness(t, harnessConfig{opts: Options{Failover: true}}, b)

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	sink := &recordingSink{}
	_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, sink)
	require.Error(t, err)

	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.Status)
	assert.Equal(t, domain.CodeProvider, domain.Kind(err))

	assert.Equal(t, "partial ", sink.content())
	assert.Nil(t, sink.terminal())
	assert.Equal(t, err, sink.failed)

	_, err = h.db.GetSession(context.Background(), "t-pro", "s1")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestProviderErrorBeforeFirstChunkReachesSink(t *testing.T) {
	b := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return nil, &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 500}
		}}
	h := newHarness(t, harnessConfig{}, b)

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	sink := &recordingSink{}
	_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, sink)
	require.Error(t, err)
	assert.Empty(t, sink.chunks)
	assert.Error(t, sink.failed)
	assert.Empty(t, h.messages(t, "t-pro", "s1"))
}

func TestRejectionsNeverReachAdapter(t *testing.T) {
	var calls atomic.Int32
	edge := &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			calls.Add(1)
			return result("ok", 1, 1), nil
		}}

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"no messages", Request{TenantID: "t-starter", Completion: domain.CompletionRequest{}}, domain.CodeValidation},
		{"bad temperature", Request{TenantID: "t-starter", Completion: func() domain.CompletionRequest {
			r := hello(false)
			temp := 3.0
			r.Temperature = &temp
			return r
		}()}, domain.CodeValidation},
		{"no tenant", Request{Completion: hello(false)}, domain.CodeValidation},
		{"unknown tenant", Request{TenantID: "ghost", Completion: hello(false)}, domain.CodeNotFound},
		{"dangling tool message", Request{TenantID: "t-starter", SessionID: "s1", Completion: domain.CompletionRequest{
			Messages: []domain.ChatMessage{{Role: domain.RoleTool, ToolCallID: "c9", Content: "x"}},
		}}, domain.CodeValidation},
	}

	h := newHarness(t, harnessConfig{}, edge)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			_, err := h.orch.Run(context.Background(), tt.req, sink)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.Kind(err))
			assert.Empty(t, sink.chunks)
			assert.NoError(t, sink.failed)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestQuotaCheckedBeforeAdapter(t *testing.T) {
	var calls atomic.Int32
	edge := &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			calls.Add(1)
			return result("ok", 1, 1), nil
		}}
	h := newHarness(t, harnessConfig{quotaLimit: 1}, edge)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Request{TenantID: "t-starter", Completion: hello(false)}, nil)
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, Request{TenantID: "t-starter", Completion: hello(false)}, nil)
	var qe *domain.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "t-starter", qe.TenantID)
	assert.False(t, qe.ResetAt.IsZero())
	assert.Equal(t, int32(1), calls.Load())
}

func TestToolRound(t *testing.T) {
	var round atomic.Int32
	a := &llm.MockAdapter{ProviderName: domain.ProviderPremiumA, Caps: premiumACaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			require.Len(t, req.Tools, 1)
			assert.Equal(t, tools.Calculate, req.Tools[0].Name)
			assert.NotEmpty(t, req.Tools[0].Parameters.Required)

			if round.Add(1) == 1 {
				return &domain.CompletionResult{
					Role: domain.RoleAssistant,
					ToolCalls: []domain.ToolCall{{ID: "c1", Name: tools.Calculate,
						Arguments: map[string]any{"operation": "add", "a": 2.0, "b": 3.0}}},
					FinishReason: domain.FinishToolCall,
					Usage:        domain.NewUsage(10, 5),
				}, nil
			}
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, domain.RoleTool, last.Role)
			assert.Equal(t, "c1", last.ToolCallID)
			assert.Equal(t, "5", last.Content)
			return result("The answer is 5", 20, 6), nil
		}}
	h := newHarness(t, harnessConfig{}, a)

	req := hello(false)
	req.Provider = domain.ProviderPremiumA
	req.Tools = []domain.Tool{{Name: tools.Calculate}}
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, nil)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 5", resp.Content)
	assert.Equal(t, domain.NewUsage(30, 11), resp.Usage)
	assert.Equal(t, 2, resp.Rounds)

	msgs := h.messages(t, "t-pro", "s1")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
}

func TestToolRoundLimit(t *testing.T) {
	var calls atomic.Int32
	a := &llm.MockAdapter{ProviderName: domain.ProviderPremiumA, Caps: premiumACaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			n := calls.Add(1)
			return &domain.CompletionResult{
				Role:         domain.RoleAssistant,
				ToolCalls:    []domain.ToolCall{{ID: "c" + string(rune('0'+n)), Name: tools.WordCount, Arguments: map[string]any{"text": "a b"}}},
				FinishReason: domain.FinishToolCall,
			}, nil
		}}
	h := newHarness(t, harnessConfig{opts: Options{MaxToolRounds: 2}}, a)

	req := hello(false)
	req.Provider = domain.ProviderPremiumA
	req.Tools = []domain.Tool{{Name: tools.WordCount}}
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, domain.FinishToolCall, resp.FinishReason)
	assert.Len(t, resp.ToolCalls, 1)

	msgs := h.messages(t, "t-pro", "s1")
	// user + 2 x (assistant, tool) + final assistant
	require.Len(t, msgs, 6)
	assert.Empty(t, msgs[5].ToolCalls)
}

func TestTextToolCallFallback(t *testing.T) {
	var round atomic.Int32
	edge := &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			assert.Empty(t, req.Tools)
			require.NotEmpty(t, req.Messages)
			assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
			assert.Contains(t, req.Messages[0].Content, "### word_count")

			if round.Add(1) == 1 {
				return result("Counting.\n```tool_call\n{\"tool\": \"word_count\", \"input\": {\"text\": \"a b c\"}}\n```", 4, 4), nil
			}
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, domain.RoleTool, last.Role)
			assert.Equal(t, "3", last.Content)
			return result("3 words", 4, 2), nil
		}}
	h := newHarness(t, harnessConfig{}, edge)

	req := hello(false)
	req.Tools = []domain.Tool{{Name: tools.WordCount}}
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-starter", SessionID: "s1", Completion: req}, nil)
	require.NoError(t, err)

	assert.Equal(t, "no_candidates", string(resp.Routing.Reason))
	assert.Equal(t, int32(2), round.Load())
	assert.True(t, strings.HasSuffix(resp.Content, "3 words"))

	msgs := h.messages(t, "t-starter", "s1")
	require.Len(t, msgs, 4)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, tools.WordCount, msgs[1].ToolCalls[0].Name)
	// the tool prompt is sent to the model but never stored
	for _, m := range msgs {
		assert.NotEqual(t, domain.RoleSystem, m.Role)
	}
}

func TestFailover(t *testing.T) {
	failing := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			return nil, &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 503}
		}}
	backup := &llm.MockAdapter{ProviderName: domain.ProviderPremiumA, Caps: premiumACaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
			return result("from backup", 1, 1), nil
		}}

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, harnessConfig{opts: Options{Failover: true}}, failing, backup)
		var failovers atomic.Int32
		h.hooks.On(hooks.EventProviderFailover, "test", func(ctx context.Context, p hooks.Payload) error {
			assert.Equal(t, "premium-b", p.Data["from"])
			assert.Equal(t, "premium-a", p.Data["to"])
			failovers.Add(1)
			return nil
		})

		req := hello(false)
		req.Provider = domain.ProviderPremiumB
		req.Model = "gpt-4o"
		resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", Completion: req}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderPremiumA, resp.Provider)
		assert.Equal(t, "from backup", resp.Content)

		require.NoError(t, h.hooks.Wait(context.Background()))
		assert.Equal(t, int32(1), failovers.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, harnessConfig{}, failing, backup)
		req := hello(false)
		req.Provider = domain.ProviderPremiumB
		_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", Completion: req}, nil)
		var pe *llm.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 503, pe.Status)
	})

	t.Run("not retryable", func(t *testing.T) {
		bad := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
			CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
				return nil, &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 400}
			}}
		h := newHarness(t, harnessConfig{opts: Options{Failover: true}}, bad, backup)
		req := hello(false)
		req.Provider = domain.ProviderPremiumB
		_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", Completion: req}, nil)
		require.Error(t, err)
	})
}

func TestNoFailoverAfterChunkForwarded(t *testing.T) {
	var backupCalls atomic.Int32
	b := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return llm.ChunkStream(
				llm.StreamEvent{Chunk: domain.StreamChunk{Delta: domain.ChunkDelta{Content: "half"}}},
				llm.StreamEvent{Err: &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 529}},
			), nil
		}}
	a := &llm.MockAdapter{ProviderName: domain.ProviderPremiumA, Caps: premiumACaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			backupCalls.Add(1)
			return nil, errors.New("unexpected")
		}}
	h := newHarness(t, harnessConfig{opts: Options{Failover: true}}, b, a)

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", Completion: req}, &recordingSink{})
	require.Error(t, err)
	assert.Zero(t, backupCalls.Load())
}

func TestFailoverAfterKeepAliveOnly(t *testing.T) {
	b := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return llm.ChunkStream(
				llm.StreamEvent{Chunk: domain.StreamChunk{Model: "gpt-4o"}},
				llm.StreamEvent{Err: &llm.ProviderError{Provider: domain.ProviderPremiumB, Status: 529}},
			), nil
		}}
	a := scripted(domain.ProviderPremiumA, premiumACaps, []string{"from ", "backup"}, domain.NewUsage(1, 2))
	h := newHarness(t, harnessConfig{opts: Options{Failover: true}}, b, a)

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	sink := &recordingSink{}
	resp, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", Completion: req}, sink)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderPremiumA, resp.Provider)
	assert.Equal(t, "from backup", sink.content())
	require.NotNil(t, sink.terminal())
	assert.Greater(t, len(sink.chunks), 3, "the keep-alive reached the client too")
}

func TestPersistFailureEndsStreamWithError(t *testing.T) {
	b := scripted(domain.ProviderPremiumB, premiumBCaps, []string{"all ", "sent"}, domain.NewUsage(2, 2))
	h := newHarness(t, harnessConfig{sessions: func(s Sessions) Sessions { return failingAppend{s} }}, b)

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	sink := &recordingSink{}
	_, err := h.orch.Run(context.Background(), Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, sink)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.Kind(err))

	assert.Equal(t, "all sent", sink.content())
	assert.Nil(t, sink.terminal(), "no finish reason before the turn is stored")
	assert.Equal(t, err, sink.failed)
}

func TestClientDisconnectStopsStream(t *testing.T) {
	var produced atomic.Int32
	released := make(chan struct{})
	b := &llm.MockAdapter{ProviderName: domain.ProviderPremiumB, Caps: premiumBCaps,
		StreamFunc: func(ctx context.Context, req domain.CompletionRequest) (<-chan llm.StreamEvent, error) {
			ch := make(chan llm.StreamEvent)
			go func() {
				defer close(released)
				defer close(ch)
				for {
					select {
					case ch <- llm.StreamEvent{Chunk: domain.StreamChunk{Delta: domain.ChunkDelta{Content: "x"}}}:
						produced.Add(1)
					case <-ctx.Done():
						return
					}
				}
			}()
			return ch, nil
		}}
	h := newHarness(t, harnessConfig{}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSend: func(domain.StreamChunk) error {
		cancel()
		return ctx.Err()
	}}

	req := hello(true)
	req.Provider = domain.ProviderPremiumB
	_, err := h.orch.Run(ctx, Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, sink)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter stream was not released")
	}
	assert.Less(t, produced.Load(), int32(5))
	assert.Empty(t, h.messages(t, "t-pro", "s1"))
}

func TestSessionHistoryCarriesOver(t *testing.T) {
	var seen []int
	var mu sync.Mutex
	edge := &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			mu.Lock()
			seen = append(seen, len(req.Messages))
			mu.Unlock()
			return result("ok", 1, 1), nil
		}}
	h := newHarness(t, harnessConfig{}, edge)
	ctx := context.Background()

	req := hello(false)
	req.ThinkingLevel = domain.ThinkingLow
	_, err := h.orch.Run(ctx, Request{TenantID: "t-starter", SessionID: "s1", Completion: req}, nil)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, Request{TenantID: "t-starter", SessionID: "s1", Completion: hello(false)}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, seen)
	assert.Len(t, h.messages(t, "t-starter", "s1"), 4)

	sess, err := h.db.GetSession(ctx, "t-starter", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ThinkingLow, sess.Metadata.ThinkingLevel)
}

func TestToolAnswerForStoredCall(t *testing.T) {
	a := &llm.MockAdapter{ProviderName: domain.ProviderPremiumA, Caps: premiumACaps,
		CompleteFunc: func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
			require.Len(t, req.Messages, 3)
			return result("ok", 1, 1), nil
		}}
	h := newHarness(t, harnessConfig{}, a)
	ctx := context.Background()

	// Seed a stored assistant tool call directly.
	require.NoError(t, h.db.PutSession(ctx, &domain.CachedSession{ID: "s1", TenantID: "t-pro"}))
	require.NoError(t, h.db.AppendMessages(ctx, "t-pro", "s1", []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "look this up"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "ext-1", Name: "lookup"}}},
	}))

	req := domain.CompletionRequest{
		Provider: domain.ProviderPremiumA,
		Messages: []domain.ChatMessage{{Role: domain.RoleTool, ToolCallID: "ext-1", Content: "found"}},
	}
	resp, err := h.orch.Run(ctx, Request{TenantID: "t-pro", SessionID: "s1", Completion: req}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestHooksEmitted(t *testing.T) {
	h := newHarness(t, harnessConfig{}, &llm.MockAdapter{ProviderName: domain.ProviderEdge, Caps: edgeCaps})

	var mu sync.Mutex
	var events []string
	for _, ev := range []string{hooks.EventCompletionStarted, hooks.EventCompletionFinished, hooks.EventCompletionFailed, hooks.EventSessionCreated} {
		h.hooks.On(ev, "test", func(ctx context.Context, p hooks.Payload) error {
			mu.Lock()
			events = append(events, p.Event)
			mu.Unlock()
			return nil
		})
	}

	ctx := context.Background()
	_, err := h.orch.Run(ctx, Request{TenantID: "t-starter", Completion: hello(false)}, nil)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, Request{TenantID: "ghost", Completion: hello(false)}, nil)
	require.Error(t, err)
	require.NoError(t, h.hooks.Wait(ctx))

	assert.ElementsMatch(t, []string{
		hooks.EventCompletionStarted, hooks.EventSessionCreated, hooks.EventCompletionFinished, hooks.EventCompletionFailed,
	}, events)
}
