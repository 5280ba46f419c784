package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/llmgate/internal/cache"
	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/metrics"
	"github.com/soyeahso/llmgate/internal/orchestrator"
	"github.com/soyeahso/llmgate/internal/routing"
	"github.com/soyeahso/llmgate/internal/sse"
	"github.com/soyeahso/llmgate/internal/store"
)

const (
	chatKey = "key-chat-only"
	allKey  = "key-everything"
)

// fakeCompleter records requests and runs a scripted body.
type fakeCompleter struct {
	mu    sync.Mutex
	reqs  []orchestrator.Request
	runFn func(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error)
}

func (f *fakeCompleter) Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if sink == nil {
		sink = orchestrator.SinkFunc(nil)
	}
	return f.runFn(ctx, req, sink)
}

func (f *fakeCompleter) calls() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.reqs...)
}

// streamHello sends "Hel", "lo" and a terminal chunk.
func streamHello(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error) {
	usage := domain.NewUsage(3, 2)
	chunks := []domain.StreamChunk{
		{Delta: domain.ChunkDelta{Content: "Hel"}},
		{Delta: domain.ChunkDelta{Content: "lo"}},
		{FinishReason: domain.Finish(domain.FinishStop), Usage: &usage, Model: "m"},
	}
	for _, c := range chunks {
		if err := sink.Send(c); err != nil {
			return nil, err
		}
	}
	return &orchestrator.Response{
		ID:        "chatcmpl-1",
		TenantID:  req.TenantID,
		SessionID: "s-1",
		Provider:  domain.ProviderEdge,
		CompletionResult: domain.CompletionResult{
			Content: "Hello", Role: domain.RoleAssistant, FinishReason: domain.FinishStop, Usage: usage, Model: "m",
		},
	}, nil
}

type fakeSessions struct {
	sessions map[string]*domain.CachedSession

	mu     sync.Mutex
	resets []string
}

func (f *fakeSessions) resetCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

func (f *fakeSessions) Load(_ context.Context, tenantID, id string) (*domain.CachedSession, error) {
	s, ok := f.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, &domain.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

func (f *fakeSessions) Reset(ctx context.Context, tenantID, id string, preserveSummary bool) error {
	if _, err := f.Load(ctx, tenantID, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.resets = append(f.resets, id+":"+strconv.FormatBool(preserveSummary))
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Messages(ctx context.Context, tenantID, id string, before time.Time, limit int) ([]domain.ChatMessage, error) {
	s, err := f.Load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	var out []domain.ChatMessage
	for _, m := range s.Messages {
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		RequestTimeout: time.Minute,
		Auth: config.GatewayAuth{Keys: []config.APIKeyEntry{
			{Key: chatKey, TenantID: "tenant-1", Scopes: []string{ScopeChat}},
			{Key: allKey, TenantID: "tenant-1", Scopes: []string{ScopeChat, ScopeSessions}},
		}},
	}
}

func testServer(t *testing.T, c Completer, sess Sessions, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	if sess == nil {
		sess = &fakeSessions{}
	}
	srv := New(testGatewayConfig(), c, sess, logging.New(nil, "silent"), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, method, url, key, body string, header ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) sse.ErrorBody {
	t.Helper()
	var env sse.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

// readStream collects every event until the sentinel.
func readStream(t *testing.T, body io.Reader) []sse.Event {
	t.Helper()
	r := sse.NewReader(body)
	var events []sse.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

const helloBody = `{"messages":[{"role":"user","content":"hi"}]}`

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, nil)

	resp := do(t, "GET", ts.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Version)
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, nil,
		WithHealthCheck("store", func(context.Context) error { return nil }),
		WithHealthCheck("cache", func(context.Context) error { return errors.New("down") }),
	)

	resp := do(t, "GET", ts.URL+"/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, map[string]string{"store": "ok", "cache": "fail"}, health.Checks)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, nil)

	resp := do(t, "GET", ts.URL+"/nonexistent", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, domain.CodeNotFound, decodeError(t, resp).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	_, ts := testServer(t, &fakeCompleter{}, nil, WithMetrics(m))

	do(t, "GET", ts.URL+"/health", "", "")
	resp := do(t, "GET", ts.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `llmgate_http_requests_total{method="GET",path="GET /health",status_code="200"} 1`)
}

func TestChatCompletions_Auth(t *testing.T) {
	fc := &fakeCompleter{runFn: streamHello}
	_, ts := testServer(t, fc, nil)

	resp := do(t, "POST", ts.URL+"/v1/chat/completions", "", helloBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, domain.CodeAuthentication, decodeError(t, resp).Code)

	resp = do(t, "POST", ts.URL+"/v1/chat/completions", "not-a-key", helloBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, fc.calls())
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	fc := &fakeCompleter{runFn: streamHello}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"session_id":"s-1","routing_mode":"quality","max_tokens":64}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "s-1", resp.Header.Get("X-Session-ID"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Hello", out["content"])
	assert.Equal(t, "tenant-1", out["tenant_id"])
	assert.Equal(t, "s-1", out["session_id"])
	assert.Equal(t, "edge", out["provider"])
	assert.Equal(t, "stop", out["finish_reason"])

	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "req-42", calls[0].ID)
	assert.Equal(t, "tenant-1", calls[0].TenantID)
	assert.Equal(t, "s-1", calls[0].SessionID)
	assert.Equal(t, routing.ModeQuality, calls[0].Mode)
	assert.Equal(t, 64, calls[0].Completion.MaxTokens)
	assert.False(t, calls[0].Completion.Stream)
}

func TestChatCompletions_Streaming(t *testing.T) {
	fc := &fakeCompleter{runFn: streamHello}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	sessionID := resp.Header.Get("X-Session-ID")
	require.NotEmpty(t, sessionID, "new sessions get an id before the first chunk")
	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, sessionID, calls[0].SessionID)

	events := readStream(t, resp.Body)
	require.Len(t, events, 3)

	var text strings.Builder
	for i, ev := range events {
		var c domain.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &c))
		text.WriteString(c.Delta.Content)
		assert.Equal(t, i == 2, c.Terminal())
	}
	assert.Equal(t, "Hello", text.String())
}

func TestChatCompletions_StreamRequiresEventStreamAccept(t *testing.T) {
	fc := &fakeCompleter{runFn: streamHello}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body, "Accept", "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, domain.CodeValidation, e.Code)
	assert.Contains(t, e.Message, "stream")
	assert.Empty(t, fc.calls())
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	fc := &fakeCompleter{runFn: streamHello}
	_, ts := testServer(t, fc, nil)

	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.CodeValidation, decodeError(t, resp).Code)
	assert.Empty(t, fc.calls())
}

func TestChatCompletions_ErrorBeforeStreamIsJSON(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	fc := &fakeCompleter{runFn: func(context.Context, orchestrator.Request, orchestrator.Sink) (*orchestrator.Response, error) {
		return nil, &domain.QuotaExceededError{TenantID: "tenant-1", ResetAt: reset}
	}}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 30, secs, 2)

	e := decodeError(t, resp)
	assert.Equal(t, domain.CodeQuotaExceeded, e.Code)
	require.NotNil(t, e.ResetAt)
	assert.WithinDuration(t, reset, *e.ResetAt, time.Second)
}

func TestChatCompletions_ErrorMidStream(t *testing.T) {
	fc := &fakeCompleter{runFn: func(_ context.Context, _ orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error) {
		if err := sink.Send(domain.StreamChunk{Delta: domain.ChunkDelta{Content: "partial"}}); err != nil {
			return nil, err
		}
		err := &llm.ProviderError{Provider: domain.ProviderPremiumA, Status: 500, Message: "upstream broke"}
		sink.Fail(err)
		return nil, err
	}}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readStream(t, resp.Body)
	require.Len(t, events, 2)
	_, isErr := events[0].IsError()
	assert.False(t, isErr)
	e, isErr := events[1].IsError()
	require.True(t, isErr)
	assert.Equal(t, domain.CodeProvider, e.Code)
	assert.Contains(t, e.Message, "upstream broke")
}

func TestChatCompletions_FailureBeforeFirstChunkStillStreams(t *testing.T) {
	fc := &fakeCompleter{runFn: func(_ context.Context, _ orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error) {
		err := &llm.ProviderError{Provider: domain.ProviderEdge, Status: 503, Message: "unavailable"}
		sink.Fail(err)
		return nil, err
	}}
	_, ts := testServer(t, fc, nil)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))

	events := readStream(t, resp.Body)
	require.Len(t, events, 1)
	e, isErr := events[0].IsError()
	require.True(t, isErr)
	assert.Equal(t, domain.CodeProvider, e.Code)
}

func TestSessionEndpoints_RequireSessionsScope(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, &fakeSessions{})

	resp := do(t, "GET", ts.URL+"/v1/sessions/s-1", chatKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, domain.CodePermission, decodeError(t, resp).Code)
}

func sessionFixture() *fakeSessions {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeSessions{sessions: map[string]*domain.CachedSession{
		"s-1": {
			ID: "s-1", TenantID: "tenant-1", Provider: domain.ProviderEdge, Model: "m",
			Metadata: domain.SessionMetadata{ThinkingLevel: domain.ThinkingLow},
			Messages: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "one", CreatedAt: base},
				{Role: domain.RoleAssistant, Content: "two", CreatedAt: base.Add(time.Second)},
				{Role: domain.RoleUser, Content: "three", CreatedAt: base.Add(2 * time.Second)},
			},
		},
		"other": {ID: "other", TenantID: "tenant-2"},
	}}
}

func TestSessionGet(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, sessionFixture())

	resp := do(t, "GET", ts.URL+"/v1/sessions/s-1", allKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "s-1", v.ID)
	assert.Equal(t, 3, v.MessageCount)
	assert.Equal(t, domain.ThinkingLow, v.Metadata.ThinkingLevel)

	resp = do(t, "GET", ts.URL+"/v1/sessions/other", allKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "sessions of other tenants are invisible")
}

func TestSessionReset(t *testing.T) {
	sess := sessionFixture()
	_, ts := testServer(t, &fakeCompleter{}, sess)

	resp := do(t, "POST", ts.URL+"/v1/sessions/s-1/reset", allKey, `{"preserve_summary":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, "POST", ts.URL+"/v1/sessions/s-1/reset", allKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out resetResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Reset)
	assert.Equal(t, []string{"s-1:true", "s-1:false"}, sess.resetCalls())

	resp = do(t, "POST", ts.URL+"/v1/sessions/missing/reset", allKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionMessages(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{}, sessionFixture())

	resp := do(t, "GET", ts.URL+"/v1/sessions/s-1/messages?limit=2", allKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page messagesPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Content)
	assert.Equal(t, "three", page.Messages[1].Content)

	resp = do(t, "GET", ts.URL+"/v1/sessions/s-1/messages?before=2026-03-01T12:00:01Z", allKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = messagesPage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "one", page.Messages[0].Content)

	for _, q := range []string{"limit=0", "limit=abc", "limit=100000", "before=yesterday"} {
		resp = do(t, "GET", ts.URL+"/v1/sessions/s-1/messages?"+q, allKey, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAuthFailuresAreRateLimited(t *testing.T) {
	_, ts := testServer(t, &fakeCompleter{runFn: streamHello}, nil)

	for i := 0; i < authRateMaxFails; i++ {
		resp := do(t, "POST", ts.URL+"/v1/chat/completions", "wrong", helloBody)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", chatKey, helloBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, domain.CodeRateLimited, decodeError(t, resp).Code)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		cfg  config.GatewayConfig
		want string
	}{
		{config.GatewayConfig{Bind: "loopback", Port: 1}, "127.0.0.1:1"},
		{config.GatewayConfig{Bind: "lan", Port: 2}, "0.0.0.0:2"},
		{config.GatewayConfig{Bind: "custom", CustomBindHost: "10.1.1.1", Port: 3}, "10.1.1.1:3"},
		{config.GatewayConfig{Port: 4}, "127.0.0.1:4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveBindAddr(tt.cfg))
	}
}

// --- end to end through the real orchestrator ---

func newLiveServer(t *testing.T, adapters ...llm.Adapter) (*httptest.Server, *store.DB) {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PutTenant(context.Background(), &domain.Tenant{ID: "tenant-1", Name: "T", Tier: domain.TierStarter}))

	reg := llm.NewRegistry(log)
	for _, a := range adapters {
		reg.Register(a)
	}
	sessions := cache.New(kv.NewMemory(), db, cache.Options{}, log)
	orch := orchestrator.New(orchestrator.Deps{Registry: reg, Tenants: db, Sessions: sessions}, orchestrator.Options{}, log)

	srv := New(testGatewayConfig(), orch, sessions, log, WithHealthCheck("store", db.Ping))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func TestLive_StreamingMatchesNonStreaming(t *testing.T) {
	edge := &llm.MockAdapter{
		ProviderName: domain.ProviderEdge,
		Caps:         llm.Capabilities{MaxTokens: 4096},
		CompleteFunc: func(context.Context, domain.CompletionRequest) (*domain.CompletionResult, error) {
			return &domain.CompletionResult{
				Content: "the quick brown fox", Role: domain.RoleAssistant,
				FinishReason: domain.FinishStop, Usage: domain.NewUsage(4, 4), Model: "edge-model",
			}, nil
		},
	}
	ts, db := newLiveServer(t, edge)

	resp := do(t, "POST", ts.URL+"/v1/chat/completions", allKey, helloBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full orchestrator.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&full))
	assert.Equal(t, "the quick brown fox", full.Content)
	assert.Equal(t, domain.ProviderEdge, full.Provider)
	require.NotEmpty(t, full.SessionID)

	body := `{"messages":[{"role":"user","content":"again"}],"stream":true,"session_id":"` + full.SessionID + `"}`
	resp = do(t, "POST", ts.URL+"/v1/chat/completions", allKey, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var text strings.Builder
	var last domain.StreamChunk
	for _, ev := range readStream(t, resp.Body) {
		_, isErr := ev.IsError()
		require.False(t, isErr)
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &last))
		text.WriteString(last.Delta.Content)
	}
	assert.Equal(t, full.Content, text.String())
	assert.True(t, last.Terminal())
	require.NotNil(t, last.Usage)
	assert.Equal(t, full.Usage, *last.Usage)

	msgs, err := db.ListMessages(context.Background(), "tenant-1", full.SessionID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	resp = do(t, "GET", ts.URL+"/v1/sessions/"+full.SessionID+"/messages?limit=1", allKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page messagesPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, domain.RoleAssistant, page.Messages[0].Role)

	resp = do(t, "GET", ts.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLive_ValidationErrorNeverStreams(t *testing.T) {
	called := false
	edge := &llm.MockAdapter{
		ProviderName: domain.ProviderEdge,
		CompleteFunc: func(context.Context, domain.CompletionRequest) (*domain.CompletionResult, error) {
			called = true
			return nil, errors.New("unreachable")
		},
	}
	ts, _ := newLiveServer(t, edge)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true,"temperature":9}`
	resp := do(t, "POST", ts.URL+"/v1/chat/completions", allKey, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.CodeValidation, decodeError(t, resp).Code)
	assert.False(t, called)
}
