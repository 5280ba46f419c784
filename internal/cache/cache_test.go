package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// countingDurable wraps the real store and counts writes.
type countingDurable struct {
	*store.DB
	gets    atomic.Int32
	appends atomic.Int32
}

func (d *countingDurable) GetSession(ctx context.Context, tenantID, id string) (*domain.CachedSession, error) {
	d.gets.Add(1)
	return d.DB.GetSession(ctx, tenantID, id)
}

func (d *countingDurable) AppendTurn(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) error {
	d.appends.Add(1)
	return d.DB.AppendTurn(ctx, s, msgs)
}

// brokenKV fails every call.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("kv down") }
func (brokenKV) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}
func (brokenKV) Delete(context.Context, string) error { return errors.New("kv down") }
func (brokenKV) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("kv down")
}

type fixture struct {
	cache   *SessionCache
	kv      *kv.Memory
	durable *countingDurable
	clock   time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := store.Open(":memory:", silentLog())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{durable: &countingDurable{DB: db}, clock: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	f.kv = kv.NewMemory().WithClock(func() time.Time { return f.clock })
	f.cache = New(f.kv, f.durable, opts, silentLog())
	f.cache.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seed(t *testing.T, id string, msgs ...domain.ChatMessage) *domain.CachedSession {
	t.Helper()
	s, err := f.cache.Append(context.Background(), &domain.CachedSession{
		ID: id, TenantID: "acme", Model: "gpt-4o", Provider: domain.ProviderPremiumB,
	}, msgs)
	require.NoError(t, err)
	return s
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "session:acme:s1", SessionKey("acme", "s1"))
	assert.Equal(t, "messages:acme:s1", MessagesKey("acme", "s1"))
}

func TestAppend_WriteThrough(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s := f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})
	assert.Len(t, s.Messages, 1)
	assert.False(t, s.CreatedAt.IsZero())

	durable, err := f.durable.DB.GetSession(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Len(t, durable.Messages, 1)
	assert.Equal(t, "hi", durable.Messages[0].Content)

	got, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 1)

	s2, err := f.cache.Append(ctx, s, []domain.ChatMessage{{Role: "assistant", Content: "hello"}})
	require.NoError(t, err)
	assert.Len(t, s2.Messages, 2)
	assert.Len(t, s.Messages, 1, "input session must not be mutated")
}

func TestAppend_EmitsSessionCreatedOnce(t *testing.T) {
	hm := hooks.NewManager(silentLog())
	var created atomic.Int32
	hm.On(hooks.EventSessionCreated, "count", func(_ context.Context, p hooks.Payload) error {
		created.Add(1)
		assert.Equal(t, "acme", p.Data["tenantId"])
		return nil
	})

	f := newFixture(t, Options{Hooks: hm})
	s := f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "a"})
	_, err := f.cache.Append(context.Background(), s, []domain.ChatMessage{{Role: "user", Content: "b"}})
	require.NoError(t, err)

	require.NoError(t, hm.Wait(context.Background()))
	assert.Equal(t, int32(1), created.Load())
}

func TestLoad_MissRepopulates(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})

	require.NoError(t, f.cache.Invalidate(ctx, "acme", "s1"))
	_, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Len(t, s.Messages, 1)

	_, ok, err = f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoad_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.cache.Load(context.Background(), "acme", "ghost")
	assert.Equal(t, domain.CodeNotFound, domain.Kind(err))
}

func TestLoad_TenantIsolation(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "secret"})

	_, err := f.cache.Load(context.Background(), "globex", "s1")
	assert.Equal(t, domain.CodeNotFound, domain.Kind(err))
}

func TestSessionTTLExpiry(t *testing.T) {
	f := newFixture(t, Options{SessionTTL: 5 * time.Minute, BlobTTL: time.Hour})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})

	f.clock = f.clock.Add(4 * time.Minute)
	_, ok, _ := f.cache.Get(ctx, "acme", "s1")
	assert.True(t, ok)

	f.clock = f.clock.Add(2 * time.Minute)
	_, ok, _ = f.cache.Get(ctx, "acme", "s1")
	assert.False(t, ok, "metadata expired after session TTL")
}

func TestWarm_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})
	require.NoError(t, f.cache.Invalidate(ctx, "acme", "s1"))
	appendsBefore := f.durable.appends.Load()
	getsBefore := f.durable.gets.Load()

	require.NoError(t, f.cache.Warm(ctx, "acme", "s1"))
	first, _, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)

	require.NoError(t, f.cache.Warm(ctx, "acme", "s1"))
	second, _, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, appendsBefore, f.durable.appends.Load(), "warm never appends")
	assert.Equal(t, getsBefore+1, f.durable.gets.Load(), "second warm is served by the volatile tier")

	msgs, err := f.durable.ListMessages(ctx, "acme", "s1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPut_UpdatesMetadata(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})

	s.Metadata.ThinkingLevel = domain.ThinkingHigh
	require.NoError(t, f.cache.Put(ctx, s))

	durable, err := f.durable.DB.GetSession(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ThinkingHigh, durable.Metadata.ThinkingLevel)

	cached, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ThinkingHigh, cached.Metadata.ThinkingLevel)
	assert.Len(t, cached.Messages, 1)
}

func TestPut_MetadataOnlyKeepsHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1",
		domain.ChatMessage{Role: "user", Content: "a"},
		domain.ChatMessage{Role: "assistant", Content: "b"},
	)

	require.NoError(t, f.cache.Put(ctx, &domain.CachedSession{
		ID: "s1", TenantID: "acme", Model: "claude-sonnet-4-5", Provider: domain.ProviderPremiumA,
	}))

	cached, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ProviderPremiumA, cached.Provider)
	assert.Len(t, cached.Messages, 2, "volatile history survives a metadata write")

	loaded, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)
}

func TestReset_ClearsVolatileAndHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1",
		domain.ChatMessage{Role: "user", Content: "a"},
		domain.ChatMessage{Role: "assistant", Content: "b"},
	)

	require.NoError(t, f.cache.Reset(ctx, "acme", "s1", false))

	_, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.False(t, ok, "reset leaves a volatile miss")

	s, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Empty(t, s.Messages)
}

func TestReset_PreserveSummary(t *testing.T) {
	var seen int
	var tenant string
	f := newFixture(t, Options{Summarizer: SummarizerFunc(func(_ context.Context, tenantID string, msgs []domain.ChatMessage) (string, error) {
		seen, tenant = len(msgs), tenantID
		return "user said a, assistant said b", nil
	})})
	ctx := context.Background()
	f.seed(t, "s1",
		domain.ChatMessage{Role: "user", Content: "a"},
		domain.ChatMessage{Role: "assistant", Content: "b"},
	)

	require.NoError(t, f.cache.Reset(ctx, "acme", "s1", true))
	assert.Equal(t, 2, seen)
	assert.Equal(t, "acme", tenant)

	s, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.RoleSystem, s.Messages[0].Role)
	assert.Equal(t, "user said a, assistant said b", s.Messages[0].Content)
}

func TestReset_PreserveSummaryWithoutSummarizer(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "a"})

	require.NoError(t, f.cache.Reset(ctx, "acme", "s1", true))
	s, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, EmptySummary, s.Messages[0].Content)
}

func TestReset_SummarizerErrorKeepsHistory(t *testing.T) {
	f := newFixture(t, Options{Summarizer: SummarizerFunc(func(context.Context, string, []domain.ChatMessage) (string, error) {
		return "", errors.New("model offline")
	})})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "a"})

	require.Error(t, f.cache.Reset(ctx, "acme", "s1", true))
	msgs, err := f.durable.ListMessages(ctx, "acme", "s1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReset_UnknownSession(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.cache.Reset(context.Background(), "acme", "ghost", false)
	assert.Equal(t, domain.CodeNotFound, domain.Kind(err))
}

func TestVolatileFailureIsNotFatal(t *testing.T) {
	db, err := store.Open(":memory:", silentLog())
	require.NoError(t, err)
	defer db.Close()

	c := New(brokenKV{}, db, Options{}, silentLog())
	ctx := context.Background()

	s, err := c.Append(ctx, &domain.CachedSession{ID: "s1", TenantID: "acme"}, []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Len(t, s.Messages, 1)

	loaded, err := c.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 1)
}

func TestCorruptVolatileEntryIsAMiss(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "hi"})

	require.NoError(t, f.kv.Put(ctx, MessagesKey("acme", "s1"), []byte("{not json"), time.Hour))
	_, ok, err := f.cache.Get(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := f.cache.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Len(t, s.Messages, 1)
}

func TestMessages_Pages(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := f.seed(t, "s1", domain.ChatMessage{Role: "user", Content: "a"})
	f.clock = f.clock.Add(time.Minute)
	_, err := f.cache.Append(ctx, s, []domain.ChatMessage{{Role: "assistant", Content: "b"}})
	require.NoError(t, err)

	page, err := f.cache.Messages(ctx, "acme", "s1", time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Content)

	older, err := f.cache.Messages(ctx, "acme", "s1", f.clock, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "a", older[0].Content)

	_, err = f.cache.Messages(ctx, "acme", "ghost", time.Time{}, 10)
	assert.Equal(t, domain.CodeNotFound, domain.Kind(err))
}
