// Package cache is the two-tier session cache: a TTL-bound volatile copy
// in a kv.Store in front of the authoritative durable store.
//
// Writes go through to the durable tier synchronously; the volatile tier
// is refreshed afterwards and failures there are only logged. Reads try
// the volatile tier and fall back to the durable tier, repopulating the
// volatile copy on the way out.
//
// Two requests racing on the same session are last-writer-wins in both
// tiers. No locks are taken.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/logging"
)

// Durable is the authoritative session store. AppendTurn and ReplaceTurn
// write metadata and history together or not at all.
type Durable interface {
	GetSession(ctx context.Context, tenantID, id string) (*domain.CachedSession, error)
	PutSession(ctx context.Context, s *domain.CachedSession) error
	AppendTurn(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) error
	ReplaceTurn(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) error
	ListMessages(ctx context.Context, tenantID, sessionID string, before time.Time, limit int) ([]domain.ChatMessage, error)
}

// Summarizer condenses a tenant's session history into one paragraph for
// a summary-preserving reset.
type Summarizer interface {
	Summarize(ctx context.Context, tenantID string, msgs []domain.ChatMessage) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, tenantID string, msgs []domain.ChatMessage) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, tenantID string, msgs []domain.ChatMessage) (string, error) {
	return f(ctx, tenantID, msgs)
}

// EmptySummary is the system message content left by a summary-preserving
// reset when no Summarizer is configured.
const EmptySummary = "[conversation summary unavailable]"

// Options tunes a SessionCache.
type Options struct {
	SessionTTL time.Duration // session metadata; default 5m
	BlobTTL    time.Duration // message history blob; default 1h
	Summarizer Summarizer
	Hooks      *hooks.Manager
}

// SessionCache owns all reads and writes of session state.
type SessionCache struct {
	kv      kv.Store
	durable Durable
	opts    Options
	log     *logging.Logger
	now     func() time.Time
}

// New creates a session cache over the given tiers.
func New(volatile kv.Store, durable Durable, opts Options, log *logging.Logger) *SessionCache {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 5 * time.Minute
	}
	if opts.BlobTTL <= 0 {
		opts.BlobTTL = time.Hour
	}
	return &SessionCache{
		kv:      volatile,
		durable: durable,
		opts:    opts,
		log:     log.Sub("cache"),
		now:     time.Now,
	}
}

// SessionKey is the volatile key for session metadata.
func SessionKey(tenantID, id string) string { return "session:" + tenantID + ":" + id }

// MessagesKey is the volatile key for the message history blob.
func MessagesKey(tenantID, id string) string { return "messages:" + tenantID + ":" + id }

// Get reads the volatile tier only. ok is false on a miss; a miss is not
// an error.
func (c *SessionCache) Get(ctx context.Context, tenantID, id string) (*domain.CachedSession, bool, error) {
	meta, err := c.kv.Get(ctx, SessionKey(tenantID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	blob, err := c.kv.Get(ctx, MessagesKey(tenantID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var s domain.CachedSession
	if err := json.Unmarshal(meta, &s); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("dropping corrupt volatile session")
		c.dropVolatile(ctx, tenantID, id)
		return nil, false, nil
	}
	if err := json.Unmarshal(blob, &s.Messages); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("dropping corrupt volatile messages")
		c.dropVolatile(ctx, tenantID, id)
		return nil, false, nil
	}
	if s.TenantID != tenantID {
		return nil, false, nil
	}
	return &s, true, nil
}

// Warm populates the volatile tier from the durable tier if the entry is
// absent. It never writes the durable tier, so repeated calls are
// idempotent.
func (c *SessionCache) Warm(ctx context.Context, tenantID, id string) error {
	_, err := c.warm(ctx, tenantID, id)
	return err
}

func (c *SessionCache) warm(ctx context.Context, tenantID, id string) (*domain.CachedSession, error) {
	if s, ok, err := c.Get(ctx, tenantID, id); err == nil && ok {
		return s, nil
	}
	s, err := c.durable.GetSession(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.writeVolatile(ctx, s)
	return s, nil
}

// Load returns a session, consulting the volatile tier first and the
// durable tier on a miss. Unknown sessions yield *domain.NotFoundError.
func (c *SessionCache) Load(ctx context.Context, tenantID, id string) (*domain.CachedSession, error) {
	s, ok, err := c.Get(ctx, tenantID, id)
	if err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("volatile read failed")
	}
	if ok {
		return s, nil
	}
	return c.warm(ctx, tenantID, id)
}

// Put writes session metadata through to the durable tier and refreshes
// the volatile metadata. s.Messages is ignored and the cached history is
// left alone; message history is written with Append.
func (c *SessionCache) Put(ctx context.Context, s *domain.CachedSession) error {
	s.UpdatedAt = c.now()
	if err := c.durable.PutSession(ctx, s); err != nil {
		return err
	}
	c.writeMeta(ctx, s)
	return nil
}

// Append persists msgs at the end of the session's history and updates
// its metadata, creating the session if it has never been stored. It
// returns the updated session.
func (c *SessionCache) Append(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) (*domain.CachedSession, error) {
	out := s.Clone()
	created := out.CreatedAt.IsZero()
	now := c.now()
	if created {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	stamped := make([]domain.ChatMessage, len(msgs))
	for i, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		stamped[i] = m
	}

	if err := c.durable.AppendTurn(ctx, out, stamped); err != nil {
		return nil, fmt.Errorf("appending messages: %w", err)
	}
	out.Messages = append(out.Messages, stamped...)
	c.writeVolatile(ctx, out)

	if created {
		c.opts.Hooks.EmitAsync(ctx, hooks.EventSessionCreated, map[string]any{
			"tenantId":  out.TenantID,
			"sessionId": out.ID,
			"provider":  string(out.Provider),
		})
	}
	return out, nil
}

// Invalidate drops the volatile copy. The durable tier is untouched.
func (c *SessionCache) Invalidate(ctx context.Context, tenantID, id string) error {
	if err := c.kv.Delete(ctx, SessionKey(tenantID, id)); err != nil {
		return err
	}
	return c.kv.Delete(ctx, MessagesKey(tenantID, id))
}

// Reset clears the volatile entry and the durable history. With
// preserveSummary the history is replaced by a single system message
// holding a summary; otherwise it is deleted.
func (c *SessionCache) Reset(ctx context.Context, tenantID, id string, preserveSummary bool) error {
	s, err := c.durable.GetSession(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := c.Invalidate(ctx, tenantID, id); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("volatile invalidate failed")
	}

	var keep []domain.ChatMessage
	if preserveSummary {
		summary := EmptySummary
		if c.opts.Summarizer != nil && len(s.Messages) > 0 {
			text, err := c.opts.Summarizer.Summarize(ctx, tenantID, s.Messages)
			if err != nil {
				return fmt.Errorf("summarizing session: %w", err)
			}
			summary = text
		}
		keep = []domain.ChatMessage{{Role: domain.RoleSystem, Content: summary, CreatedAt: c.now()}}
	}

	s.UpdatedAt = c.now()
	if err := c.durable.ReplaceTurn(ctx, s, keep); err != nil {
		return fmt.Errorf("resetting messages: %w", err)
	}

	c.log.Info().Str("tenantId", tenantID).Str("sessionId", id).Bool("preserveSummary", preserveSummary).Msg("session reset")
	c.opts.Hooks.EmitAsync(ctx, hooks.EventSessionReset, map[string]any{
		"tenantId":        tenantID,
		"sessionId":       id,
		"preserveSummary": preserveSummary,
	})
	return nil
}

// Messages pages through durable history. The volatile tier is not
// consulted because it holds the whole history, not pages.
func (c *SessionCache) Messages(ctx context.Context, tenantID, id string, before time.Time, limit int) ([]domain.ChatMessage, error) {
	if _, err := c.Load(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return c.durable.ListMessages(ctx, tenantID, id, before, limit)
}

func (c *SessionCache) writeVolatile(ctx context.Context, s *domain.CachedSession) {
	msgs := s.Messages
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		c.log.Warn().Err(err).Str("sessionId", s.ID).Msg("encoding volatile messages")
		return
	}

	// Blob before metadata: metadata without a blob reads as a miss.
	if err := c.kv.Put(ctx, MessagesKey(s.TenantID, s.ID), blob, c.opts.BlobTTL); err != nil {
		c.log.Warn().Err(err).Str("sessionId", s.ID).Msg("volatile write failed")
		return
	}
	c.writeMeta(ctx, s)
}

func (c *SessionCache) writeMeta(ctx context.Context, s *domain.CachedSession) {
	meta := *s
	meta.Messages = nil
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		c.log.Warn().Err(err).Str("sessionId", s.ID).Msg("encoding volatile session")
		return
	}
	if err := c.kv.Put(ctx, SessionKey(s.TenantID, s.ID), metaJSON, c.opts.SessionTTL); err != nil {
		c.log.Warn().Err(err).Str("sessionId", s.ID).Msg("volatile write failed")
	}
}

func (c *SessionCache) dropVolatile(ctx context.Context, tenantID, id string) {
	if err := c.Invalidate(ctx, tenantID, id); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("volatile invalidate failed")
	}
}
