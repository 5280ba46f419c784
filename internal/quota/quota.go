// Package quota enforces a per-tenant request quota over fixed windows.
//
// Each window is one counter in the KV store, keyed by tenant and window
// start, expiring with the window. Requests at the very end of one window
// and the start of the next are counted separately, so a burst of up to
// twice the limit across a boundary is possible.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/logging"
)

// Limiter counts requests per tenant.
type Limiter struct {
	kv           kv.Store
	window       time.Duration
	defaultLimit int
	now          func() time.Time
	log          *logging.Logger
}

// New creates a limiter from config. A non-positive window falls back to
// one minute.
func New(store kv.Store, cfg config.QuotaConfig, log *logging.Logger) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		kv:           store,
		window:       window,
		defaultLimit: cfg.DefaultRequests,
		now:          time.Now,
		log:          log.Sub("quota"),
	}
}

// Key returns the counter key for tenantID in the window starting at start.
func Key(tenantID string, start time.Time) string {
	return fmt.Sprintf("quota:%s:%d", tenantID, start.Unix())
}

// Limit returns the per-window request limit for t. Zero means unlimited.
func (l *Limiter) Limit(t *domain.Tenant) int {
	if t != nil && t.RequestsPerMinute > 0 {
		return t.RequestsPerMinute
	}
	return l.defaultLimit
}

// WithinQuota counts one request for t and reports whether it fits in
// the current window, along with when the window resets. If the counter
// store fails the request is let through.
func (l *Limiter) WithinQuota(ctx context.Context, t *domain.Tenant) (bool, time.Time) {
	now := l.now()
	start := now.Truncate(l.window)
	resetAt := start.Add(l.window)

	limit := l.Limit(t)
	if limit <= 0 {
		return true, resetAt
	}

	n, err := l.kv.Incr(ctx, Key(t.ID, start), l.window)
	if err != nil {
		l.log.Warn().Err(err).Str("tenantId", t.ID).Msg("quota counter unavailable, allowing request")
		return true, resetAt
	}
	return n <= int64(limit), resetAt
}

// Check is WithinQuota as an error.
func (l *Limiter) Check(ctx context.Context, t *domain.Tenant) error {
	ok, resetAt := l.WithinQuota(ctx, t)
	if ok {
		return nil
	}
	return &domain.QuotaExceededError{TenantID: t.ID, ResetAt: resetAt}
}
