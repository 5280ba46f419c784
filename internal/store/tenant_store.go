package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soyeahso/llmgate/internal/domain"
)

// GetTenant returns a tenant or a *domain.NotFoundError.
func (db *DB) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	t := domain.Tenant{ID: id}
	var tier, allowed, custom, createdAt, updatedAt string

	err := db.sql.QueryRowContext(ctx, db.rebind(
		`SELECT name, tier, allowed_tools, custom_tools, requests_per_minute, created_at, updated_at
		 FROM tenants WHERE id = ?`), id,
	).Scan(&t.Name, &tier, &allowed, &custom, &t.RequestsPerMinute, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "tenant", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant %s: %w", id, err)
	}

	t.Tier = domain.Tier(tier)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(allowed), &t.AllowedTools); err != nil {
		return nil, fmt.Errorf("decoding allowed tools: %w", err)
	}
	if err := json.Unmarshal([]byte(custom), &t.CustomTools); err != nil {
		return nil, fmt.Errorf("decoding custom tools: %w", err)
	}
	return &t, nil
}

// PutTenant inserts or updates a tenant.
func (db *DB) PutTenant(ctx context.Context, t *domain.Tenant) error {
	if _, ok := domain.ParseTier(string(t.Tier)); !ok {
		return &domain.ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", t.Tier)}
	}
	now := db.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	allowed, err := json.Marshal(nonNil(t.AllowedTools))
	if err != nil {
		return err
	}
	custom, err := json.Marshal(nonNil(t.CustomTools))
	if err != nil {
		return err
	}

	_, err = db.sql.ExecContext(ctx, db.rebind(
		`INSERT INTO tenants (id, name, tier, allowed_tools, custom_tools, requests_per_minute, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   tier = excluded.tier,
		   allowed_tools = excluded.allowed_tools,
		   custom_tools = excluded.custom_tools,
		   requests_per_minute = excluded.requests_per_minute,
		   updated_at = excluded.updated_at`),
		t.ID, t.Name, string(t.Tier), string(allowed), string(custom), t.RequestsPerMinute,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving tenant %s: %w", t.ID, err)
	}
	return nil
}

// ListTenants returns all tenants ordered by id.
func (db *DB) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := db.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
