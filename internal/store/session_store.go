package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
)

// GetSession returns the session with its full message history, or a
// *domain.NotFoundError.
func (db *DB) GetSession(ctx context.Context, tenantID, id string) (*domain.CachedSession, error) {
	sess := domain.CachedSession{ID: id, TenantID: tenantID}
	var provider, metadata, createdAt, updatedAt string

	err := db.sql.QueryRowContext(ctx, db.rebind(
		`SELECT model, provider, metadata, created_at, updated_at
		 FROM sessions WHERE tenant_id = ? AND id = ?`), tenantID, id,
	).Scan(&sess.Model, &provider, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	sess.Provider = domain.Provider(provider)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
	}

	msgs, err := db.ListMessages(ctx, tenantID, id, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &sess, nil
}

// PutSession inserts or updates session metadata. Messages are written
// separately through AppendMessages, or together with the metadata
// through AppendTurn and ReplaceTurn.
func (db *DB) PutSession(ctx context.Context, s *domain.CachedSession) error {
	return db.upsertSession(ctx, db.sql, s)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) upsertSession(ctx context.Context, ex execer, s *domain.CachedSession) error {
	now := db.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}

	_, err = ex.ExecContext(ctx, db.rebind(
		`INSERT INTO sessions (tenant_id, id, model, provider, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   model = excluded.model,
		   provider = excluded.provider,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`),
		s.TenantID, s.ID, s.Model, string(s.Provider), string(metadata),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// AppendTurn saves session metadata and appends msgs to its history in
// one transaction. Either both land or neither does.
func (db *DB) AppendTurn(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	if err := db.upsertSession(ctx, tx, s); err != nil {
		return err
	}
	if len(msgs) > 0 {
		last, err := db.lastSeq(ctx, tx, s.TenantID, s.ID)
		if err != nil {
			return err
		}
		if err := db.insertMessages(ctx, tx, s.TenantID, s.ID, last, msgs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceTurn saves session metadata and swaps its history for msgs in
// one transaction.
func (db *DB) ReplaceTurn(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if err := db.upsertSession(ctx, tx, s); err != nil {
		return err
	}
	if err := db.replaceMessages(ctx, tx, s.TenantID, s.ID, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSessions returns session metadata for a tenant, most recently
// updated first. Messages are not loaded. A limit of 0 means no limit.
func (db *DB) ListSessions(ctx context.Context, tenantID string, limit int) ([]domain.CachedSession, error) {
	query := `SELECT id, model, provider, created_at, updated_at
		 FROM sessions WHERE tenant_id = ? ORDER BY updated_at DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.sql.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.CachedSession
	for rows.Next() {
		s := domain.CachedSession{TenantID: tenantID}
		var provider, createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &s.Model, &provider, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.Provider = domain.Provider(provider)
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendMessages adds messages to the end of a session's history. The
// sequence numbers are allocated inside one transaction.
func (db *DB) AppendMessages(ctx context.Context, tenantID, sessionID string, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	last, err := db.lastSeq(ctx, tx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if err := db.insertMessages(ctx, tx, tenantID, sessionID, last, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceMessages swaps a session's history for msgs. Passing no
// messages clears the history.
func (db *DB) ReplaceMessages(ctx context.Context, tenantID, sessionID string, msgs []domain.ChatMessage) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if err := db.replaceMessages(ctx, tx, tenantID, sessionID, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) replaceMessages(ctx context.Context, tx *sql.Tx, tenantID, sessionID string, msgs []domain.ChatMessage) error {
	if _, err := tx.ExecContext(ctx, db.rebind(
		`DELETE FROM messages WHERE tenant_id = ? AND session_id = ?`), tenantID, sessionID,
	); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	return db.insertMessages(ctx, tx, tenantID, sessionID, 0, msgs)
}

func (db *DB) lastSeq(ctx context.Context, tx *sql.Tx, tenantID, sessionID string) (int64, error) {
	var last int64
	if err := tx.QueryRowContext(ctx, db.rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE tenant_id = ? AND session_id = ?`),
		tenantID, sessionID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("reading message sequence: %w", err)
	}
	return last, nil
}

// DeleteMessages clears a session's history.
func (db *DB) DeleteMessages(ctx context.Context, tenantID, sessionID string) error {
	return db.ReplaceMessages(ctx, tenantID, sessionID, nil)
}

func (db *DB) insertMessages(ctx context.Context, tx *sql.Tx, tenantID, sessionID string, after int64, msgs []domain.ChatMessage) error {
	stmt := db.rebind(
		`INSERT INTO messages (tenant_id, session_id, seq, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	for i, m := range msgs {
		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		ts := m.CreatedAt
		if ts.IsZero() {
			ts = db.now()
		}
		if _, err := tx.ExecContext(ctx, stmt,
			tenantID, sessionID, after+int64(i)+1, m.Role, m.Content, toolCalls, m.ToolCallID, formatTime(ts),
		); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}
	return nil
}

// ListMessages returns a session's messages in chronological order. When
// before is non-zero only older messages are returned. A positive limit
// keeps the most recent limit messages.
func (db *DB) ListMessages(ctx context.Context, tenantID, sessionID string, before time.Time, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE tenant_id = ? AND session_id = ?`
	args := []any{tenantID, sessionID}
	if !before.IsZero() {
		query += " AND created_at < ?"
		args = append(args, formatTime(before))
	}
	if limit > 0 {
		query += " ORDER BY seq DESC LIMIT ?"
		args = append(args, limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := db.sql.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var toolCalls sql.NullString
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &m.ToolCallID, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}
