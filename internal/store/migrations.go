package store

// migration represents a single schema migration. SQL must run unchanged
// on both SQLite and Postgres.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create tenants, sessions and messages",
		SQL: `
			CREATE TABLE tenants (
				id                  TEXT PRIMARY KEY,
				name                TEXT NOT NULL DEFAULT '',
				tier                TEXT NOT NULL,
				allowed_tools       TEXT NOT NULL DEFAULT '[]',
				custom_tools        TEXT NOT NULL DEFAULT '[]',
				requests_per_minute INTEGER NOT NULL DEFAULT 0,
				created_at          TEXT NOT NULL,
				updated_at          TEXT NOT NULL
			);

			CREATE TABLE sessions (
				tenant_id   TEXT NOT NULL,
				id          TEXT NOT NULL,
				model       TEXT NOT NULL DEFAULT '',
				provider    TEXT NOT NULL DEFAULT '',
				metadata    TEXT NOT NULL DEFAULT '{}',
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL,
				PRIMARY KEY (tenant_id, id)
			);

			CREATE TABLE messages (
				tenant_id     TEXT NOT NULL,
				session_id    TEXT NOT NULL,
				seq           INTEGER NOT NULL,
				role          TEXT NOT NULL,
				content       TEXT NOT NULL,
				tool_calls    TEXT,
				tool_call_id  TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL,
				PRIMARY KEY (tenant_id, session_id, seq)
			);
		`,
	},
	{
		Version: 2,
		Name:    "index sessions and messages by time",
		SQL: `
			CREATE INDEX idx_sessions_updated ON sessions (tenant_id, updated_at);
			CREATE INDEX idx_messages_created ON messages (tenant_id, session_id, created_at);
		`,
	},
}
