package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/heartwise/heartwise/internal/profile"
	"github.com/heartwise/heartwise/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection to the PostgreSQL server at the configured DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	driver := DB{db: postgresDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies the schema. All statements are idempotent, so running
// it on every startup is safe.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// placeholder returns the parameter marker for a 1-based position.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}

const schema = `
CREATE TABLE IF NOT EXISTS contact (
	id SERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	alias TEXT NOT NULL DEFAULT '',
	persona TEXT NOT NULL DEFAULT '',
	row_status TEXT NOT NULL DEFAULT 'NORMAL',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS advisor_session (
	id SERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	contact_id INTEGER NOT NULL REFERENCES contact (id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	title_source TEXT NOT NULL DEFAULT 'default',
	message_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	pinned BOOLEAN NOT NULL DEFAULT FALSE,
	row_status TEXT NOT NULL DEFAULT 'NORMAL',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_advisor_session_contact_id ON advisor_session (contact_id);

CREATE TABLE IF NOT EXISTS advisor_conversation (
	id BIGSERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL REFERENCES advisor_session (id) ON DELETE CASCADE,
	contact_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	send_status TEXT NOT NULL DEFAULT 'pending',
	related_user_uid TEXT,
	ts BIGINT NOT NULL,
	created_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_advisor_conversation_session_id_ts ON advisor_conversation (session_id, ts);

CREATE TABLE IF NOT EXISTS message_block (
	id BIGSERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	message_uid TEXT NOT NULL REFERENCES advisor_conversation (uid) ON DELETE CASCADE,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_block_message_uid ON message_block (message_uid);

CREATE TABLE IF NOT EXISTS advisor_draft (
	session_id INTEGER PRIMARY KEY REFERENCES advisor_session (id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_stat (
	id BIGSERIAL PRIMARY KEY,
	session_id INTEGER NOT NULL,
	message_uid TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_stat_session_id ON usage_stat (session_id);
`
