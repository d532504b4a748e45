package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/heartwise/heartwise/internal/profile"
	"github.com/heartwise/heartwise/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at the configured DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect with some sane settings:
	// - No foreign key constraints: disabled by default, but be explicit
	//   to prevent surprises on SQLite upgrades.
	// - Journal mode set to WAL: the recommended journal mode, prevents
	//   locking issues.
	//
	// With the `modernc.org/sqlite` driver each pragma must be prefixed
	// with `_pragma=`.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

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
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS contact (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	alias TEXT NOT NULL DEFAULT '',
	persona TEXT NOT NULL DEFAULT '',
	row_status TEXT NOT NULL DEFAULT 'NORMAL',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS advisor_session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	contact_id INTEGER NOT NULL REFERENCES contact (id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	title_source TEXT NOT NULL DEFAULT 'default',
	message_count INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	pinned INTEGER NOT NULL DEFAULT 0,
	row_status TEXT NOT NULL DEFAULT 'NORMAL',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_advisor_session_contact_id ON advisor_session (contact_id);

CREATE TABLE IF NOT EXISTS advisor_conversation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	message_uid TEXT NOT NULL REFERENCES advisor_conversation (uid) ON DELETE CASCADE,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_block_message_uid ON message_block (message_uid);

CREATE TABLE IF NOT EXISTS advisor_draft (
	session_id INTEGER PRIMARY KEY REFERENCES advisor_session (id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_stat (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
