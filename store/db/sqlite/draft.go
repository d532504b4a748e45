package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) UpsertDraft(ctx context.Context, upsert *store.UpsertDraft) (*store.Draft, error) {
	stmt := `
		INSERT INTO advisor_draft (session_id, content, updated_ts)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			content = excluded.content,
			updated_ts = excluded.updated_ts
		RETURNING session_id, content, updated_ts
	`
	draft := &store.Draft{}
	if err := d.db.QueryRowContext(ctx, stmt,
		upsert.SessionID,
		upsert.Content,
		upsert.UpdatedTs,
	).Scan(&draft.SessionID, &draft.Content, &draft.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert draft")
	}
	return draft, nil
}

func (d *DB) GetDraft(ctx context.Context, find *store.FindDraft) (*store.Draft, error) {
	draft := &store.Draft{}
	err := d.db.QueryRowContext(ctx,
		`SELECT session_id, content, updated_ts FROM advisor_draft WHERE session_id = ?`,
		find.SessionID,
	).Scan(&draft.SessionID, &draft.Content, &draft.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get draft")
	}
	return draft, nil
}

func (d *DB) DeleteDraft(ctx context.Context, delete *store.DeleteDraft) error {
	// Deleting an absent draft is not an error; clears are idempotent.
	if _, err := d.db.ExecContext(ctx, `DELETE FROM advisor_draft WHERE session_id = ?`, delete.SessionID); err != nil {
		return errors.Wrap(err, "failed to delete draft")
	}
	return nil
}
