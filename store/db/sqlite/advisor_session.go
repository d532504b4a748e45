package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateAdvisorSession(ctx context.Context, create *store.AdvisorSession) (*store.AdvisorSession, error) {
	stmt := `
		INSERT INTO advisor_session (uid, contact_id, title, title_source, message_count, active, pinned, row_status, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.ContactID,
		create.Title,
		create.TitleSource,
		create.MessageCount,
		create.Active,
		create.Pinned,
		create.RowStatus,
		create.CreatedTs,
		create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create advisor session")
	}
	return create, nil
}

func (d *DB) ListAdvisorSessions(ctx context.Context, find *store.FindAdvisorSession) ([]*store.AdvisorSession, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.ContactID != nil {
		where, args = append(where, "contact_id = ?"), append(args, *find.ContactID)
	}
	if find.Pinned != nil {
		where, args = append(where, "pinned = ?"), append(args, *find.Pinned)
	}
	if find.Empty != nil && *find.Empty {
		where = append(where, "message_count = 0")
	}
	if find.RowStatus != nil {
		where, args = append(where, "row_status = ?"), append(args, *find.RowStatus)
	}

	// Pinned sessions surface first, then most recently touched.
	query := `
		SELECT id, uid, contact_id, title, title_source, message_count, active, pinned, row_status, created_ts, updated_ts
		FROM advisor_session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY pinned DESC, updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list advisor sessions")
	}
	defer rows.Close()

	list := make([]*store.AdvisorSession, 0)
	for rows.Next() {
		session := &store.AdvisorSession{}
		if err := scanSession(rows.Scan, session); err != nil {
			return nil, errors.Wrap(err, "failed to scan advisor session")
		}
		list = append(list, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate advisor sessions")
	}
	return list, nil
}

func (d *DB) UpdateAdvisorSession(ctx context.Context, update *store.UpdateAdvisorSession) (*store.AdvisorSession, error) {
	set, args := []string{}, []any{}

	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.TitleSource != nil {
		set, args = append(set, "title_source = ?"), append(args, *update.TitleSource)
	}
	if update.Pinned != nil {
		set, args = append(set, "pinned = ?"), append(args, *update.Pinned)
	}
	if update.Active != nil {
		set, args = append(set, "active = ?"), append(args, *update.Active)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = ?"), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE advisor_session
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ?
		RETURNING id, uid, contact_id, title, title_source, message_count, active, pinned, row_status, created_ts, updated_ts`

	session := &store.AdvisorSession{}
	if err := scanSession(d.db.QueryRowContext(ctx, stmt, args...).Scan, session); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New("advisor session not found")
		}
		return nil, errors.Wrap(err, "failed to update advisor session")
	}
	return session, nil
}

func (d *DB) DeleteAdvisorSession(ctx context.Context, delete *store.DeleteAdvisorSession) error {
	// Conversations, blocks and the draft cascade away with the session.
	// With foreign_keys off the cascade is done explicitly.
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_block
		WHERE message_uid IN (SELECT uid FROM advisor_conversation WHERE session_id = ?)`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete session blocks")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM advisor_conversation WHERE session_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete session conversations")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM advisor_draft WHERE session_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete session draft")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_stat WHERE session_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete session usage stats")
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM advisor_session WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete advisor session")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("advisor session not found")
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (d *DB) GetMostRecentEmptySession(ctx context.Context, contactID int32) (*store.AdvisorSession, error) {
	query := `
		SELECT id, uid, contact_id, title, title_source, message_count, active, pinned, row_status, created_ts, updated_ts
		FROM advisor_session
		WHERE contact_id = ? AND message_count = 0 AND row_status = ?
		ORDER BY updated_ts DESC
		LIMIT 1`

	session := &store.AdvisorSession{}
	err := scanSession(d.db.QueryRowContext(ctx, query, contactID, store.RowStatusNormal).Scan, session)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get most recent empty session")
	}
	return session, nil
}

func (d *DB) IncrementSessionMessageCount(ctx context.Context, sessionID int32, updatedTs int64) (int32, error) {
	stmt := `
		UPDATE advisor_session
		SET message_count = message_count + 1, updated_ts = ?
		WHERE id = ?
		RETURNING message_count`

	var count int32
	if err := d.db.QueryRowContext(ctx, stmt, updatedTs, sessionID).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.New("advisor session not found")
		}
		return 0, errors.Wrap(err, "failed to increment message count")
	}
	return count, nil
}

func scanSession(scan func(dest ...any) error, session *store.AdvisorSession) error {
	return scan(
		&session.ID,
		&session.UID,
		&session.ContactID,
		&session.Title,
		&session.TitleSource,
		&session.MessageCount,
		&session.Active,
		&session.Pinned,
		&session.RowStatus,
		&session.CreatedTs,
		&session.UpdatedTs,
	)
}
