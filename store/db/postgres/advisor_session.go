package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/heartwise/heartwise/store"
)

const sessionFields = "id, uid, contact_id, title, title_source, message_count, active, pinned, row_status, created_ts, updated_ts"

func (d *DB) CreateAdvisorSession(ctx context.Context, create *store.AdvisorSession) (*store.AdvisorSession, error) {
	fields := []string{"uid", "contact_id", "title", "title_source", "message_count", "active", "pinned", "row_status", "created_ts", "updated_ts"}
	args := []any{create.UID, create.ContactID, create.Title, create.TitleSource, create.MessageCount, create.Active, create.Pinned, create.RowStatus, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO advisor_session (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create advisor_session: %w", err)
	}

	return create, nil
}

func (d *DB) ListAdvisorSessions(ctx context.Context, find *store.FindAdvisorSession) ([]*store.AdvisorSession, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.ContactID != nil {
		where, args = append(where, "contact_id = "+placeholder(len(args)+1)), append(args, *find.ContactID)
	}
	if find.Pinned != nil {
		where, args = append(where, "pinned = "+placeholder(len(args)+1)), append(args, *find.Pinned)
	}
	if find.Empty != nil && *find.Empty {
		where = append(where, "message_count = 0")
	}
	if find.RowStatus != nil {
		where, args = append(where, "row_status = "+placeholder(len(args)+1)), append(args, *find.RowStatus)
	}

	// Pinned sessions surface first, then most recently touched.
	query := `
		SELECT ` + sessionFields + `
		FROM advisor_session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY pinned DESC, updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list advisor_sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AdvisorSession, 0)
	for rows.Next() {
		session := &store.AdvisorSession{}
		if err := scanSession(rows.Scan, session); err != nil {
			return nil, fmt.Errorf("failed to scan advisor_session: %w", err)
		}
		list = append(list, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate advisor_sessions: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateAdvisorSession(ctx context.Context, update *store.UpdateAdvisorSession) (*store.AdvisorSession, error) {
	set, args := []string{}, []any{}

	if update.Title != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *update.Title)
	}
	if update.TitleSource != nil {
		set, args = append(set, "title_source = "+placeholder(len(args)+1)), append(args, *update.TitleSource)
	}
	if update.Pinned != nil {
		set, args = append(set, "pinned = "+placeholder(len(args)+1)), append(args, *update.Pinned)
	}
	if update.Active != nil {
		set, args = append(set, "active = "+placeholder(len(args)+1)), append(args, *update.Active)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE advisor_session SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + sessionFields
	session := &store.AdvisorSession{}
	if err := scanSession(d.db.QueryRowContext(ctx, stmt, args...).Scan, session); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("advisor_session not found")
		}
		return nil, fmt.Errorf("failed to update advisor_session: %w", err)
	}

	return session, nil
}

func (d *DB) DeleteAdvisorSession(ctx context.Context, delete *store.DeleteAdvisorSession) error {
	// Conversations and the draft cascade; blocks reference the
	// conversation uid and cascade from there. Usage stats are kept
	// loosely coupled, so clear them here.
	if _, err := d.db.ExecContext(ctx, `DELETE FROM usage_stat WHERE session_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete session usage stats: %w", err)
	}

	result, err := d.db.ExecContext(ctx, `DELETE FROM advisor_session WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete advisor_session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("advisor_session not found")
	}

	return nil
}

func (d *DB) GetMostRecentEmptySession(ctx context.Context, contactID int32) (*store.AdvisorSession, error) {
	query := `
		SELECT ` + sessionFields + `
		FROM advisor_session
		WHERE contact_id = $1 AND message_count = 0 AND row_status = $2
		ORDER BY updated_ts DESC
		LIMIT 1`

	session := &store.AdvisorSession{}
	err := scanSession(d.db.QueryRowContext(ctx, query, contactID, store.RowStatusNormal).Scan, session)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get most recent empty session: %w", err)
	}

	return session, nil
}

func (d *DB) IncrementSessionMessageCount(ctx context.Context, sessionID int32, updatedTs int64) (int32, error) {
	stmt := `
		UPDATE advisor_session
		SET message_count = message_count + 1, updated_ts = $1
		WHERE id = $2
		RETURNING message_count`

	var count int32
	if err := d.db.QueryRowContext(ctx, stmt, updatedTs, sessionID).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("advisor_session not found")
		}
		return 0, fmt.Errorf("failed to increment message count: %w", err)
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
