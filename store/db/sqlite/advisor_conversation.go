package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateAdvisorConversation(ctx context.Context, create *store.AdvisorConversation) (*store.AdvisorConversation, error) {
	stmt := `
		INSERT INTO advisor_conversation (uid, session_id, contact_id, role, content, send_status, related_user_uid, ts, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	var related sql.NullString
	if create.RelatedUserUID != nil {
		related = sql.NullString{String: *create.RelatedUserUID, Valid: true}
	}
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.SessionID,
		create.ContactID,
		create.Role,
		create.Content,
		create.SendStatus,
		related,
		create.Timestamp,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create advisor conversation")
	}
	return create, nil
}

func (d *DB) ListAdvisorConversations(ctx context.Context, find *store.FindAdvisorConversation) ([]*store.AdvisorConversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = ?"), append(args, *find.SessionID)
	}
	if find.ContactID != nil {
		where, args = append(where, "contact_id = ?"), append(args, *find.ContactID)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, *find.Role)
	}
	if find.SendStatus != nil {
		where, args = append(where, "send_status = ?"), append(args, *find.SendStatus)
	}

	query := `
		SELECT id, uid, session_id, contact_id, role, content, send_status, related_user_uid, ts, created_ts
		FROM advisor_conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ts ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list advisor conversations")
	}
	defer rows.Close()

	list := make([]*store.AdvisorConversation, 0)
	for rows.Next() {
		conversation := &store.AdvisorConversation{}
		if err := scanConversation(rows.Scan, conversation); err != nil {
			return nil, errors.Wrap(err, "failed to scan advisor conversation")
		}
		list = append(list, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate advisor conversations")
	}
	return list, nil
}

func (d *DB) UpdateAdvisorConversation(ctx context.Context, update *store.UpdateAdvisorConversation) (*store.AdvisorConversation, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = ?"), append(args, *update.Content)
	}
	if update.SendStatus != nil {
		set, args = append(set, "send_status = ?"), append(args, *update.SendStatus)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE advisor_conversation
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ?
		RETURNING id, uid, session_id, contact_id, role, content, send_status, related_user_uid, ts, created_ts`

	conversation := &store.AdvisorConversation{}
	if err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...).Scan, conversation); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New("advisor conversation not found")
		}
		return nil, errors.Wrap(err, "failed to update advisor conversation")
	}
	return conversation, nil
}

func (d *DB) DeleteAdvisorConversation(ctx context.Context, delete *store.DeleteAdvisorConversation) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM advisor_conversation WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete advisor conversation")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("advisor conversation not found")
	}
	return nil
}

func scanConversation(scan func(dest ...any) error, conversation *store.AdvisorConversation) error {
	var related sql.NullString
	if err := scan(
		&conversation.ID,
		&conversation.UID,
		&conversation.SessionID,
		&conversation.ContactID,
		&conversation.Role,
		&conversation.Content,
		&conversation.SendStatus,
		&related,
		&conversation.Timestamp,
		&conversation.CreatedTs,
	); err != nil {
		return err
	}
	if related.Valid {
		conversation.RelatedUserUID = &related.String
	}
	return nil
}
