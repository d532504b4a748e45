package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/heartwise/heartwise/store"
)

const conversationFields = "id, uid, session_id, contact_id, role, content, send_status, related_user_uid, ts, created_ts"

func (d *DB) CreateAdvisorConversation(ctx context.Context, create *store.AdvisorConversation) (*store.AdvisorConversation, error) {
	var related sql.NullString
	if create.RelatedUserUID != nil {
		related = sql.NullString{String: *create.RelatedUserUID, Valid: true}
	}

	fields := []string{"uid", "session_id", "contact_id", "role", "content", "send_status", "related_user_uid", "ts", "created_ts"}
	args := []any{create.UID, create.SessionID, create.ContactID, create.Role, create.Content, create.SendStatus, related, create.Timestamp, create.CreatedTs}

	stmt := `INSERT INTO advisor_conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create advisor_conversation: %w", err)
	}

	return create, nil
}

func (d *DB) ListAdvisorConversations(ctx context.Context, find *store.FindAdvisorConversation) ([]*store.AdvisorConversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.ContactID != nil {
		where, args = append(where, "contact_id = "+placeholder(len(args)+1)), append(args, *find.ContactID)
	}
	if find.Role != nil {
		where, args = append(where, "role = "+placeholder(len(args)+1)), append(args, *find.Role)
	}
	if find.SendStatus != nil {
		where, args = append(where, "send_status = "+placeholder(len(args)+1)), append(args, *find.SendStatus)
	}

	query := `
		SELECT ` + conversationFields + `
		FROM advisor_conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ts ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list advisor_conversations: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AdvisorConversation, 0)
	for rows.Next() {
		conversation := &store.AdvisorConversation{}
		if err := scanConversation(rows.Scan, conversation); err != nil {
			return nil, fmt.Errorf("failed to scan advisor_conversation: %w", err)
		}
		list = append(list, conversation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate advisor_conversations: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateAdvisorConversation(ctx context.Context, update *store.UpdateAdvisorConversation) (*store.AdvisorConversation, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = "+placeholder(len(args)+1)), append(args, *update.Content)
	}
	if update.SendStatus != nil {
		set, args = append(set, "send_status = "+placeholder(len(args)+1)), append(args, *update.SendStatus)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE advisor_conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + conversationFields
	conversation := &store.AdvisorConversation{}
	if err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...).Scan, conversation); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("advisor_conversation not found")
		}
		return nil, fmt.Errorf("failed to update advisor_conversation: %w", err)
	}

	return conversation, nil
}

func (d *DB) DeleteAdvisorConversation(ctx context.Context, delete *store.DeleteAdvisorConversation) error {
	// message_block cascades on the conversation uid.
	result, err := d.db.ExecContext(ctx, `DELETE FROM advisor_conversation WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete advisor_conversation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("advisor_conversation not found")
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
