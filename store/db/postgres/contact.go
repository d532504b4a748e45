package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateContact(ctx context.Context, create *store.Contact) (*store.Contact, error) {
	fields := []string{"uid", "name", "alias", "persona", "row_status", "created_ts", "updated_ts"}
	args := []any{create.UID, create.Name, create.Alias, create.Persona, create.RowStatus, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO contact (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	return create, nil
}

func (d *DB) ListContacts(ctx context.Context, find *store.FindContact) ([]*store.Contact, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.RowStatus != nil {
		where, args = append(where, "row_status = "+placeholder(len(args)+1)), append(args, *find.RowStatus)
	}

	query := `
		SELECT id, uid, name, alias, persona, row_status, created_ts, updated_ts
		FROM contact
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Contact, 0)
	for rows.Next() {
		contact := &store.Contact{}
		if err := rows.Scan(
			&contact.ID,
			&contact.UID,
			&contact.Name,
			&contact.Alias,
			&contact.Persona,
			&contact.RowStatus,
			&contact.CreatedTs,
			&contact.UpdatedTs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		list = append(list, contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return list, nil
}
