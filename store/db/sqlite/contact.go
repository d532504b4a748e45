package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateContact(ctx context.Context, create *store.Contact) (*store.Contact, error) {
	stmt := `
		INSERT INTO contact (uid, name, alias, persona, row_status, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.Name,
		create.Alias,
		create.Persona,
		create.RowStatus,
		create.CreatedTs,
		create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create contact")
	}
	return create, nil
}

func (d *DB) ListContacts(ctx context.Context, find *store.FindContact) ([]*store.Contact, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.RowStatus != nil {
		where, args = append(where, "row_status = ?"), append(args, *find.RowStatus)
	}

	query := `
		SELECT id, uid, name, alias, persona, row_status, created_ts, updated_ts
		FROM contact
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list contacts")
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
			return nil, errors.Wrap(err, "failed to scan contact")
		}
		list = append(list, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate contacts")
	}
	return list, nil
}
