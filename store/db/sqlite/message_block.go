package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateMessageBlock(ctx context.Context, create *store.MessageBlock) (*store.MessageBlock, error) {
	metadata, err := marshalBlockMetadata(create.Metadata)
	if err != nil {
		return nil, err
	}

	stmt := `
		INSERT INTO message_block (uid, message_uid, type, status, content, metadata, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.MessageUID,
		create.Type,
		create.Status,
		create.Content,
		metadata,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create message block")
	}
	return create, nil
}

func (d *DB) ListMessageBlocks(ctx context.Context, find *store.FindMessageBlock) ([]*store.MessageBlock, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.MessageUID != nil {
		where, args = append(where, "message_uid = ?"), append(args, *find.MessageUID)
	}
	if find.Type != nil {
		where, args = append(where, "type = ?"), append(args, *find.Type)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `
		SELECT id, uid, message_uid, type, status, content, metadata, created_ts
		FROM message_block
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list message blocks")
	}
	defer rows.Close()

	list := make([]*store.MessageBlock, 0)
	for rows.Next() {
		block := &store.MessageBlock{}
		if err := scanBlock(rows.Scan, block); err != nil {
			return nil, errors.Wrap(err, "failed to scan message block")
		}
		list = append(list, block)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate message blocks")
	}
	return list, nil
}

func (d *DB) UpdateMessageBlock(ctx context.Context, update *store.UpdateMessageBlock) (*store.MessageBlock, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = ?"), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Metadata != nil {
		metadata, err := marshalBlockMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "metadata = ?"), append(args, metadata)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE message_block
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ?
		RETURNING id, uid, message_uid, type, status, content, metadata, created_ts`

	block := &store.MessageBlock{}
	if err := scanBlock(d.db.QueryRowContext(ctx, stmt, args...).Scan, block); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New("message block not found")
		}
		return nil, errors.Wrap(err, "failed to update message block")
	}
	return block, nil
}

func (d *DB) DeleteMessageBlock(ctx context.Context, delete *store.DeleteMessageBlock) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM message_block WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete message block")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("message block not found")
	}
	return nil
}

func marshalBlockMetadata(metadata *store.BlockMetadata) (sql.NullString, error) {
	if metadata == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal block metadata")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanBlock(scan func(dest ...any) error, block *store.MessageBlock) error {
	var metadata sql.NullString
	if err := scan(
		&block.ID,
		&block.UID,
		&block.MessageUID,
		&block.Type,
		&block.Status,
		&block.Content,
		&metadata,
		&block.CreatedTs,
	); err != nil {
		return err
	}
	if metadata.Valid && metadata.String != "" {
		block.Metadata = &store.BlockMetadata{}
		if err := json.Unmarshal([]byte(metadata.String), block.Metadata); err != nil {
			return errors.Wrap(err, "failed to unmarshal block metadata")
		}
	}
	return nil
}
