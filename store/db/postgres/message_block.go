package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heartwise/heartwise/store"
)

const blockFields = "id, uid, message_uid, type, status, content, metadata, created_ts"

func (d *DB) CreateMessageBlock(ctx context.Context, create *store.MessageBlock) (*store.MessageBlock, error) {
	metadata, err := marshalBlockMetadata(create.Metadata)
	if err != nil {
		return nil, err
	}

	fields := []string{"uid", "message_uid", "type", "status", "content", "metadata", "created_ts"}
	args := []any{create.UID, create.MessageUID, create.Type, create.Status, create.Content, metadata, create.CreatedTs}

	stmt := `INSERT INTO message_block (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create message_block: %w", err)
	}

	return create, nil
}

func (d *DB) ListMessageBlocks(ctx context.Context, find *store.FindMessageBlock) ([]*store.MessageBlock, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.MessageUID != nil {
		where, args = append(where, "message_uid = "+placeholder(len(args)+1)), append(args, *find.MessageUID)
	}
	if find.Type != nil {
		where, args = append(where, "type = "+placeholder(len(args)+1)), append(args, *find.Type)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `
		SELECT ` + blockFields + `
		FROM message_block
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list message_blocks: %w", err)
	}
	defer rows.Close()

	list := make([]*store.MessageBlock, 0)
	for rows.Next() {
		block := &store.MessageBlock{}
		if err := scanBlock(rows.Scan, block); err != nil {
			return nil, fmt.Errorf("failed to scan message_block: %w", err)
		}
		list = append(list, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message_blocks: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateMessageBlock(ctx context.Context, update *store.UpdateMessageBlock) (*store.MessageBlock, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = "+placeholder(len(args)+1)), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Metadata != nil {
		metadata, err := marshalBlockMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, metadata)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE message_block SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + blockFields
	block := &store.MessageBlock{}
	if err := scanBlock(d.db.QueryRowContext(ctx, stmt, args...).Scan, block); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message_block not found")
		}
		return nil, fmt.Errorf("failed to update message_block: %w", err)
	}

	return block, nil
}

func (d *DB) DeleteMessageBlock(ctx context.Context, delete *store.DeleteMessageBlock) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM message_block WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete message_block: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message_block not found")
	}

	return nil
}

func marshalBlockMetadata(metadata *store.BlockMetadata) (sql.NullString, error) {
	if metadata == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal block metadata: %w", err)
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
			return fmt.Errorf("failed to unmarshal block metadata: %w", err)
		}
	}
	return nil
}
