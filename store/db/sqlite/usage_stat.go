package sqlite

import (
	"context"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateUsageStat(ctx context.Context, create *store.UsageStat) (*store.UsageStat, error) {
	stmt := `
		INSERT INTO usage_stat (session_id, message_uid, model, prompt_tokens, completion_tokens, total_tokens, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.SessionID,
		create.MessageUID,
		create.Model,
		create.PromptTokens,
		create.CompletionTokens,
		create.TotalTokens,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create usage stat")
	}
	return create, nil
}

func (d *DB) GetSessionUsage(ctx context.Context, sessionID int32) (*store.SessionUsage, error) {
	query := `
		SELECT
			COUNT(id),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_stat
		WHERE session_id = ?`

	usage := &store.SessionUsage{SessionID: sessionID}
	if err := d.db.QueryRowContext(ctx, query, sessionID).Scan(
		&usage.ResponseCount,
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&usage.TotalTokens,
	); err != nil {
		return nil, errors.Wrap(err, "failed to get session usage")
	}
	return usage, nil
}
