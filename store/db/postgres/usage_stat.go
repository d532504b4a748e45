package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/heartwise/heartwise/store"
)

func (d *DB) CreateUsageStat(ctx context.Context, create *store.UsageStat) (*store.UsageStat, error) {
	fields := []string{"session_id", "message_uid", "model", "prompt_tokens", "completion_tokens", "total_tokens", "created_ts"}
	args := []any{create.SessionID, create.MessageUID, create.Model, create.PromptTokens, create.CompletionTokens, create.TotalTokens, create.CreatedTs}

	stmt := `INSERT INTO usage_stat (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create usage_stat: %w", err)
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
		WHERE session_id = $1`

	usage := &store.SessionUsage{SessionID: sessionID}
	if err := d.db.QueryRowContext(ctx, query, sessionID).Scan(
		&usage.ResponseCount,
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&usage.TotalTokens,
	); err != nil {
		return nil, fmt.Errorf("failed to get session usage: %w", err)
	}

	return usage, nil
}
