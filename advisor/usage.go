package advisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/heartwise/heartwise/ai"
	"github.com/heartwise/heartwise/store"
)

// UsageRecorder receives token usage for completed responses.
// Recording is best-effort; failures never affect the conversation.
type UsageRecorder interface {
	Record(ctx context.Context, sessionID int32, messageUID string, usage *ai.Usage)
}

type storeUsageRecorder struct {
	store *store.Store
}

// NewStoreUsageRecorder persists usage into the usage_stat table.
func NewStoreUsageRecorder(s *store.Store) UsageRecorder {
	return &storeUsageRecorder{store: s}
}

func (r *storeUsageRecorder) Record(ctx context.Context, sessionID int32, messageUID string, usage *ai.Usage) {
	if usage == nil {
		return
	}
	if _, err := r.store.CreateUsageStat(ctx, &store.UsageStat{
		SessionID:        sessionID,
		MessageUID:       messageUID,
		Model:            usage.Model,
		PromptTokens:     int32(usage.PromptTokens),
		CompletionTokens: int32(usage.CompletionTokens),
		TotalTokens:      int32(usage.TotalTokens),
		CreatedTs:        time.Now().UnixMilli(),
	}); err != nil {
		slog.Error("Failed to record usage",
			"session_id", sessionID,
			"message_uid", messageUID,
			"error", err,
		)
	}
}
