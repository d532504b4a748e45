package store

// UsageStat records token usage for one completed AI response.
type UsageStat struct {
	MessageUID       string
	Model            string
	CreatedTs        int64
	ID               int64
	SessionID        int32
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
}

type FindUsageStat struct {
	SessionID  *int32
	MessageUID *string
}

// SessionUsage is the aggregated token usage for one session.
type SessionUsage struct {
	SessionID        int32
	ResponseCount    int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}
