package ai

// StreamChunk is one discrete streaming event emitted by the AI
// transport during response generation.
//
// The variant set is closed. Per response the temporal order is:
// Started, zero or more of (TextDelta | ThinkingDelta), an optional
// ThinkingComplete, then exactly one of (Complete | Error). Consumers
// must ignore a duplicate terminal event for the same response.
//
// The single exhaustive dispatch lives in the conversation engine;
// callers never switch on chunks elsewhere.
type StreamChunk interface {
	isStreamChunk()
}

// ChunkStarted signals that the transport began emitting a response.
type ChunkStarted struct{}

// ChunkTextDelta is an incremental main-text fragment. It is a
// fragment to concatenate, not a diff; the consumer tracks the
// accumulated string.
type ChunkTextDelta struct {
	Text string
}

// ChunkThinkingDelta is an incremental reasoning fragment.
type ChunkThinkingDelta struct {
	Text      string
	ElapsedMs int64
}

// ChunkThinkingComplete finalizes the reasoning segment.
type ChunkThinkingComplete struct {
	Thinking string
	TotalMs  int64
}

// Usage is token accounting reported by the provider for one response.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChunkComplete finalizes the response with the full accumulated text.
type ChunkComplete struct {
	FullText string
	Usage    *Usage
}

// ChunkError terminates the response with a transport error.
type ChunkError struct {
	Err error
}

func (ChunkStarted) isStreamChunk()          {}
func (ChunkTextDelta) isStreamChunk()        {}
func (ChunkThinkingDelta) isStreamChunk()    {}
func (ChunkThinkingComplete) isStreamChunk() {}
func (ChunkComplete) isStreamChunk()         {}
func (ChunkError) isStreamChunk()            {}
