package store

// BlockType is the content type of a message block.
type BlockType string

const (
	BlockTypeMainText BlockType = "main_text"
	BlockTypeThinking BlockType = "thinking"
	BlockTypeError    BlockType = "error"
)

// BlockStatus is the streaming state of a message block.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusStreaming BlockStatus = "streaming"
	BlockStatusSuccess   BlockStatus = "success"
	BlockStatusError     BlockStatus = "error"
)

// BlockMetadata carries optional per-block measurements.
type BlockMetadata struct {
	ThinkingMs  int64 `json:"thinking_ms,omitempty"`
	TotalTokens int32 `json:"total_tokens,omitempty"`
}

// MessageBlock is one typed, independently-stateful content segment of
// an AI message. A message has at most one active main_text block and
// at most one active thinking block; error blocks are terminal and
// append-only.
//
// Content is replaced, not appended: callers supply the full
// accumulated string on each update.
type MessageBlock struct {
	UID        string
	MessageUID string // owning AdvisorConversation UID
	Content    string
	Type       BlockType
	Status     BlockStatus
	Metadata   *BlockMetadata
	CreatedTs  int64
	ID         int64
}

// NewMainTextBlock creates an empty pending main text block.
func NewMainTextBlock(messageUID string) MessageBlock {
	return MessageBlock{
		MessageUID: messageUID,
		Type:       BlockTypeMainText,
		Status:     BlockStatusPending,
	}
}

// NewThinkingBlock creates an empty pending thinking block.
func NewThinkingBlock(messageUID string) MessageBlock {
	return MessageBlock{
		MessageUID: messageUID,
		Type:       BlockTypeThinking,
		Status:     BlockStatusPending,
	}
}

// NewErrorBlock creates a terminal error block holding errorMessage.
func NewErrorBlock(messageUID string, errorMessage string) MessageBlock {
	return MessageBlock{
		MessageUID: messageUID,
		Type:       BlockTypeError,
		Status:     BlockStatusError,
		Content:    errorMessage,
	}
}

// WithContent returns a copy of the block with the content replaced.
func (b MessageBlock) WithContent(content string) MessageBlock {
	b.Content = content
	return b
}

// WithStatus returns a copy of the block with the status replaced.
func (b MessageBlock) WithStatus(status BlockStatus) MessageBlock {
	b.Status = status
	return b
}

// WithContentAndStatus returns a copy with both content and status replaced.
func (b MessageBlock) WithContentAndStatus(content string, status BlockStatus) MessageBlock {
	b.Content = content
	b.Status = status
	return b
}

// WithMetadata returns a copy of the block with metadata attached.
func (b MessageBlock) WithMetadata(meta *BlockMetadata) MessageBlock {
	b.Metadata = meta
	return b
}

type FindMessageBlock struct {
	ID         *int64
	UID        *string
	MessageUID *string
	Type       *BlockType
	Status     *BlockStatus
}

type UpdateMessageBlock struct {
	Content  *string
	Status   *BlockStatus
	Metadata *BlockMetadata
	ID       int64
}

type DeleteMessageBlock struct {
	ID int64
}
