package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockConstructors(t *testing.T) {
	t.Run("main text block starts empty and pending", func(t *testing.T) {
		block := NewMainTextBlock("msg-1")
		assert.Equal(t, "msg-1", block.MessageUID)
		assert.Equal(t, BlockTypeMainText, block.Type)
		assert.Equal(t, BlockStatusPending, block.Status)
		assert.Empty(t, block.Content)
		assert.Nil(t, block.Metadata)
	})

	t.Run("thinking block starts empty and pending", func(t *testing.T) {
		block := NewThinkingBlock("msg-1")
		assert.Equal(t, BlockTypeThinking, block.Type)
		assert.Equal(t, BlockStatusPending, block.Status)
	})

	t.Run("error block is terminal with message content", func(t *testing.T) {
		block := NewErrorBlock("msg-1", "connection reset")
		assert.Equal(t, BlockTypeError, block.Type)
		assert.Equal(t, BlockStatusError, block.Status)
		assert.Equal(t, "connection reset", block.Content)
	})
}

func TestBlockWithHelpers(t *testing.T) {
	original := NewMainTextBlock("msg-1")

	updated := original.WithContent("你可以先听她说完")
	assert.Equal(t, "你可以先听她说完", updated.Content)
	assert.Empty(t, original.Content, "WithContent must not mutate the receiver")

	streaming := original.WithStatus(BlockStatusStreaming)
	assert.Equal(t, BlockStatusStreaming, streaming.Status)
	assert.Equal(t, BlockStatusPending, original.Status)

	done := original.WithContentAndStatus("完整回答", BlockStatusSuccess)
	assert.Equal(t, "完整回答", done.Content)
	assert.Equal(t, BlockStatusSuccess, done.Status)

	meta := original.WithMetadata(&BlockMetadata{ThinkingMs: 1200})
	assert.Equal(t, int64(1200), meta.Metadata.ThinkingMs)
	assert.Nil(t, original.Metadata)
}

func TestSendStatusIsTerminal(t *testing.T) {
	assert.False(t, SendStatusPending.IsTerminal())
	assert.True(t, SendStatusSuccess.IsTerminal())
	assert.True(t, SendStatusFailed.IsTerminal())
	assert.True(t, SendStatusCancelled.IsTerminal())
}
