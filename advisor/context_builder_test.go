package advisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/heartwise/heartwise/store"
)

func TestHistoryContextBuilderComposesRequest(t *testing.T) {
	fs := newFakeStore()
	session := &store.AdvisorSession{ID: 1, ContactID: 1}
	contact := &store.Contact{ID: 1, Name: "小雨", Alias: "阿雨", Persona: "慢热,吃软不吃硬"}

	seed(t, fs, &store.AdvisorConversation{
		UID: "u1", SessionID: 1, Role: store.RoleUser,
		Content: "她生气了", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "a1", SessionID: 1, Role: store.RoleAI,
		Content: "先别急着解释", SendStatus: store.SendStatusSuccess, Timestamp: 200,
	})
	// Non-terminal and failed turns never enter the context.
	seed(t, fs, &store.AdvisorConversation{
		UID: "a2", SessionID: 1, Role: store.RoleAI,
		Content: "半截回答", SendStatus: store.SendStatusFailed, Timestamp: 300,
	})

	builder := NewHistoryContextBuilder(fs, 0)
	req, err := builder.Build(context.Background(), session, contact, "那我现在该怎么做", "")
	require.NoError(t, err)

	require.Len(t, req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "阿雨") // alias wins over name
	require.Contains(t, req.Messages[0].Content, "慢热,吃软不吃硬")

	require.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	require.Equal(t, "她生气了", req.Messages[1].Content)
	require.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	require.Equal(t, "先别急着解释", req.Messages[2].Content)

	last := req.Messages[len(req.Messages)-1]
	require.Equal(t, openai.ChatMessageRoleUser, last.Role)
	require.Equal(t, "那我现在该怎么做", last.Content)
}

func TestHistoryContextBuilderExcludesCurrentTurn(t *testing.T) {
	fs := newFakeStore()
	session := &store.AdvisorSession{ID: 1, ContactID: 1}
	contact := &store.Contact{ID: 1, Name: "小雨"}

	seed(t, fs, &store.AdvisorConversation{
		UID: "u1", SessionID: 1, Role: store.RoleUser,
		Content: "她生气了", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	// The current input is already persisted as a successful turn; it
	// must appear only once, as the final message.
	seed(t, fs, &store.AdvisorConversation{
		UID: "u2", SessionID: 1, Role: store.RoleUser,
		Content: "那我现在该怎么做", SendStatus: store.SendStatusSuccess, Timestamp: 200,
	})

	builder := NewHistoryContextBuilder(fs, 0)
	req, err := builder.Build(context.Background(), session, contact, "那我现在该怎么做", "u2")
	require.NoError(t, err)

	require.Len(t, req.Messages, 3)
	require.Equal(t, "她生气了", req.Messages[1].Content)
	require.Equal(t, "那我现在该怎么做", req.Messages[2].Content)
}

func TestHistoryContextBuilderEmptyPersona(t *testing.T) {
	fs := newFakeStore()
	session := &store.AdvisorSession{ID: 1, ContactID: 1}
	contact := &store.Contact{ID: 1, Name: "小雨"}

	builder := NewHistoryContextBuilder(fs, 5)
	req, err := builder.Build(context.Background(), session, contact, "你好", "")
	require.NoError(t, err)

	require.Contains(t, req.Messages[0].Content, "小雨")
	require.Contains(t, req.Messages[0].Content, "暂无画像信息")
}

func TestHistoryContextBuilderWindow(t *testing.T) {
	fs := newFakeStore()
	session := &store.AdvisorSession{ID: 1, ContactID: 1}
	contact := &store.Contact{ID: 1, Name: "小雨"}

	for i := 0; i < 10; i++ {
		seed(t, fs, &store.AdvisorConversation{
			UID: fmt.Sprintf("u%d", i), SessionID: 1, Role: store.RoleUser,
			Content: fmt.Sprintf("消息%d", i), SendStatus: store.SendStatusSuccess,
			Timestamp: int64(100 + i),
		})
	}

	builder := NewHistoryContextBuilder(fs, 4)
	req, err := builder.Build(context.Background(), session, contact, "最新输入", "")
	require.NoError(t, err)

	// System prompt + 4 most recent history turns + current input.
	require.Len(t, req.Messages, 6)
	require.Equal(t, "消息6", req.Messages[1].Content)
	require.Equal(t, "消息9", req.Messages[4].Content)
	require.Equal(t, "最新输入", req.Messages[5].Content)
}
