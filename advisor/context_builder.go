package advisor

import (
	"context"
	"fmt"

	"github.com/heartwise/heartwise/ai"
	"github.com/heartwise/heartwise/store"
)

// defaultHistoryWindow is the number of prior turns included in the
// outbound request.
const defaultHistoryWindow = 20

// ContextBuilder supplies the outbound request payload for one advisor
// response. The engine treats it as an opaque black box.
//
// currentUID identifies the persisted user turn carrying userInput; it
// is excluded from the history window because userInput is appended as
// the final message. Empty when the turn has no persisted counterpart.
type ContextBuilder interface {
	Build(ctx context.Context, session *store.AdvisorSession, contact *store.Contact, userInput string, currentUID string) (*ai.AdviceRequest, error)
}

// ConversationLister is the read surface the history builder needs.
type ConversationLister interface {
	ListAdvisorConversations(ctx context.Context, find *store.FindAdvisorConversation) ([]*store.AdvisorConversation, error)
}

// HistoryContextBuilder builds requests from the contact persona and a
// window of recent completed turns.
type HistoryContextBuilder struct {
	store      ConversationLister
	windowSize int
}

// NewHistoryContextBuilder creates the default context builder.
// windowSize <= 0 selects the default window.
func NewHistoryContextBuilder(store ConversationLister, windowSize int) *HistoryContextBuilder {
	if windowSize <= 0 {
		windowSize = defaultHistoryWindow
	}
	return &HistoryContextBuilder{store: store, windowSize: windowSize}
}

const advisorSystemPrompt = `你是一位情感关系军师,帮助用户经营与「%s」的关系。
你了解的对方情况:
%s

要求:
- 结合历史对话和对方的性格特点给出具体可执行的建议
- 语气亲切自然,不要说教
- 回复使用与用户相同的语言`

func (b *HistoryContextBuilder) Build(ctx context.Context, session *store.AdvisorSession, contact *store.Contact, userInput string, currentUID string) (*ai.AdviceRequest, error) {
	persona := contact.Persona
	if persona == "" {
		persona = "(暂无画像信息)"
	}
	name := contact.Name
	if contact.Alias != "" {
		name = contact.Alias
	}

	messages := []ai.Message{
		ai.SystemPrompt(fmt.Sprintf(advisorSystemPrompt, name, persona)),
	}

	history, err := b.history(ctx, session.ID, currentUID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, history...)
	messages = append(messages, ai.UserMessage(userInput))

	return &ai.AdviceRequest{Messages: messages}, nil
}

// history returns the last windowSize successful turns in
// chronological order, skipping the turn identified by excludeUID.
func (b *HistoryContextBuilder) history(ctx context.Context, sessionID int32, excludeUID string) ([]ai.Message, error) {
	status := store.SendStatusSuccess
	records, err := b.store.ListAdvisorConversations(ctx, &store.FindAdvisorConversation{
		SessionID:  &sessionID,
		SendStatus: &status,
	})
	if err != nil {
		return nil, wrapPersistence("list history", err)
	}

	if excludeUID != "" {
		kept := records[:0]
		for _, record := range records {
			if record.UID != excludeUID {
				kept = append(kept, record)
			}
		}
		records = kept
	}

	if len(records) > b.windowSize {
		records = records[len(records)-b.windowSize:]
	}

	messages := make([]ai.Message, 0, len(records))
	for _, record := range records {
		switch record.Role {
		case store.RoleUser:
			messages = append(messages, ai.UserMessage(record.Content))
		case store.RoleAI:
			messages = append(messages, ai.AssistantMessage(record.Content))
		}
	}
	return messages, nil
}
