package store

// ConversationRole is the author of a conversation turn.
// Role is assigned at creation and never reassigned afterwards.
type ConversationRole string

const (
	RoleUser ConversationRole = "user"
	RoleAI   ConversationRole = "ai"
)

// SendStatus is the delivery state of a conversation turn.
type SendStatus string

const (
	SendStatusPending   SendStatus = "pending"
	SendStatusSuccess   SendStatus = "success"
	SendStatusFailed    SendStatus = "failed"
	SendStatusCancelled SendStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s SendStatus) IsTerminal() bool {
	return s == SendStatusSuccess || s == SendStatusFailed || s == SendStatusCancelled
}

// AdvisorConversation is one turn in an advisor session.
//
// RelatedUserUID, when non-nil, back-references the user turn that
// prompted an AI turn. It is a soft reference: resolution failure only
// degrades the regenerate fallback, it is never fatal.
type AdvisorConversation struct {
	UID            string
	Content        string
	RelatedUserUID *string
	Role           ConversationRole
	SendStatus     SendStatus
	Timestamp      int64 // monotonically assigned per session, UnixMilli
	CreatedTs      int64
	ID             int64
	SessionID      int32
	ContactID      int32
}

type FindAdvisorConversation struct {
	ID         *int64
	UID        *string
	SessionID  *int32
	ContactID  *int32
	Role       *ConversationRole
	SendStatus *SendStatus
}

type UpdateAdvisorConversation struct {
	Content    *string
	SendStatus *SendStatus
	ID         int64
}

type DeleteAdvisorConversation struct {
	ID int64
}
