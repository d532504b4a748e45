package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Contact model (read-mostly; contacts are managed by the profiling
	// subsystem, the advisor core only resolves and lists them).
	CreateContact(ctx context.Context, create *Contact) (*Contact, error)
	ListContacts(ctx context.Context, find *FindContact) ([]*Contact, error)

	// AdvisorSession model.
	CreateAdvisorSession(ctx context.Context, create *AdvisorSession) (*AdvisorSession, error)
	ListAdvisorSessions(ctx context.Context, find *FindAdvisorSession) ([]*AdvisorSession, error)
	UpdateAdvisorSession(ctx context.Context, update *UpdateAdvisorSession) (*AdvisorSession, error)
	DeleteAdvisorSession(ctx context.Context, delete *DeleteAdvisorSession) error
	// GetMostRecentEmptySession returns the newest session with
	// message_count = 0 for the contact, or nil when none exists.
	GetMostRecentEmptySession(ctx context.Context, contactID int32) (*AdvisorSession, error)
	// IncrementSessionMessageCount bumps message_count and updated_ts
	// atomically and returns the new count.
	IncrementSessionMessageCount(ctx context.Context, sessionID int32, updatedTs int64) (int32, error)

	// AdvisorConversation model.
	CreateAdvisorConversation(ctx context.Context, create *AdvisorConversation) (*AdvisorConversation, error)
	ListAdvisorConversations(ctx context.Context, find *FindAdvisorConversation) ([]*AdvisorConversation, error)
	UpdateAdvisorConversation(ctx context.Context, update *UpdateAdvisorConversation) (*AdvisorConversation, error)
	DeleteAdvisorConversation(ctx context.Context, delete *DeleteAdvisorConversation) error

	// MessageBlock model.
	CreateMessageBlock(ctx context.Context, create *MessageBlock) (*MessageBlock, error)
	ListMessageBlocks(ctx context.Context, find *FindMessageBlock) ([]*MessageBlock, error)
	UpdateMessageBlock(ctx context.Context, update *UpdateMessageBlock) (*MessageBlock, error)
	DeleteMessageBlock(ctx context.Context, delete *DeleteMessageBlock) error

	// Draft model.
	UpsertDraft(ctx context.Context, upsert *UpsertDraft) (*Draft, error)
	GetDraft(ctx context.Context, find *FindDraft) (*Draft, error)
	DeleteDraft(ctx context.Context, delete *DeleteDraft) error

	// UsageStat model.
	CreateUsageStat(ctx context.Context, create *UsageStat) (*UsageStat, error)
	GetSessionUsage(ctx context.Context, sessionID int32) (*SessionUsage, error)
}
