package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateContact(ctx context.Context, create *Contact) (*Contact, error) {
	return s.driver.CreateContact(ctx, create)
}

func (s *Store) ListContacts(ctx context.Context, find *FindContact) ([]*Contact, error) {
	return s.driver.ListContacts(ctx, find)
}

// GetContact returns the single contact matching find, or nil when absent.
func (s *Store) GetContact(ctx context.Context, find *FindContact) (*Contact, error) {
	list, err := s.driver.ListContacts(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	if len(list) > 1 {
		return nil, errors.Errorf("expected 1 contact, got %d", len(list))
	}
	return list[0], nil
}

func (s *Store) CreateAdvisorSession(ctx context.Context, create *AdvisorSession) (*AdvisorSession, error) {
	return s.driver.CreateAdvisorSession(ctx, create)
}

func (s *Store) ListAdvisorSessions(ctx context.Context, find *FindAdvisorSession) ([]*AdvisorSession, error) {
	return s.driver.ListAdvisorSessions(ctx, find)
}

// GetAdvisorSession returns the single session matching find, or nil when absent.
func (s *Store) GetAdvisorSession(ctx context.Context, find *FindAdvisorSession) (*AdvisorSession, error) {
	list, err := s.driver.ListAdvisorSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateAdvisorSession(ctx context.Context, update *UpdateAdvisorSession) (*AdvisorSession, error) {
	return s.driver.UpdateAdvisorSession(ctx, update)
}

func (s *Store) DeleteAdvisorSession(ctx context.Context, delete *DeleteAdvisorSession) error {
	return s.driver.DeleteAdvisorSession(ctx, delete)
}

func (s *Store) GetMostRecentEmptySession(ctx context.Context, contactID int32) (*AdvisorSession, error) {
	return s.driver.GetMostRecentEmptySession(ctx, contactID)
}

func (s *Store) IncrementSessionMessageCount(ctx context.Context, sessionID int32, updatedTs int64) (int32, error) {
	return s.driver.IncrementSessionMessageCount(ctx, sessionID, updatedTs)
}

func (s *Store) CreateAdvisorConversation(ctx context.Context, create *AdvisorConversation) (*AdvisorConversation, error) {
	return s.driver.CreateAdvisorConversation(ctx, create)
}

func (s *Store) ListAdvisorConversations(ctx context.Context, find *FindAdvisorConversation) ([]*AdvisorConversation, error) {
	return s.driver.ListAdvisorConversations(ctx, find)
}

// GetAdvisorConversation returns the single conversation matching find, or nil when absent.
func (s *Store) GetAdvisorConversation(ctx context.Context, find *FindAdvisorConversation) (*AdvisorConversation, error) {
	list, err := s.driver.ListAdvisorConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateAdvisorConversation(ctx context.Context, update *UpdateAdvisorConversation) (*AdvisorConversation, error) {
	return s.driver.UpdateAdvisorConversation(ctx, update)
}

func (s *Store) DeleteAdvisorConversation(ctx context.Context, delete *DeleteAdvisorConversation) error {
	return s.driver.DeleteAdvisorConversation(ctx, delete)
}

func (s *Store) CreateMessageBlock(ctx context.Context, create *MessageBlock) (*MessageBlock, error) {
	return s.driver.CreateMessageBlock(ctx, create)
}

func (s *Store) ListMessageBlocks(ctx context.Context, find *FindMessageBlock) ([]*MessageBlock, error) {
	return s.driver.ListMessageBlocks(ctx, find)
}

func (s *Store) UpdateMessageBlock(ctx context.Context, update *UpdateMessageBlock) (*MessageBlock, error) {
	return s.driver.UpdateMessageBlock(ctx, update)
}

func (s *Store) DeleteMessageBlock(ctx context.Context, delete *DeleteMessageBlock) error {
	return s.driver.DeleteMessageBlock(ctx, delete)
}

func (s *Store) UpsertDraft(ctx context.Context, upsert *UpsertDraft) (*Draft, error) {
	return s.driver.UpsertDraft(ctx, upsert)
}

func (s *Store) GetDraft(ctx context.Context, find *FindDraft) (*Draft, error) {
	return s.driver.GetDraft(ctx, find)
}

func (s *Store) DeleteDraft(ctx context.Context, delete *DeleteDraft) error {
	return s.driver.DeleteDraft(ctx, delete)
}

func (s *Store) CreateUsageStat(ctx context.Context, create *UsageStat) (*UsageStat, error) {
	return s.driver.CreateUsageStat(ctx, create)
}

func (s *Store) GetSessionUsage(ctx context.Context, sessionID int32) (*SessionUsage, error) {
	return s.driver.GetSessionUsage(ctx, sessionID)
}
