package advisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/heartwise/heartwise/internal/strutil"
	"github.com/heartwise/heartwise/store"
)

const (
	// DefaultSessionTitle is the placeholder title for a fresh
	// session. It is a localization key; the frontend renders it.
	DefaultSessionTitle = "advisor.chat.new"

	// sessionTitleMaxRunes is the character budget for titles derived
	// from the first user message.
	sessionTitleMaxRunes = 24
)

// SessionBackend is the persistence surface the session store needs.
type SessionBackend interface {
	CreateAdvisorSession(ctx context.Context, create *store.AdvisorSession) (*store.AdvisorSession, error)
	ListAdvisorSessions(ctx context.Context, find *store.FindAdvisorSession) ([]*store.AdvisorSession, error)
	UpdateAdvisorSession(ctx context.Context, update *store.UpdateAdvisorSession) (*store.AdvisorSession, error)
	DeleteAdvisorSession(ctx context.Context, delete *store.DeleteAdvisorSession) error
	GetMostRecentEmptySession(ctx context.Context, contactID int32) (*store.AdvisorSession, error)
}

// SessionStore manages advisor session selection, creation, and
// metadata mutation rules.
type SessionStore struct {
	backend SessionBackend
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(backend SessionBackend) *SessionStore {
	return &SessionStore{backend: backend}
}

// CreateOrReuse returns the most recent empty session for the contact,
// or creates a new one when none exists. A session with
// message_count = 0 is the sole emptiness signal.
func (s *SessionStore) CreateOrReuse(ctx context.Context, contactID int32) (*store.AdvisorSession, error) {
	existing, err := s.backend.GetMostRecentEmptySession(ctx, contactID)
	if err != nil {
		return nil, wrapPersistence("find empty session", err)
	}
	if existing != nil {
		slog.Debug("Reusing empty advisor session",
			"session_id", existing.ID,
			"contact_id", contactID,
		)
		return existing, nil
	}

	now := time.Now().UnixMilli()
	session, err := s.backend.CreateAdvisorSession(ctx, &store.AdvisorSession{
		UID:         shortuuid.New(),
		ContactID:   contactID,
		Title:       DefaultSessionTitle,
		TitleSource: store.TitleSourceDefault,
		Active:      true,
		RowStatus:   store.RowStatusNormal,
		CreatedTs:   now,
		UpdatedTs:   now,
	})
	if err != nil {
		return nil, wrapPersistence("create session", err)
	}

	slog.Info("Created advisor session",
		"session_id", session.ID,
		"contact_id", contactID,
	)
	return session, nil
}

// Get returns the session by id, or nil when absent.
func (s *SessionStore) Get(ctx context.Context, sessionID int32) (*store.AdvisorSession, error) {
	list, err := s.backend.ListAdvisorSessions(ctx, &store.FindAdvisorSession{ID: &sessionID})
	if err != nil {
		return nil, wrapPersistence("get session", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// RecordFirstMessage derives the session title from the first user
// message: trim, collapse newlines to single spaces, rune-truncate
// with an ellipsis suffix.
//
// The derived title is applied only while the title source is still
// "default", so a second invocation (or a later shorter message) can
// never overwrite it. Explicit rename still wins at any time.
func (s *SessionStore) RecordFirstMessage(ctx context.Context, sessionID int32, userMessage string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if session.TitleSource != store.TitleSourceDefault {
		return nil
	}

	title := strutil.Truncate(strutil.CollapseWhitespace(userMessage), sessionTitleMaxRunes)
	if title == "" {
		return nil
	}

	source := store.TitleSourceDerived
	now := time.Now().UnixMilli()
	if _, err := s.backend.UpdateAdvisorSession(ctx, &store.UpdateAdvisorSession{
		ID:          sessionID,
		Title:       &title,
		TitleSource: &source,
		UpdatedTs:   &now,
	}); err != nil {
		return wrapPersistence("set derived title", err)
	}

	slog.Debug("Derived session title from first message",
		"session_id", sessionID,
		"title", title,
	)
	return nil
}

// Rename sets a user-provided title, independent of message count.
func (s *SessionStore) Rename(ctx context.Context, sessionID int32, title string) error {
	source := store.TitleSourceUser
	now := time.Now().UnixMilli()
	if _, err := s.backend.UpdateAdvisorSession(ctx, &store.UpdateAdvisorSession{
		ID:          sessionID,
		Title:       &title,
		TitleSource: &source,
		UpdatedTs:   &now,
	}); err != nil {
		return wrapPersistence("rename session", err)
	}
	return nil
}

// SetPinned pins or unpins a session.
func (s *SessionStore) SetPinned(ctx context.Context, sessionID int32, pinned bool) error {
	now := time.Now().UnixMilli()
	if _, err := s.backend.UpdateAdvisorSession(ctx, &store.UpdateAdvisorSession{
		ID:        sessionID,
		Pinned:    &pinned,
		UpdatedTs: &now,
	}); err != nil {
		return wrapPersistence("set pinned", err)
	}
	return nil
}

// List returns the contact's sessions, pinned first, then by
// updated_ts descending within each pin group. The ordering is done
// by the store query, not in memory.
func (s *SessionStore) List(ctx context.Context, contactID int32) ([]*store.AdvisorSession, error) {
	rowStatus := store.RowStatusNormal
	list, err := s.backend.ListAdvisorSessions(ctx, &store.FindAdvisorSession{
		ContactID: &contactID,
		RowStatus: &rowStatus,
	})
	if err != nil {
		return nil, wrapPersistence("list sessions", err)
	}
	return list, nil
}

// Delete removes the session. The store driver cascades the deletion
// to the session's conversations, their blocks, and its draft.
func (s *SessionStore) Delete(ctx context.Context, sessionID int32) error {
	if err := s.backend.DeleteAdvisorSession(ctx, &store.DeleteAdvisorSession{ID: sessionID}); err != nil {
		return wrapPersistence("delete session", err)
	}
	slog.Info("Deleted advisor session", "session_id", sessionID)
	return nil
}
