package advisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heartwise/heartwise/store"
)

// defaultDraftDebounce is the delay between the last keystroke and the
// persisted draft write.
const defaultDraftDebounce = 500 * time.Millisecond

// draftSaveTimeout bounds a single debounced draft write.
const draftSaveTimeout = 3 * time.Second

// DraftStore is the persistence surface the draft manager needs.
type DraftStore interface {
	UpsertDraft(ctx context.Context, upsert *store.UpsertDraft) (*store.Draft, error)
	GetDraft(ctx context.Context, find *store.FindDraft) (*store.Draft, error)
	DeleteDraft(ctx context.Context, delete *store.DeleteDraft) error
}

// DraftManager persists unsent input text per session with a debounce,
// so navigating away never loses a half-written message.
//
// Single writer per session: each new input event cancels the pending
// scheduled save for that session and reschedules.
type DraftManager struct {
	store DraftStore
	delay time.Duration

	mu      sync.Mutex
	timers  map[int32]*time.Timer
	pending map[int32]string
	closed  bool
}

// NewDraftManager creates a DraftManager with the given debounce
// delay; delay <= 0 selects the default.
func NewDraftManager(store DraftStore, delay time.Duration) *DraftManager {
	if delay <= 0 {
		delay = defaultDraftDebounce
	}
	return &DraftManager{
		store:   store,
		delay:   delay,
		timers:  make(map[int32]*time.Timer),
		pending: make(map[int32]string),
	}
}

// OnInputChanged schedules a debounced save of text for the session.
// An empty text clears any scheduled save and deletes the stored draft.
func (m *DraftManager) OnInputChanged(sessionID int32, text string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
	}
	if text == "" {
		delete(m.timers, sessionID)
		delete(m.pending, sessionID)
		m.mu.Unlock()
		m.deleteDraft(sessionID)
		return
	}
	m.pending[sessionID] = text
	m.timers[sessionID] = time.AfterFunc(m.delay, func() {
		m.flush(sessionID)
	})
	m.mu.Unlock()
}

// Restore returns the last saved draft for the session, or "" when
// none exists.
func (m *DraftManager) Restore(ctx context.Context, sessionID int32) (string, error) {
	// An unflushed pending write is newer than the stored row.
	m.mu.Lock()
	if text, ok := m.pending[sessionID]; ok {
		m.mu.Unlock()
		return text, nil
	}
	m.mu.Unlock()

	draft, err := m.store.GetDraft(ctx, &store.FindDraft{SessionID: sessionID})
	if err != nil {
		return "", wrapPersistence("get draft", err)
	}
	if draft == nil {
		return "", nil
	}
	return draft.Content, nil
}

// Clear cancels any scheduled save and deletes the stored draft.
// Invoked on successful send and on session deletion; idempotent.
func (m *DraftManager) Clear(sessionID int32) {
	m.mu.Lock()
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
	delete(m.pending, sessionID)
	m.mu.Unlock()
	m.deleteDraft(sessionID)
}

// Close stops all timers and flushes pending drafts synchronously.
func (m *DraftManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]int32, 0, len(m.pending))
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.flush(id)
	}
}

// flush writes the pending draft for the session, if still present.
func (m *DraftManager) flush(sessionID int32) {
	m.mu.Lock()
	text, ok := m.pending[sessionID]
	delete(m.pending, sessionID)
	delete(m.timers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), draftSaveTimeout)
	defer cancel()
	if _, err := m.store.UpsertDraft(ctx, &store.UpsertDraft{
		SessionID: sessionID,
		Content:   text,
		UpdatedTs: time.Now().UnixMilli(),
	}); err != nil {
		slog.Error("Failed to save draft", "session_id", sessionID, "error", err)
	}
}

func (m *DraftManager) deleteDraft(sessionID int32) {
	ctx, cancel := context.WithTimeout(context.Background(), draftSaveTimeout)
	defer cancel()
	if err := m.store.DeleteDraft(ctx, &store.DeleteDraft{SessionID: sessionID}); err != nil {
		slog.Error("Failed to delete draft", "session_id", sessionID, "error", err)
	}
}
