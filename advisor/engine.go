package advisor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/time/rate"

	"github.com/heartwise/heartwise/ai"
	"github.com/heartwise/heartwise/ai/cache"
	"github.com/heartwise/heartwise/store"
)

// StopMarker is appended to the persisted content when the user stops
// generation mid-stream.
const StopMarker = "\n\n[已停止生成]"

// flushInterval throttles intermediate persistence of streaming
// content. The terminal state is always flushed synchronously.
const flushInterval = 250 * time.Millisecond

const (
	contactCacheSize = 256
	contactCacheTTL  = 5 * time.Minute
)

// EngineStore is the persistence surface the engine needs. *store.Store
// satisfies it; tests provide an in-memory implementation.
type EngineStore interface {
	ListContacts(ctx context.Context, find *store.FindContact) ([]*store.Contact, error)

	CreateAdvisorConversation(ctx context.Context, create *store.AdvisorConversation) (*store.AdvisorConversation, error)
	ListAdvisorConversations(ctx context.Context, find *store.FindAdvisorConversation) ([]*store.AdvisorConversation, error)
	UpdateAdvisorConversation(ctx context.Context, update *store.UpdateAdvisorConversation) (*store.AdvisorConversation, error)
	DeleteAdvisorConversation(ctx context.Context, delete *store.DeleteAdvisorConversation) error

	CreateMessageBlock(ctx context.Context, create *store.MessageBlock) (*store.MessageBlock, error)
	ListMessageBlocks(ctx context.Context, find *store.FindMessageBlock) ([]*store.MessageBlock, error)
	UpdateMessageBlock(ctx context.Context, update *store.UpdateMessageBlock) (*store.MessageBlock, error)
	DeleteMessageBlock(ctx context.Context, delete *store.DeleteMessageBlock) error

	IncrementSessionMessageCount(ctx context.Context, sessionID int32, updatedTs int64) (int32, error)
}

// UpdateType identifies one engine progress event.
type UpdateType string

const (
	UpdateStarted      UpdateType = "started"
	UpdateText         UpdateType = "text"
	UpdateThinking     UpdateType = "thinking"
	UpdateThinkingDone UpdateType = "thinking_done"
	UpdateCompleted    UpdateType = "completed"
	UpdateCancelled    UpdateType = "cancelled"
	UpdateFailed       UpdateType = "failed"
)

// Update is one progress event pushed to the caller during streaming.
// Content and Thinking carry the full accumulated strings, not deltas.
type Update struct {
	Type       UpdateType       `json:"type"`
	MessageUID string           `json:"message_uid,omitempty"`
	SessionID  int32            `json:"session_id,omitempty"`
	Content    string           `json:"content,omitempty"`
	Thinking   string           `json:"thinking,omitempty"`
	ThinkingMs int64            `json:"thinking_ms,omitempty"`
	SendStatus store.SendStatus `json:"send_status,omitempty"`
	Error      string           `json:"error,omitempty"`
	Retryable  bool             `json:"retryable,omitempty"`
}

// Sink receives engine progress events. A Send error is taken as the
// consumer having gone away and stops the stream.
type Sink interface {
	Send(*Update) error
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) Send(*Update) error { return nil }

// Engine orchestrates sending a user message, streaming the AI
// response, and supporting stop/regenerate without producing duplicate
// or mis-attributed bubbles.
//
// One active stream per session: a second SendMessage for the same
// session while one is in flight is rejected with ErrStreamInFlight.
// Streams for different sessions proceed independently.
type Engine struct {
	store     EngineStore
	transport ai.Transport
	builder   ContextBuilder
	sessions  *SessionStore
	drafts    *DraftManager
	usage     UsageRecorder
	metrics   *Metrics
	contacts  *cache.LRUCache[int32, *store.Contact]

	mu        sync.Mutex
	inflight  map[int32]*liveStream
	lastInput map[int32]string
	lastTs    map[int32]int64
}

// EngineConfig wires the engine's collaborators. Drafts, Usage and
// Metrics are optional.
type EngineConfig struct {
	Store     EngineStore
	Transport ai.Transport
	Builder   ContextBuilder
	Sessions  *SessionStore
	Drafts    *DraftManager
	Usage     UsageRecorder
	Metrics   *Metrics
}

// NewEngine creates a conversation engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		store:     cfg.Store,
		transport: cfg.Transport,
		builder:   cfg.Builder,
		sessions:  cfg.Sessions,
		drafts:    cfg.Drafts,
		usage:     cfg.Usage,
		metrics:   cfg.Metrics,
		contacts:  cache.NewLRUCache[int32, *store.Contact](contactCacheSize, contactCacheTTL),
		inflight:  make(map[int32]*liveStream),
		lastInput: make(map[int32]string),
		lastTs:    make(map[int32]int64),
	}
}

// liveStream is the in-memory state of one in-flight AI response.
type liveStream struct {
	id        string // correlates log lines across one generation
	sessionID int32
	contactID int32
	countAI   bool // bump session message count when the AI record is allocated

	stopped atomic.Bool

	mu              sync.Mutex
	cancel          context.CancelFunc
	aiUID           string
	aiID            int64
	relatedUserUID  *string
	mainBlockID     int64
	thinkingBlockID int64
	text            strings.Builder
	thinking        strings.Builder
	thinkingMs      int64
	terminal        bool
}

func (ls *liveStream) snapshot() (aiUID string, text, thinking string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.aiUID, ls.text.String(), ls.thinking.String()
}

// ShowLiveStream reports whether the in-memory live view of an AI
// message should be rendered given its persisted record. Exactly one
// visual representation of a message id exists at any time: once the
// persisted record has non-empty content or a non-PENDING status, the
// live view is suppressed.
func ShowLiveStream(persisted *store.AdvisorConversation) bool {
	if persisted == nil {
		return true
	}
	return persisted.Content == "" && persisted.SendStatus == store.SendStatusPending
}

// SendMessage persists content as a user turn and streams the AI
// response into a new AI turn, pushing progress to sink. It blocks
// until the response reaches a terminal state and returns the final AI
// record (nil when the stream was stopped before it started emitting).
func (e *Engine) SendMessage(ctx context.Context, sessionID int32, content string, sink Sink) (*store.AdvisorConversation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyInput
	}
	if sink == nil {
		sink = NopSink{}
	}

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	contact, err := e.resolveContact(ctx, session.ContactID)
	if err != nil {
		return nil, err
	}

	ls := &liveStream{id: uuid.NewString(), sessionID: sessionID, contactID: session.ContactID, countAI: true}
	if err := e.register(ls); err != nil {
		return nil, err
	}
	defer e.unregister(ls)

	// Persist the user turn before anything can fail downstream.
	userRecord, err := e.store.CreateAdvisorConversation(ctx, &store.AdvisorConversation{
		UID:        shortuuid.New(),
		SessionID:  sessionID,
		ContactID:  session.ContactID,
		Role:       store.RoleUser,
		Content:    content,
		SendStatus: store.SendStatusPending,
		Timestamp:  e.nextTimestamp(sessionID),
		CreatedTs:  time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, wrapPersistence("create user message", err)
	}

	newCount, err := e.store.IncrementSessionMessageCount(ctx, sessionID, time.Now().UnixMilli())
	if err != nil {
		slog.Error("Failed to bump session message count", "session_id", sessionID, "error", err)
	} else if newCount == 1 {
		if err := e.sessions.RecordFirstMessage(ctx, sessionID, content); err != nil {
			slog.Warn("Failed to derive session title", "session_id", sessionID, "error", err)
		}
	}

	accepted := store.SendStatusSuccess
	if _, err := e.store.UpdateAdvisorConversation(ctx, &store.UpdateAdvisorConversation{
		ID:         userRecord.ID,
		SendStatus: &accepted,
	}); err != nil {
		slog.Error("Failed to accept user message", "uid", userRecord.UID, "error", err)
	}
	e.metrics.messageFinal(string(store.RoleUser), string(accepted))

	e.mu.Lock()
	e.lastInput[sessionID] = content
	e.mu.Unlock()
	if e.drafts != nil {
		e.drafts.Clear(sessionID)
	}

	req, err := e.builder.Build(ctx, session, contact, content, userRecord.UID)
	if err != nil {
		return nil, err
	}

	ls.relatedUserUID = &userRecord.UID
	return e.generate(ctx, ls, req, sink)
}

// StopGeneration requests cancellation of the in-flight stream for the
// session. Effective immediately: no further chunks are applied after
// it returns. Returns false when nothing was streaming.
func (e *Engine) StopGeneration(sessionID int32) bool {
	e.mu.Lock()
	ls := e.inflight[sessionID]
	e.mu.Unlock()
	if ls == nil {
		return false
	}
	ls.stopped.Store(true)
	ls.mu.Lock()
	cancel := ls.cancel
	ls.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	slog.Info("Stop requested for advisor stream", "session_id", sessionID)
	return true
}

// RegenerateLast regenerates the most recent AI turn of the session.
func (e *Engine) RegenerateLast(ctx context.Context, sessionID int32, sink Sink) (*store.AdvisorConversation, error) {
	role := store.RoleAI
	records, err := e.store.ListAdvisorConversations(ctx, &store.FindAdvisorConversation{
		SessionID: &sessionID,
		Role:      &role,
	})
	if err != nil {
		return nil, wrapPersistence("list ai messages", err)
	}
	if len(records) == 0 {
		return nil, ErrMessageNotFound
	}
	return e.RegenerateMessage(ctx, sessionID, records[len(records)-1].UID, sink)
}

// RegenerateMessage discards the identified AI turn and re-issues the
// original user input that prompted it, recovered through a three-tier
// fallback. The resubmitted input is never AI-generated content: every
// tier resolves to user-authored text only.
func (e *Engine) RegenerateMessage(ctx context.Context, sessionID int32, aiUID string, sink Sink) (*store.AdvisorConversation, error) {
	if sink == nil {
		sink = NopSink{}
	}

	target, err := e.getConversation(ctx, aiUID)
	if err != nil {
		return nil, err
	}
	if target == nil || target.SessionID != sessionID {
		return nil, ErrMessageNotFound
	}
	if target.Role != store.RoleAI {
		return nil, ErrNotAIMessage
	}

	input, related, err := e.recoverInput(ctx, target)
	if err != nil {
		return nil, err
	}

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	contact, err := e.resolveContact(ctx, session.ContactID)
	if err != nil {
		return nil, err
	}

	// The new AI turn supersedes the deleted one; the session message
	// count is unchanged.
	ls := &liveStream{id: uuid.NewString(), sessionID: sessionID, contactID: session.ContactID, countAI: false, relatedUserUID: related}
	if err := e.register(ls); err != nil {
		return nil, err
	}
	defer e.unregister(ls)

	if err := e.deleteAIMessage(ctx, target); err != nil {
		return nil, err
	}

	relatedUID := ""
	if related != nil {
		relatedUID = *related
	}
	req, err := e.builder.Build(ctx, session, contact, input, relatedUID)
	if err != nil {
		return nil, err
	}
	return e.generate(ctx, ls, req, sink)
}

// RetryMessage retries a failed or cancelled AI turn. Identical to
// regeneration: the original input is recovered, never the AI content.
func (e *Engine) RetryMessage(ctx context.Context, sessionID int32, aiUID string, sink Sink) (*store.AdvisorConversation, error) {
	return e.RegenerateMessage(ctx, sessionID, aiUID, sink)
}

// VisibleMessage is one conversation turn as it should be rendered.
type VisibleMessage struct {
	Record *store.AdvisorConversation
	Blocks []*store.MessageBlock
	Live   bool // sourced from in-memory streaming state
}

// ListVisibleMessages merges the persisted conversation list with the
// in-flight streaming state, applying the duplicate-bubble rule so that
// each AI message id has exactly one visual representation.
func (e *Engine) ListVisibleMessages(ctx context.Context, sessionID int32) ([]*VisibleMessage, error) {
	records, err := e.store.ListAdvisorConversations(ctx, &store.FindAdvisorConversation{
		SessionID: &sessionID,
	})
	if err != nil {
		return nil, wrapPersistence("list messages", err)
	}

	e.mu.Lock()
	ls := e.inflight[sessionID]
	e.mu.Unlock()

	var liveUID, liveText, liveThinking string
	if ls != nil {
		liveUID, liveText, liveThinking = ls.snapshot()
	}

	out := make([]*VisibleMessage, 0, len(records)+1)
	liveShown := false
	for _, record := range records {
		if liveUID != "" && record.UID == liveUID {
			if ShowLiveStream(record) {
				out = append(out, e.liveMessage(record, liveText, liveThinking))
				liveShown = true
				continue
			}
			liveShown = true // persisted view wins, live suppressed
		}
		blocks, err := e.store.ListMessageBlocks(ctx, &store.FindMessageBlock{MessageUID: &record.UID})
		if err != nil {
			return nil, wrapPersistence("list blocks", err)
		}
		out = append(out, &VisibleMessage{Record: record, Blocks: blocks})
	}

	// Live stream allocated but its record not yet in the list (read
	// raced the insert): still show it exactly once.
	if liveUID != "" && !liveShown {
		out = append(out, e.liveMessage(&store.AdvisorConversation{
			UID:        liveUID,
			SessionID:  sessionID,
			Role:       store.RoleAI,
			SendStatus: store.SendStatusPending,
		}, liveText, liveThinking))
	}
	return out, nil
}

func (e *Engine) liveMessage(record *store.AdvisorConversation, text, thinking string) *VisibleMessage {
	live := *record
	live.Content = text
	blocks := make([]*store.MessageBlock, 0, 2)
	if thinking != "" {
		block := store.NewThinkingBlock(live.UID).WithContentAndStatus(thinking, store.BlockStatusStreaming)
		blocks = append(blocks, &block)
	}
	block := store.NewMainTextBlock(live.UID).WithContentAndStatus(text, store.BlockStatusStreaming)
	blocks = append(blocks, &block)
	return &VisibleMessage{Record: &live, Blocks: blocks, Live: true}
}

// generate consumes the transport stream for one AI response and owns
// all persistence of the resulting AI record and its blocks. It is the
// single dispatch point over the chunk protocol.
func (e *Engine) generate(ctx context.Context, ls *liveStream, req *ai.AdviceRequest, sink Sink) (*store.AdvisorConversation, error) {
	start := time.Now()
	e.metrics.streamStarted()
	defer func() { e.metrics.streamFinished(time.Since(start).Seconds()) }()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ls.mu.Lock()
	ls.cancel = cancel
	ls.mu.Unlock()
	// Stop may have been requested before the cancel hook was in place.
	if ls.stopped.Load() {
		cancel()
	}

	limiter := rate.NewLimiter(rate.Every(flushInterval), 1)

	for chunk := range e.transport.Stream(streamCtx, req) {
		// Stop is effective immediately: chunks already in flight are
		// not applied once cancellation was requested.
		if ls.stopped.Load() {
			break
		}

		switch c := chunk.(type) {
		case ai.ChunkStarted:
			e.metrics.chunkProcessed("started")
			if err := e.allocateAIMessage(ctx, ls); err != nil {
				return nil, err
			}
			e.send(ls, sink, &Update{Type: UpdateStarted, MessageUID: ls.aiUID, SessionID: ls.sessionID})

		case ai.ChunkTextDelta:
			e.metrics.chunkProcessed("text_delta")
			ls.mu.Lock()
			ls.text.WriteString(c.Text)
			text := ls.text.String()
			ls.mu.Unlock()
			if limiter.Allow() {
				e.flushIntermediate(ctx, ls, text)
			}
			e.send(ls, sink, &Update{Type: UpdateText, MessageUID: ls.aiUID, SessionID: ls.sessionID, Content: text})

		case ai.ChunkThinkingDelta:
			e.metrics.chunkProcessed("thinking_delta")
			ls.mu.Lock()
			ls.thinking.WriteString(c.Text)
			ls.thinkingMs = c.ElapsedMs
			thinking := ls.thinking.String()
			ls.mu.Unlock()
			e.ensureThinkingBlock(ctx, ls)
			e.send(ls, sink, &Update{Type: UpdateThinking, MessageUID: ls.aiUID, SessionID: ls.sessionID, Thinking: thinking, ThinkingMs: c.ElapsedMs})

		case ai.ChunkThinkingComplete:
			e.metrics.chunkProcessed("thinking_complete")
			ls.mu.Lock()
			ls.thinking.Reset()
			ls.thinking.WriteString(c.Thinking)
			ls.thinkingMs = c.TotalMs
			ls.mu.Unlock()
			e.finalizeThinkingBlock(ctx, ls, c.Thinking, c.TotalMs)
			e.send(ls, sink, &Update{Type: UpdateThinkingDone, MessageUID: ls.aiUID, SessionID: ls.sessionID, Thinking: c.Thinking, ThinkingMs: c.TotalMs})

		case ai.ChunkComplete:
			// Returning here makes any duplicate terminal chunk
			// unreadable; the stream has exactly one outcome.
			e.metrics.chunkProcessed("complete")
			record, err := e.completeStream(ctx, ls, c, sink)
			if err != nil {
				return nil, err
			}
			return record, nil

		case ai.ChunkError:
			e.metrics.chunkProcessed("error")
			record, err := e.failStream(ctx, ls, c.Err, sink)
			if err != nil {
				return nil, err
			}
			return record, wrapTransport(c.Err)
		}
	}

	// The stream ended without a terminal chunk: either the user
	// stopped generation or the consumer went away. Both finalize as
	// CANCELLED; a record is never left PENDING.
	return e.cancelStream(ctx, ls, sink)
}

// allocateAIMessage creates the persisted AI record and its main text
// block once the transport starts emitting. Role is fixed at creation
// and never reassigned.
func (e *Engine) allocateAIMessage(ctx context.Context, ls *liveStream) error {
	record, err := e.store.CreateAdvisorConversation(ctx, &store.AdvisorConversation{
		UID:            shortuuid.New(),
		SessionID:      ls.sessionID,
		ContactID:      ls.contactID,
		Role:           store.RoleAI,
		SendStatus:     store.SendStatusPending,
		RelatedUserUID: ls.relatedUserUID,
		Timestamp:      e.nextTimestamp(ls.sessionID),
		CreatedTs:      time.Now().UnixMilli(),
	})
	if err != nil {
		return wrapPersistence("create ai message", err)
	}

	ls.mu.Lock()
	ls.aiUID = record.UID
	ls.aiID = record.ID
	ls.mu.Unlock()

	block := store.NewMainTextBlock(record.UID)
	block.UID = shortuuid.New()
	block.CreatedTs = time.Now().UnixMilli()
	created, err := e.store.CreateMessageBlock(ctx, &block)
	if err != nil {
		slog.Error("Failed to create main text block", "message_uid", record.UID, "error", err)
	} else {
		ls.mu.Lock()
		ls.mainBlockID = created.ID
		ls.mu.Unlock()
	}

	if ls.countAI {
		if _, err := e.store.IncrementSessionMessageCount(ctx, ls.sessionID, time.Now().UnixMilli()); err != nil {
			slog.Error("Failed to bump session message count", "session_id", ls.sessionID, "error", err)
		}
	}

	slog.Debug("Allocated AI message", "session_id", ls.sessionID, "message_uid", record.UID)
	return nil
}

// ensureThinkingBlock lazily creates the thinking block on the first
// thinking delta. At most one active thinking block exists per message.
func (e *Engine) ensureThinkingBlock(ctx context.Context, ls *liveStream) {
	ls.mu.Lock()
	exists := ls.thinkingBlockID != 0
	messageUID := ls.aiUID
	ls.mu.Unlock()
	if exists || messageUID == "" {
		return
	}

	block := store.NewThinkingBlock(messageUID).WithStatus(store.BlockStatusStreaming)
	block.UID = shortuuid.New()
	block.CreatedTs = time.Now().UnixMilli()
	created, err := e.store.CreateMessageBlock(ctx, &block)
	if err != nil {
		slog.Error("Failed to create thinking block", "message_uid", messageUID, "error", err)
		return
	}
	ls.mu.Lock()
	ls.thinkingBlockID = created.ID
	ls.mu.Unlock()
}

func (e *Engine) finalizeThinkingBlock(ctx context.Context, ls *liveStream, thinking string, totalMs int64) {
	e.ensureThinkingBlock(ctx, ls)
	ls.mu.Lock()
	blockID := ls.thinkingBlockID
	ls.mu.Unlock()
	if blockID == 0 {
		return
	}
	status := store.BlockStatusSuccess
	if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
		ID:       blockID,
		Content:  &thinking,
		Status:   &status,
		Metadata: &store.BlockMetadata{ThinkingMs: totalMs},
	}); err != nil {
		slog.Error("Failed to finalize thinking block", "block_id", blockID, "error", err)
	}
}

// flushIntermediate persists the accumulated content mid-stream.
// Failures are logged, not fatal: the in-memory state is retained and
// the next flush (or the terminal flush) retries.
func (e *Engine) flushIntermediate(ctx context.Context, ls *liveStream, text string) {
	ls.mu.Lock()
	aiID := ls.aiID
	mainBlockID := ls.mainBlockID
	ls.mu.Unlock()
	if aiID == 0 {
		return
	}

	if _, err := e.store.UpdateAdvisorConversation(ctx, &store.UpdateAdvisorConversation{
		ID:      aiID,
		Content: &text,
	}); err != nil {
		slog.Warn("Intermediate flush failed", "message_id", aiID, "error", err)
		return
	}
	if mainBlockID != 0 {
		status := store.BlockStatusStreaming
		if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
			ID:      mainBlockID,
			Content: &text,
			Status:  &status,
		}); err != nil {
			slog.Warn("Intermediate block flush failed", "block_id", mainBlockID, "error", err)
		}
	}
}

// completeStream flushes the terminal SUCCESS state synchronously.
func (e *Engine) completeStream(ctx context.Context, ls *liveStream, c ai.ChunkComplete, sink Sink) (*store.AdvisorConversation, error) {
	ls.mu.Lock()
	ls.terminal = true
	full := c.FullText
	if full == "" {
		full = ls.text.String()
	}
	aiID := ls.aiID
	aiUID := ls.aiUID
	mainBlockID := ls.mainBlockID
	ls.mu.Unlock()

	if aiID == 0 {
		// Completion without a Started chunk: nothing was allocated,
		// nothing to persist.
		return nil, nil
	}

	status := store.SendStatusSuccess
	record, err := e.store.UpdateAdvisorConversation(ctx, &store.UpdateAdvisorConversation{
		ID:         aiID,
		Content:    &full,
		SendStatus: &status,
	})
	if err != nil {
		return nil, wrapPersistence("finalize ai message", err)
	}

	if mainBlockID != 0 {
		blockStatus := store.BlockStatusSuccess
		update := &store.UpdateMessageBlock{ID: mainBlockID, Content: &full, Status: &blockStatus}
		if c.Usage != nil {
			update.Metadata = &store.BlockMetadata{TotalTokens: int32(c.Usage.TotalTokens)}
		}
		if _, err := e.store.UpdateMessageBlock(ctx, update); err != nil {
			slog.Error("Failed to finalize main text block", "block_id", mainBlockID, "error", err)
		}
	}

	if c.Usage != nil && e.usage != nil {
		e.usage.Record(ctx, ls.sessionID, aiUID, c.Usage)
	}

	e.metrics.messageFinal(string(store.RoleAI), string(status))
	e.send(ls, sink, &Update{
		Type:       UpdateCompleted,
		MessageUID: aiUID,
		SessionID:  ls.sessionID,
		Content:    full,
		SendStatus: status,
	})
	slog.Info("Advisor response completed", "session_id", ls.sessionID, "stream_id", ls.id, "message_uid", aiUID, "chars", len(full))
	return record, nil
}

// failStream flushes the terminal FAILED state and appends an error
// block. The record keeps role AI and the partial content.
func (e *Engine) failStream(ctx context.Context, ls *liveStream, cause error, sink Sink) (*store.AdvisorConversation, error) {
	ls.mu.Lock()
	ls.terminal = true
	text := ls.text.String()
	aiUID := ls.aiUID
	aiID := ls.aiID
	mainBlockID := ls.mainBlockID
	thinkingBlockID := ls.thinkingBlockID
	ls.mu.Unlock()

	// Transport can fail before Started; allocate so the failure is
	// visible and retryable.
	if aiID == 0 {
		if err := e.allocateAIMessage(ctx, ls); err != nil {
			return nil, err
		}
		ls.mu.Lock()
		aiUID, aiID, mainBlockID = ls.aiUID, ls.aiID, ls.mainBlockID
		ls.mu.Unlock()
	}

	status := store.SendStatusFailed
	record, err := e.store.UpdateAdvisorConversation(ctx, &store.UpdateAdvisorConversation{
		ID:         aiID,
		Content:    &text,
		SendStatus: &status,
	})
	if err != nil {
		return nil, wrapPersistence("fail ai message", err)
	}

	blockStatus := store.BlockStatusError
	if mainBlockID != 0 {
		if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
			ID:      mainBlockID,
			Content: &text,
			Status:  &blockStatus,
		}); err != nil {
			slog.Error("Failed to mark main text block error", "block_id", mainBlockID, "error", err)
		}
	}
	if thinkingBlockID != 0 {
		if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
			ID:     thinkingBlockID,
			Status: &blockStatus,
		}); err != nil {
			slog.Error("Failed to mark thinking block error", "block_id", thinkingBlockID, "error", err)
		}
	}

	errBlock := store.NewErrorBlock(aiUID, cause.Error())
	errBlock.UID = shortuuid.New()
	errBlock.CreatedTs = time.Now().UnixMilli()
	if _, err := e.store.CreateMessageBlock(ctx, &errBlock); err != nil {
		slog.Error("Failed to create error block", "message_uid", aiUID, "error", err)
	}

	e.metrics.messageFinal(string(store.RoleAI), string(status))
	e.send(ls, sink, &Update{
		Type:       UpdateFailed,
		MessageUID: aiUID,
		SessionID:  ls.sessionID,
		Content:    text,
		SendStatus: status,
		Error:      cause.Error(),
		Retryable:  true,
	})
	slog.Warn("Advisor response failed", "session_id", ls.sessionID, "stream_id", ls.id, "message_uid", aiUID, "error", cause)
	return record, nil
}

// cancelStream finalizes a stopped stream. With no AI record allocated
// there is no persisted side effect; otherwise the accumulated content
// plus the stop marker is flushed with status CANCELLED. The role stays
// AI: interrupted content is never reclassified as user content.
func (e *Engine) cancelStream(ctx context.Context, ls *liveStream, sink Sink) (*store.AdvisorConversation, error) {
	ls.mu.Lock()
	if ls.terminal {
		ls.mu.Unlock()
		return nil, nil
	}
	ls.terminal = true
	text := ls.text.String()
	aiUID := ls.aiUID
	aiID := ls.aiID
	mainBlockID := ls.mainBlockID
	thinkingBlockID := ls.thinkingBlockID
	thinking := ls.thinking.String()
	thinkingMs := ls.thinkingMs
	ls.mu.Unlock()

	if aiID == 0 {
		e.send(ls, sink, &Update{Type: UpdateCancelled, SessionID: ls.sessionID, SendStatus: store.SendStatusCancelled})
		slog.Info("Advisor stream discarded before start", "session_id", ls.sessionID, "stream_id", ls.id)
		return nil, nil
	}

	content := text + StopMarker
	status := store.SendStatusCancelled
	record, err := e.store.UpdateAdvisorConversation(ctx, &store.UpdateAdvisorConversation{
		ID:         aiID,
		Content:    &content,
		SendStatus: &status,
	})
	if err != nil {
		return nil, wrapPersistence("cancel ai message", err)
	}

	if mainBlockID != 0 {
		blockStatus := store.BlockStatusSuccess
		if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
			ID:      mainBlockID,
			Content: &text,
			Status:  &blockStatus,
		}); err != nil {
			slog.Error("Failed to finalize main text block on cancel", "block_id", mainBlockID, "error", err)
		}
	}
	if thinkingBlockID != 0 {
		blockStatus := store.BlockStatusSuccess
		if _, err := e.store.UpdateMessageBlock(ctx, &store.UpdateMessageBlock{
			ID:       thinkingBlockID,
			Content:  &thinking,
			Status:   &blockStatus,
			Metadata: &store.BlockMetadata{ThinkingMs: thinkingMs},
		}); err != nil {
			slog.Error("Failed to finalize thinking block on cancel", "block_id", thinkingBlockID, "error", err)
		}
	}

	e.metrics.messageFinal(string(store.RoleAI), string(status))
	e.send(ls, sink, &Update{
		Type:       UpdateCancelled,
		MessageUID: aiUID,
		SessionID:  ls.sessionID,
		Content:    content,
		SendStatus: status,
	})
	slog.Info("Advisor response cancelled", "session_id", ls.sessionID, "stream_id", ls.id, "message_uid", aiUID)
	return record, nil
}

// recoverInput resolves the user input to resubmit for a regenerate,
// through the layered fallback. Each tier is used only when the prior
// one yields nothing:
//
//  1. the in-memory last user input for the session;
//  2. the target's related user message, resolved by id, role USER;
//  3. the most recent USER/SUCCESS record strictly older than the
//     target.
//
// The returned related UID always points at the original user record
// when one can be resolved, regardless of which tier supplied the text.
func (e *Engine) recoverInput(ctx context.Context, target *store.AdvisorConversation) (string, *string, error) {
	related := e.resolveRelatedUser(ctx, target)

	e.mu.Lock()
	last := e.lastInput[target.SessionID]
	e.mu.Unlock()
	if last != "" {
		return last, related, nil
	}

	if related != nil {
		record, err := e.getConversation(ctx, *related)
		if err != nil {
			return "", nil, err
		}
		if record != nil && record.Role == store.RoleUser && record.Content != "" {
			return record.Content, related, nil
		}
	}

	fallback, err := e.latestUserBefore(ctx, target)
	if err != nil {
		return "", nil, err
	}
	if fallback != nil {
		return fallback.Content, &fallback.UID, nil
	}

	return "", nil, ErrNoRegenerateSource
}

// resolveRelatedUser returns the UID of the user record the target
// should stay linked to: its back-reference when it resolves to a USER
// record, else the timestamp fallback, else nil.
func (e *Engine) resolveRelatedUser(ctx context.Context, target *store.AdvisorConversation) *string {
	if target.RelatedUserUID != nil {
		record, err := e.getConversation(ctx, *target.RelatedUserUID)
		if err == nil && record != nil && record.Role == store.RoleUser {
			return target.RelatedUserUID
		}
	}
	fallback, err := e.latestUserBefore(ctx, target)
	if err != nil || fallback == nil {
		return nil
	}
	return &fallback.UID
}

// latestUserBefore returns the most recent USER-role, SUCCESS-status
// record with a timestamp strictly less than the target's.
func (e *Engine) latestUserBefore(ctx context.Context, target *store.AdvisorConversation) (*store.AdvisorConversation, error) {
	role := store.RoleUser
	status := store.SendStatusSuccess
	records, err := e.store.ListAdvisorConversations(ctx, &store.FindAdvisorConversation{
		SessionID:  &target.SessionID,
		Role:       &role,
		SendStatus: &status,
	})
	if err != nil {
		return nil, wrapPersistence("list user messages", err)
	}
	var best *store.AdvisorConversation
	for _, record := range records {
		if record.Timestamp >= target.Timestamp {
			continue
		}
		if best == nil || record.Timestamp > best.Timestamp {
			best = record
		}
	}
	return best, nil
}

// deleteAIMessage removes the superseded AI record and its blocks.
func (e *Engine) deleteAIMessage(ctx context.Context, target *store.AdvisorConversation) error {
	blocks, err := e.store.ListMessageBlocks(ctx, &store.FindMessageBlock{MessageUID: &target.UID})
	if err != nil {
		return wrapPersistence("list blocks to delete", err)
	}
	for _, block := range blocks {
		if err := e.store.DeleteMessageBlock(ctx, &store.DeleteMessageBlock{ID: block.ID}); err != nil {
			slog.Error("Failed to delete block", "block_id", block.ID, "error", err)
		}
	}
	if err := e.store.DeleteAdvisorConversation(ctx, &store.DeleteAdvisorConversation{ID: target.ID}); err != nil {
		return wrapPersistence("delete ai message", err)
	}
	return nil
}

func (e *Engine) getConversation(ctx context.Context, uid string) (*store.AdvisorConversation, error) {
	records, err := e.store.ListAdvisorConversations(ctx, &store.FindAdvisorConversation{UID: &uid})
	if err != nil {
		return nil, wrapPersistence("get message", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// resolveContact looks up the contact, failing fast when it no longer
// exists. Lookups are cached.
func (e *Engine) resolveContact(ctx context.Context, contactID int32) (*store.Contact, error) {
	if contact, ok := e.contacts.Get(contactID); ok {
		return contact, nil
	}
	contacts, err := e.store.ListContacts(ctx, &store.FindContact{ID: &contactID})
	if err != nil {
		return nil, wrapPersistence("get contact", err)
	}
	if len(contacts) == 0 {
		return nil, ErrContactNotFound
	}
	e.contacts.Set(contactID, contacts[0])
	return contacts[0], nil
}

// nextTimestamp assigns a strictly increasing timestamp per session so
// that ordering comparisons between turns are never ambiguous.
func (e *Engine) nextTimestamp(sessionID int32) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := time.Now().UnixMilli()
	if last := e.lastTs[sessionID]; ts <= last {
		ts = last + 1
	}
	e.lastTs[sessionID] = ts
	return ts
}

// send pushes an update; a sink failure is treated as the consumer
// disconnecting and stops the stream.
func (e *Engine) send(ls *liveStream, sink Sink, update *Update) {
	if err := sink.Send(update); err != nil {
		slog.Warn("Sink send failed, stopping stream", "session_id", ls.sessionID, "error", err)
		ls.stopped.Store(true)
		ls.mu.Lock()
		cancel := ls.cancel
		ls.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (e *Engine) register(ls *liveStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[ls.sessionID]; busy {
		return ErrStreamInFlight
	}
	e.inflight[ls.sessionID] = ls
	return nil
}

func (e *Engine) unregister(ls *liveStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[ls.sessionID] == ls {
		delete(e.inflight, ls.sessionID)
	}
}
