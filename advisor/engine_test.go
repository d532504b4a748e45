package advisor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/heartwise/heartwise/ai"
	"github.com/heartwise/heartwise/store"
)

// fakeStore is an in-memory EngineStore and SessionBackend.
type fakeStore struct {
	mu            sync.Mutex
	contacts      map[int32]*store.Contact
	sessions      map[int32]*store.AdvisorSession
	conversations []*store.AdvisorConversation
	blocks        []*store.MessageBlock
	nextConvID    int64
	nextBlockID   int64
	nextSessionID int32

	createConversationErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts: make(map[int32]*store.Contact),
		sessions: make(map[int32]*store.AdvisorSession),
	}
}

func (f *fakeStore) ListContacts(_ context.Context, find *store.FindContact) ([]*store.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Contact
	for _, c := range f.contacts {
		if find.ID != nil && c.ID != *find.ID {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) CreateAdvisorSession(_ context.Context, create *store.AdvisorSession) (*store.AdvisorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSessionID++
	create.ID = f.nextSessionID
	copied := *create
	f.sessions[create.ID] = &copied
	return create, nil
}

func (f *fakeStore) ListAdvisorSessions(_ context.Context, find *store.FindAdvisorSession) ([]*store.AdvisorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.AdvisorSession
	for _, s := range f.sessions {
		if find.ID != nil && s.ID != *find.ID {
			continue
		}
		if find.ContactID != nil && s.ContactID != *find.ContactID {
			continue
		}
		if find.RowStatus != nil && s.RowStatus != *find.RowStatus {
			continue
		}
		if find.Empty != nil && *find.Empty && s.MessageCount != 0 {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) UpdateAdvisorSession(_ context.Context, update *store.UpdateAdvisorSession) (*store.AdvisorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[update.ID]
	if !ok {
		return nil, errors.New("session not found")
	}
	if update.Title != nil {
		s.Title = *update.Title
	}
	if update.TitleSource != nil {
		s.TitleSource = *update.TitleSource
	}
	if update.Pinned != nil {
		s.Pinned = *update.Pinned
	}
	if update.Active != nil {
		s.Active = *update.Active
	}
	if update.UpdatedTs != nil {
		s.UpdatedTs = *update.UpdatedTs
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) DeleteAdvisorSession(_ context.Context, del *store.DeleteAdvisorSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[del.ID]; !ok {
		return errors.New("session not found")
	}
	delete(f.sessions, del.ID)
	return nil
}

func (f *fakeStore) GetMostRecentEmptySession(_ context.Context, contactID int32) (*store.AdvisorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *store.AdvisorSession
	for _, s := range f.sessions {
		if s.ContactID != contactID || s.MessageCount != 0 || s.RowStatus != store.RowStatusNormal {
			continue
		}
		if best == nil || s.UpdatedTs > best.UpdatedTs {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeStore) IncrementSessionMessageCount(_ context.Context, sessionID int32, updatedTs int64) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return 0, errors.New("session not found")
	}
	s.MessageCount++
	s.UpdatedTs = updatedTs
	return s.MessageCount, nil
}

func (f *fakeStore) CreateAdvisorConversation(_ context.Context, create *store.AdvisorConversation) (*store.AdvisorConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createConversationErr != nil {
		return nil, f.createConversationErr
	}
	f.nextConvID++
	create.ID = f.nextConvID
	copied := *create
	f.conversations = append(f.conversations, &copied)
	return create, nil
}

func (f *fakeStore) ListAdvisorConversations(_ context.Context, find *store.FindAdvisorConversation) ([]*store.AdvisorConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.AdvisorConversation
	for _, c := range f.conversations {
		if find.ID != nil && c.ID != *find.ID {
			continue
		}
		if find.UID != nil && c.UID != *find.UID {
			continue
		}
		if find.SessionID != nil && c.SessionID != *find.SessionID {
			continue
		}
		if find.Role != nil && c.Role != *find.Role {
			continue
		}
		if find.SendStatus != nil && c.SendStatus != *find.SendStatus {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (f *fakeStore) UpdateAdvisorConversation(_ context.Context, update *store.UpdateAdvisorConversation) (*store.AdvisorConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.ID != update.ID {
			continue
		}
		if update.Content != nil {
			c.Content = *update.Content
		}
		if update.SendStatus != nil {
			c.SendStatus = *update.SendStatus
		}
		copied := *c
		return &copied, nil
	}
	return nil, errors.New("conversation not found")
}

func (f *fakeStore) DeleteAdvisorConversation(_ context.Context, delete *store.DeleteAdvisorConversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.conversations {
		if c.ID == delete.ID {
			f.conversations = append(f.conversations[:i], f.conversations[i+1:]...)
			return nil
		}
	}
	return errors.New("conversation not found")
}

func (f *fakeStore) CreateMessageBlock(_ context.Context, create *store.MessageBlock) (*store.MessageBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBlockID++
	create.ID = f.nextBlockID
	copied := *create
	f.blocks = append(f.blocks, &copied)
	return create, nil
}

func (f *fakeStore) ListMessageBlocks(_ context.Context, find *store.FindMessageBlock) ([]*store.MessageBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.MessageBlock
	for _, b := range f.blocks {
		if find.MessageUID != nil && b.MessageUID != *find.MessageUID {
			continue
		}
		if find.Type != nil && b.Type != *find.Type {
			continue
		}
		copied := *b
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) UpdateMessageBlock(_ context.Context, update *store.UpdateMessageBlock) (*store.MessageBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocks {
		if b.ID != update.ID {
			continue
		}
		if update.Content != nil {
			b.Content = *update.Content
		}
		if update.Status != nil {
			b.Status = *update.Status
		}
		if update.Metadata != nil {
			b.Metadata = update.Metadata
		}
		copied := *b
		return &copied, nil
	}
	return nil, errors.New("block not found")
}

func (f *fakeStore) DeleteMessageBlock(_ context.Context, delete *store.DeleteMessageBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.blocks {
		if b.ID == delete.ID {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			return nil
		}
	}
	return errors.New("block not found")
}

func (f *fakeStore) conversationByUID(uid string) *store.AdvisorConversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.UID == uid {
			copied := *c
			return &copied
		}
	}
	return nil
}

func (f *fakeStore) blocksFor(messageUID string) []*store.MessageBlock {
	out, _ := f.ListMessageBlocks(context.Background(), &store.FindMessageBlock{MessageUID: &messageUID})
	return out
}

// scriptedTransport replays a fixed chunk sequence. When hold is set it
// keeps the stream open after the script until released or cancelled.
type scriptedTransport struct {
	chunks []ai.StreamChunk
	hold   chan struct{}

	mu       sync.Mutex
	requests []*ai.AdviceRequest
}

func (t *scriptedTransport) Stream(ctx context.Context, req *ai.AdviceRequest) <-chan ai.StreamChunk {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	out := make(chan ai.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range t.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if t.hold != nil {
			select {
			case <-t.hold:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (t *scriptedTransport) lastRequest() *ai.AdviceRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 {
		return nil
	}
	return t.requests[len(t.requests)-1]
}

// recordingBuilder captures the user input the engine resubmits.
type recordingBuilder struct {
	mu          sync.Mutex
	inputs      []string
	currentUIDs []string
}

func (b *recordingBuilder) Build(_ context.Context, _ *store.AdvisorSession, _ *store.Contact, userInput string, currentUID string) (*ai.AdviceRequest, error) {
	b.mu.Lock()
	b.inputs = append(b.inputs, userInput)
	b.currentUIDs = append(b.currentUIDs, currentUID)
	b.mu.Unlock()
	return &ai.AdviceRequest{Messages: []ai.Message{ai.UserMessage(userInput)}}, nil
}

func (b *recordingBuilder) lastInput() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inputs) == 0 {
		return ""
	}
	return b.inputs[len(b.inputs)-1]
}

// collectorSink records updates and signals each arrival.
type collectorSink struct {
	mu      sync.Mutex
	updates []*Update
	arrived chan UpdateType
}

func newCollectorSink() *collectorSink {
	return &collectorSink{arrived: make(chan UpdateType, 64)}
}

func (s *collectorSink) Send(u *Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	select {
	case s.arrived <- u.Type:
	default:
	}
	return nil
}

func (s *collectorSink) types() []UpdateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UpdateType, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Type)
	}
	return out
}

func (s *collectorSink) waitFor(t *testing.T, want UpdateType, count int) {
	t.Helper()
	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < count {
		select {
		case got := <-s.arrived:
			if got == want {
				seen++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q updates, saw %d", count, want, seen)
		}
	}
}

func newTestEngine(t *testing.T, transport ai.Transport) (*Engine, *fakeStore, *recordingBuilder, *store.AdvisorSession) {
	t.Helper()
	fs := newFakeStore()
	fs.contacts[1] = &store.Contact{ID: 1, UID: "contact-1", Name: "小雨"}

	sessions := NewSessionStore(fs)
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	builder := &recordingBuilder{}
	engine := NewEngine(EngineConfig{
		Store:     fs,
		Transport: transport,
		Builder:   builder,
		Sessions:  sessions,
	})
	return engine, fs, builder, session
}

func successScript(deltas ...string) []ai.StreamChunk {
	chunks := []ai.StreamChunk{ai.ChunkStarted{}}
	var full strings.Builder
	for _, d := range deltas {
		full.WriteString(d)
		chunks = append(chunks, ai.ChunkTextDelta{Text: d})
	}
	chunks = append(chunks, ai.ChunkComplete{FullText: full.String()})
	return chunks
}

func TestSendMessageHappyPath(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("你可以", "先听听她的想法")}
	engine, fs, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	record, err := engine.SendMessage(context.Background(), session.ID, "  我们吵架了怎么办  ", sink)
	require.NoError(t, err)
	require.NotNil(t, record)

	require.Equal(t, store.RoleAI, record.Role)
	require.Equal(t, store.SendStatusSuccess, record.SendStatus)
	require.Equal(t, "你可以先听听她的想法", record.Content)
	require.NotNil(t, record.RelatedUserUID)

	// The user turn was trimmed and marked SUCCESS.
	user := fs.conversationByUID(*record.RelatedUserUID)
	require.NotNil(t, user)
	require.Equal(t, store.RoleUser, user.Role)
	require.Equal(t, store.SendStatusSuccess, user.SendStatus)
	require.Equal(t, "我们吵架了怎么办", user.Content)
	require.Less(t, user.Timestamp, record.Timestamp)

	// Main text block finalized.
	blocks := fs.blocksFor(record.UID)
	require.Len(t, blocks, 1)
	require.Equal(t, store.BlockTypeMainText, blocks[0].Type)
	require.Equal(t, store.BlockStatusSuccess, blocks[0].Status)
	require.Equal(t, record.Content, blocks[0].Content)

	// Two turns counted; title derived from the first user message.
	updated, err := engine.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, int32(2), updated.MessageCount)
	require.Equal(t, store.TitleSourceDerived, updated.TitleSource)
	require.Equal(t, "我们吵架了怎么办", updated.Title)

	types := sink.types()
	require.Equal(t, UpdateStarted, types[0])
	require.Equal(t, UpdateCompleted, types[len(types)-1])
}

func TestSendMessageEmptyInput(t *testing.T) {
	engine, _, _, session := newTestEngine(t, &scriptedTransport{})
	_, err := engine.SendMessage(context.Background(), session.ID, "   \n\t ", NopSink{})
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestSendMessageSessionNotFound(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, &scriptedTransport{})
	_, err := engine.SendMessage(context.Background(), 404, "hello", NopSink{})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessageThinking(t *testing.T) {
	transport := &scriptedTransport{chunks: []ai.StreamChunk{
		ai.ChunkStarted{},
		ai.ChunkThinkingDelta{Text: "她可能在意", ElapsedMs: 120},
		ai.ChunkThinkingDelta{Text: "被忽略的感觉", ElapsedMs: 250},
		ai.ChunkThinkingComplete{Thinking: "她可能在意被忽略的感觉", TotalMs: 250},
		ai.ChunkTextDelta{Text: "建议先道歉"},
		ai.ChunkComplete{FullText: "建议先道歉"},
	}}
	engine, fs, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	record, err := engine.SendMessage(context.Background(), session.ID, "她生气了", sink)
	require.NoError(t, err)

	blocks := fs.blocksFor(record.UID)
	require.Len(t, blocks, 2)
	var thinking *store.MessageBlock
	for _, b := range blocks {
		if b.Type == store.BlockTypeThinking {
			thinking = b
		}
	}
	require.NotNil(t, thinking)
	require.Equal(t, store.BlockStatusSuccess, thinking.Status)
	require.Equal(t, "她可能在意被忽略的感觉", thinking.Content)
	require.NotNil(t, thinking.Metadata)
	require.Equal(t, int64(250), thinking.Metadata.ThinkingMs)

	require.Contains(t, sink.types(), UpdateThinking)
	require.Contains(t, sink.types(), UpdateThinkingDone)
}

func TestSendMessageTransportFailure(t *testing.T) {
	transport := &scriptedTransport{chunks: []ai.StreamChunk{
		ai.ChunkStarted{},
		ai.ChunkTextDelta{Text: "可以先"},
		ai.ChunkError{Err: errors.New("connection reset")},
	}}
	engine, fs, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	record, err := engine.SendMessage(context.Background(), session.ID, "怎么办", sink)
	require.Error(t, err)
	require.Equal(t, KindTransport, Classify(err))
	require.NotNil(t, record)

	require.Equal(t, store.RoleAI, record.Role)
	require.Equal(t, store.SendStatusFailed, record.SendStatus)
	require.Equal(t, "可以先", record.Content)

	// An error block was appended alongside the errored main block.
	blocks := fs.blocksFor(record.UID)
	var hasError bool
	for _, b := range blocks {
		if b.Type == store.BlockTypeError {
			hasError = true
			require.Equal(t, "connection reset", b.Content)
		}
		if b.Type == store.BlockTypeMainText {
			require.Equal(t, store.BlockStatusError, b.Status)
		}
	}
	require.True(t, hasError)

	last := sink.updates[len(sink.updates)-1]
	require.Equal(t, UpdateFailed, last.Type)
	require.True(t, last.Retryable)
}

func TestStopBeforeFirstChunkDiscards(t *testing.T) {
	hold := make(chan struct{})
	transport := &scriptedTransport{hold: hold}
	engine, fs, _, session := newTestEngine(t, transport)

	var record *store.AdvisorConversation
	var sendErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		record, sendErr = engine.SendMessage(context.Background(), session.ID, "在吗", newCollectorSink())
	}()

	requireStop(t, engine, session.ID)
	<-done

	require.NoError(t, sendErr)
	require.Nil(t, record)

	// Only the user turn persisted; no AI record, no blocks.
	conversations, err := fs.ListAdvisorConversations(context.Background(), &store.FindAdvisorConversation{SessionID: &session.ID})
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.Equal(t, store.RoleUser, conversations[0].Role)
	require.Empty(t, fs.blocks)
}

func TestStopMidStreamPersistsPartial(t *testing.T) {
	hold := make(chan struct{})
	transport := &scriptedTransport{
		chunks: []ai.StreamChunk{
			ai.ChunkStarted{},
			ai.ChunkTextDelta{Text: "先冷静"},
			ai.ChunkTextDelta{Text: "下来，然后"},
		},
		hold: hold,
	}
	engine, fs, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	var record *store.AdvisorConversation
	var sendErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		record, sendErr = engine.SendMessage(context.Background(), session.ID, "吵架了", sink)
	}()

	sink.waitFor(t, UpdateText, 2)
	requireStop(t, engine, session.ID)
	<-done

	require.NoError(t, sendErr)
	require.NotNil(t, record)
	require.Equal(t, store.RoleAI, record.Role) // never reclassified
	require.Equal(t, store.SendStatusCancelled, record.SendStatus)
	require.Equal(t, "先冷静下来，然后"+StopMarker, record.Content)

	blocks := fs.blocksFor(record.UID)
	require.Len(t, blocks, 1)
	require.Equal(t, store.BlockStatusSuccess, blocks[0].Status)
	require.Equal(t, "先冷静下来，然后", blocks[0].Content)

	require.Equal(t, UpdateCancelled, sink.types()[len(sink.types())-1])
}

func TestStopGenerationIdle(t *testing.T) {
	engine, _, _, session := newTestEngine(t, &scriptedTransport{})
	require.False(t, engine.StopGeneration(session.ID))
}

func TestStreamInFlightRejected(t *testing.T) {
	hold := make(chan struct{})
	transport := &scriptedTransport{
		chunks: []ai.StreamChunk{ai.ChunkStarted{}, ai.ChunkTextDelta{Text: "a"}},
		hold:   hold,
	}
	engine, _, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.SendMessage(context.Background(), session.ID, "第一条", sink)
	}()
	sink.waitFor(t, UpdateText, 1)

	_, err := engine.SendMessage(context.Background(), session.ID, "第二条", NopSink{})
	require.ErrorIs(t, err, ErrStreamInFlight)

	close(hold)
	<-done
}

func TestRegenerateUsesInMemoryInput(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("第一版回答")}
	engine, fs, builder, session := newTestEngine(t, transport)

	first, err := engine.SendMessage(context.Background(), session.ID, "她不理我", NopSink{})
	require.NoError(t, err)

	before, _ := engine.sessions.Get(context.Background(), session.ID)

	transport.chunks = successScript("第二版回答")
	second, err := engine.RegenerateMessage(context.Background(), session.ID, first.UID, NopSink{})
	require.NoError(t, err)

	require.Equal(t, "她不理我", builder.lastInput())
	require.Equal(t, "第二版回答", second.Content)
	require.NotEqual(t, first.UID, second.UID)
	require.NotNil(t, second.RelatedUserUID)
	require.Equal(t, *first.RelatedUserUID, *second.RelatedUserUID)

	// Old record and its blocks are gone.
	require.Nil(t, fs.conversationByUID(first.UID))
	require.Empty(t, fs.blocksFor(first.UID))

	// Regeneration does not change the message count.
	after, _ := engine.sessions.Get(context.Background(), session.ID)
	require.Equal(t, before.MessageCount, after.MessageCount)
}

func TestRegenerateFallsBackToRelatedMessage(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("重写的回答")}
	engine, fs, builder, session := newTestEngine(t, transport)

	// Seed persisted history directly: the in-memory input is empty, as
	// after a process restart.
	userUID := "user-uid-1"
	seed(t, fs, &store.AdvisorConversation{
		UID: userUID, SessionID: session.ID, Role: store.RoleUser,
		Content: "我该道歉吗", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	aiUID := "ai-uid-1"
	seed(t, fs, &store.AdvisorConversation{
		UID: aiUID, SessionID: session.ID, Role: store.RoleAI,
		Content: "旧回答", SendStatus: store.SendStatusSuccess, Timestamp: 101,
		RelatedUserUID: &userUID,
	})

	record, err := engine.RegenerateMessage(context.Background(), session.ID, aiUID, NopSink{})
	require.NoError(t, err)
	require.Equal(t, "我该道歉吗", builder.lastInput())
	require.NotNil(t, record.RelatedUserUID)
	require.Equal(t, userUID, *record.RelatedUserUID)
}

func TestRegenerateTimestampFallback(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("新回答")}
	engine, fs, builder, session := newTestEngine(t, transport)

	// Two user turns with no back-reference on the AI turn: the newest
	// one strictly older than the target wins.
	seed(t, fs, &store.AdvisorConversation{
		UID: "u1", SessionID: session.ID, Role: store.RoleUser,
		Content: "早先的问题", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "u2", SessionID: session.ID, Role: store.RoleUser,
		Content: "后来的问题", SendStatus: store.SendStatusSuccess, Timestamp: 200,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "a1", SessionID: session.ID, Role: store.RoleAI,
		Content: "旧回答", SendStatus: store.SendStatusSuccess, Timestamp: 300,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "u3", SessionID: session.ID, Role: store.RoleUser,
		Content: "更晚的问题", SendStatus: store.SendStatusSuccess, Timestamp: 400,
	})

	_, err := engine.RegenerateMessage(context.Background(), session.ID, "a1", NopSink{})
	require.NoError(t, err)
	require.Equal(t, "后来的问题", builder.lastInput())
}

func TestRegenerateNeverResubmitsAIContent(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("新回答")}
	engine, fs, builder, session := newTestEngine(t, transport)

	// The back-reference points at another AI record; it must be
	// skipped in favor of the timestamp fallback.
	otherAI := "a0"
	seed(t, fs, &store.AdvisorConversation{
		UID: otherAI, SessionID: session.ID, Role: store.RoleAI,
		Content: "别的AI回答", SendStatus: store.SendStatusSuccess, Timestamp: 50,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "u1", SessionID: session.ID, Role: store.RoleUser,
		Content: "真正的问题", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "a1", SessionID: session.ID, Role: store.RoleAI,
		Content: "旧回答", SendStatus: store.SendStatusSuccess, Timestamp: 200,
		RelatedUserUID: &otherAI,
	})

	_, err := engine.RegenerateMessage(context.Background(), session.ID, "a1", NopSink{})
	require.NoError(t, err)
	require.Equal(t, "真正的问题", builder.lastInput())
}

func TestRegenerateNoSource(t *testing.T) {
	transport := &scriptedTransport{}
	engine, fs, _, session := newTestEngine(t, transport)

	seed(t, fs, &store.AdvisorConversation{
		UID: "a1", SessionID: session.ID, Role: store.RoleAI,
		Content: "孤儿回答", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})

	_, err := engine.RegenerateMessage(context.Background(), session.ID, "a1", NopSink{})
	require.ErrorIs(t, err, ErrNoRegenerateSource)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	transport := &scriptedTransport{}
	engine, fs, _, session := newTestEngine(t, transport)

	seed(t, fs, &store.AdvisorConversation{
		UID: "u1", SessionID: session.ID, Role: store.RoleUser,
		Content: "问题", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})

	_, err := engine.RegenerateMessage(context.Background(), session.ID, "u1", NopSink{})
	require.ErrorIs(t, err, ErrNotAIMessage)
}

func TestRegenerateLast(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("第一版")}
	engine, _, builder, session := newTestEngine(t, transport)

	_, err := engine.SendMessage(context.Background(), session.ID, "问题来了", NopSink{})
	require.NoError(t, err)

	transport.chunks = successScript("第二版")
	record, err := engine.RegenerateLast(context.Background(), session.ID, NopSink{})
	require.NoError(t, err)
	require.Equal(t, "第二版", record.Content)
	require.Equal(t, "问题来了", builder.lastInput())
}

func TestShowLiveStream(t *testing.T) {
	require.True(t, ShowLiveStream(nil))
	require.True(t, ShowLiveStream(&store.AdvisorConversation{
		Content: "", SendStatus: store.SendStatusPending,
	}))
	require.False(t, ShowLiveStream(&store.AdvisorConversation{
		Content: "部分内容", SendStatus: store.SendStatusPending,
	}))
	require.False(t, ShowLiveStream(&store.AdvisorConversation{
		Content: "", SendStatus: store.SendStatusSuccess,
	}))
	require.False(t, ShowLiveStream(&store.AdvisorConversation{
		Content: "完整内容", SendStatus: store.SendStatusSuccess,
	}))
}

func TestListVisibleMessagesMergesLiveStream(t *testing.T) {
	hold := make(chan struct{})
	transport := &scriptedTransport{
		chunks: []ai.StreamChunk{ai.ChunkStarted{}},
		hold:   hold,
	}
	engine, _, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.SendMessage(context.Background(), session.ID, "你好", sink)
	}()
	sink.waitFor(t, UpdateStarted, 1)

	// The persisted record is still empty and PENDING, so the live
	// view is the one representation.
	visible, err := engine.ListVisibleMessages(context.Background(), session.ID)
	require.NoError(t, err)
	var aiCount int
	for _, m := range visible {
		if m.Record.Role == store.RoleAI {
			aiCount++
			require.True(t, m.Live)
		}
	}
	require.Equal(t, 1, aiCount)

	close(hold)
	<-done

	// After the stream ends the live state is gone; the persisted
	// record is the only representation.
	visible, err = engine.ListVisibleMessages(context.Background(), session.ID)
	require.NoError(t, err)
	aiCount = 0
	for _, m := range visible {
		if m.Record.Role == store.RoleAI {
			aiCount++
			require.False(t, m.Live)
		}
	}
	require.Equal(t, 1, aiCount)
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	engine, fs, _, session := newTestEngine(t, &scriptedTransport{})
	fs.createConversationErr = errors.New("disk full")

	_, err := engine.SendMessage(context.Background(), session.ID, "你好", NopSink{})
	require.Error(t, err)
	require.Equal(t, KindPersistence, Classify(err))
}

func seed(t *testing.T, fs *fakeStore, record *store.AdvisorConversation) {
	t.Helper()
	_, err := fs.CreateAdvisorConversation(context.Background(), record)
	require.NoError(t, err)
}

// requireStop spins until the stream is registered, then stops it.
func requireStop(t *testing.T, engine *Engine, sessionID int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if engine.StopGeneration(sessionID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("stream never became stoppable")
}

// newHistoryEngine wires the engine to the real history builder so the
// full outbound request composition is exercised.
func newHistoryEngine(t *testing.T, transport ai.Transport) (*Engine, *fakeStore, *store.AdvisorSession) {
	t.Helper()
	fs := newFakeStore()
	fs.contacts[1] = &store.Contact{ID: 1, UID: "contact-1", Name: "小雨"}

	sessions := NewSessionStore(fs)
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	engine := NewEngine(EngineConfig{
		Store:     fs,
		Transport: transport,
		Builder:   NewHistoryContextBuilder(fs, 0),
		Sessions:  sessions,
	})
	return engine, fs, session
}

func countContent(req *ai.AdviceRequest, content string) int {
	n := 0
	for _, m := range req.Messages {
		if m.Content == content {
			n++
		}
	}
	return n
}

func TestSendMessageInputAppearsOnceInRequest(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("好的")}
	engine, fs, session := newHistoryEngine(t, transport)

	seed(t, fs, &store.AdvisorConversation{
		UID: "u0", SessionID: session.ID, Role: store.RoleUser,
		Content: "她生气了", SendStatus: store.SendStatusSuccess, Timestamp: 100,
	})
	seed(t, fs, &store.AdvisorConversation{
		UID: "a0", SessionID: session.ID, Role: store.RoleAI,
		Content: "先别急着解释", SendStatus: store.SendStatusSuccess, Timestamp: 200,
	})

	_, err := engine.SendMessage(context.Background(), session.ID, "今天她主动找我了", newCollectorSink())
	require.NoError(t, err)

	req := transport.lastRequest()
	require.NotNil(t, req)
	require.Equal(t, 1, countContent(req, "今天她主动找我了"),
		"the current input must not also enter the history window")
	require.Equal(t, "今天她主动找我了", req.Messages[len(req.Messages)-1].Content)
	require.Equal(t, 1, countContent(req, "她生气了"))
}

func TestRegenerateInputAppearsOnceInRequest(t *testing.T) {
	transport := &scriptedTransport{chunks: successScript("好的")}
	engine, _, session := newHistoryEngine(t, transport)

	record, err := engine.SendMessage(context.Background(), session.ID, "今天她主动找我了", newCollectorSink())
	require.NoError(t, err)
	require.NotNil(t, record)

	_, err = engine.RegenerateLast(context.Background(), session.ID, newCollectorSink())
	require.NoError(t, err)

	req := transport.lastRequest()
	require.NotNil(t, req)
	require.Equal(t, 1, countContent(req, "今天她主动找我了"),
		"the persisted source turn must be excluded when its input is resubmitted")
	require.Equal(t, "今天她主动找我了", req.Messages[len(req.Messages)-1].Content)
}

func TestStopRacesStreamStart(t *testing.T) {
	// Stop fired immediately after the stream registers must always
	// terminate the stream, even when it lands before the cancel hook
	// is installed.
	for i := 0; i < 25; i++ {
		transport := &scriptedTransport{
			chunks: []ai.StreamChunk{ai.ChunkStarted{}},
			hold:   make(chan struct{}),
		}
		engine, _, _, session := newTestEngine(t, transport)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = engine.SendMessage(context.Background(), session.ID, "在吗", NopSink{})
		}()

		requireStop(t, engine, session.ID)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not terminate after stop")
		}
	}
}

func TestChunkAfterCompleteIsIgnored(t *testing.T) {
	// A terminal chunk ends the stream; anything the transport emits
	// afterwards must not reach the persisted record or the sink.
	chunks := successScript("回答")
	chunks = append(chunks, ai.ChunkError{Err: errors.New("late failure")})
	transport := &scriptedTransport{chunks: chunks}
	engine, fs, _, session := newTestEngine(t, transport)

	sink := newCollectorSink()
	record, err := engine.SendMessage(context.Background(), session.ID, "在吗", sink)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, store.SendStatusSuccess, record.SendStatus)

	persisted := fs.conversationByUID(record.UID)
	require.NotNil(t, persisted)
	require.Equal(t, store.SendStatusSuccess, persisted.SendStatus)

	terminals := 0
	for _, typ := range sink.types() {
		switch typ {
		case UpdateCompleted, UpdateFailed, UpdateCancelled:
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "exactly one terminal update per response")
	require.Equal(t, UpdateCompleted, sink.types()[len(sink.types())-1])
}
