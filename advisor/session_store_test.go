package advisor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heartwise/heartwise/store"
)

func newTestSessionStore() (*SessionStore, *fakeStore) {
	fs := newFakeStore()
	fs.contacts[1] = &store.Contact{ID: 1, UID: "contact-1", Name: "小雨"}
	return NewSessionStore(fs), fs
}

func TestCreateOrReuseCreatesFresh(t *testing.T) {
	sessions, _ := newTestSessionStore()

	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)
	require.NotZero(t, session.ID)
	require.NotEmpty(t, session.UID)
	require.Equal(t, DefaultSessionTitle, session.Title)
	require.Equal(t, store.TitleSourceDefault, session.TitleSource)
	require.Equal(t, int32(0), session.MessageCount)
	require.Equal(t, store.RowStatusNormal, session.RowStatus)
	require.True(t, session.Active)
}

func TestCreateOrReuseReturnsEmptySession(t *testing.T) {
	sessions, _ := newTestSessionStore()

	first, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	// A repeated open with no messages sent reuses the same session
	// instead of piling up empties.
	second, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateOrReuseSkipsNonEmpty(t *testing.T) {
	sessions, fs := newTestSessionStore()

	first, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)
	_, err = fs.IncrementSessionMessageCount(context.Background(), first.ID, 1)
	require.NoError(t, err)

	second, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestRecordFirstMessageDerivesTitleOnce(t *testing.T) {
	sessions, _ := newTestSessionStore()
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sessions.RecordFirstMessage(context.Background(), session.ID, "她最近\n总是不回我消息"))

	got, err := sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, "她最近 总是不回我消息", got.Title)
	require.Equal(t, store.TitleSourceDerived, got.TitleSource)

	// A later call can never overwrite the derived title.
	require.NoError(t, sessions.RecordFirstMessage(context.Background(), session.ID, "完全不同的消息"))
	got, err = sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, "她最近 总是不回我消息", got.Title)
}

func TestRecordFirstMessageTruncates(t *testing.T) {
	sessions, _ := newTestSessionStore()
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	long := strings.Repeat("想", sessionTitleMaxRunes+10)
	require.NoError(t, sessions.RecordFirstMessage(context.Background(), session.ID, long))

	got, err := sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("想", sessionTitleMaxRunes)+"...", got.Title)
}

func TestRecordFirstMessageRespectsUserTitle(t *testing.T) {
	sessions, _ := newTestSessionStore()
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sessions.Rename(context.Background(), session.ID, "七夕计划"))
	require.NoError(t, sessions.RecordFirstMessage(context.Background(), session.ID, "随便一条消息"))

	got, err := sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, "七夕计划", got.Title)
	require.Equal(t, store.TitleSourceUser, got.TitleSource)
}

func TestRenameNotFound(t *testing.T) {
	sessions, _ := newTestSessionStore()
	err := sessions.Rename(context.Background(), 404, "标题")
	require.Error(t, err)
}

func TestSetPinned(t *testing.T) {
	sessions, _ := newTestSessionStore()
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sessions.SetPinned(context.Background(), session.ID, true))
	got, err := sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.True(t, got.Pinned)

	require.NoError(t, sessions.SetPinned(context.Background(), session.ID, false))
	got, err = sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.False(t, got.Pinned)
}

func TestDeleteSession(t *testing.T) {
	sessions, _ := newTestSessionStore()
	session, err := sessions.CreateOrReuse(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sessions.Delete(context.Background(), session.ID))
	got, err := sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}
