package backend

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects the notifications of a store.
type recorder struct {
	mu  sync.Mutex
	got []chatsync.Notification
}

func (r *recorder) notify(n chatsync.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Scope.String())
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

func createDirect(t *testing.T, s *Store, a, b string) chatsync.Conversation {
	t.Helper()
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, chatsync.Conversation{CreatorID: a})
	require.NoError(t, err)
	_, err = s.AddParticipant(ctx, chatsync.Participant{ConversationID: c.ID, ProfileID: a, Role: chatsync.RoleAdmin})
	require.NoError(t, err)
	_, err = s.AddParticipant(ctx, chatsync.Participant{ConversationID: c.ID, ProfileID: b})
	require.NoError(t, err)
	return c
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	title := "ignored"
	c, err := s.CreateConversation(ctx, chatsync.Conversation{CreatorID: "alice", Title: &title})
	require.NoError(t, err)
	assert.False(t, c.ID.IsPlaceholder())
	assert.Nil(t, c.Title, "direct conversations carry no title")

	_, err = s.AddParticipant(ctx, chatsync.Participant{ConversationID: c.ID, ProfileID: "alice"})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)

	group := "team"
	updated, err := s.UpdateConversation(ctx, chatsync.Conversation{ID: c.ID, Title: &group, IsGroup: true})
	require.NoError(t, err)
	assert.True(t, updated.IsGroup)
	updated, err = s.UpdateConversation(ctx, chatsync.Conversation{ID: c.ID})
	require.NoError(t, err)
	assert.True(t, updated.IsGroup, "a group stays a group")

	assert.ErrorIs(t, s.DeleteConversation(ctx, c.ID), chatsync.ErrGroupDelete)

	_, err = s.GetConversation(ctx, chatsync.Confirmed("missing"))
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	_, err = s.CreateConversation(ctx, chatsync.Conversation{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDeleteConversationRemovesRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := createDirect(t, s, "alice", "bob")
	m, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "hi", ClientID: "tmp-1"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, c.ID))

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
	parts, err := s.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, parts)
	_, err = s.SoftDeleteMessage(ctx, m.ID)
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	in := chatsync.Conversation{ID: chatsync.Placeholder("tmp-c"), ClientID: "tmp-c", CreatorID: "alice"}
	first, err := s.CreateConversation(ctx, in)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := createDirect(t, s, "alice", "bob")

	parts, err := s.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, chatsync.RoleMember, parts[1].Role, "role defaults to member")

	joined := parts[1].JoinedAt
	again, err := s.AddParticipant(ctx, chatsync.Participant{ConversationID: c.ID, ProfileID: "bob", Role: chatsync.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, joined, again.JoinedAt)
	assert.Equal(t, chatsync.RoleAdmin, again.Role)

	p, err := s.UpdateParticipant(ctx, chatsync.Participant{ConversationID: c.ID, ProfileID: "bob", Role: chatsync.RoleMember})
	require.NoError(t, err)
	assert.Equal(t, chatsync.RoleMember, p.Role)

	require.NoError(t, s.RemoveParticipant(ctx, c.ID, "bob"))
	assert.ErrorIs(t, s.RemoveParticipant(ctx, c.ID, "bob"), chatsync.ErrNotFound)
	list, err := s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.GetConversation(ctx, c.ID)
	assert.NoError(t, err, "removing a participant keeps the conversation")

	_, err = s.AddParticipant(ctx, chatsync.Participant{ConversationID: chatsync.Confirmed("nope"), ProfileID: "bob"})
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	_, err = s.AddParticipant(ctx, chatsync.Participant{ConversationID: c.ID})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := createDirect(t, s, "alice", "bob")

	in := chatsync.Message{ID: chatsync.Placeholder("tmp-1"), ClientID: "tmp-1", ConversationID: c.ID, SenderID: "alice", Content: "one"}
	m1, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.False(t, m1.ID.IsPlaceholder())
	dup, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, dup.ID)

	m2, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "bob", Content: "two"})
	require.NoError(t, err)

	list, err := s.ListMessages(ctx, chatsync.MessageFilter{ConversationID: c.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []chatsync.ID{m1.ID, m2.ID}, []chatsync.ID{list[0].ID, list[1].ID})

	edited, err := s.UpdateMessage(ctx, chatsync.Message{ID: m1.ID, Content: "uno"})
	require.NoError(t, err)
	assert.Equal(t, "uno", edited.Content)
	_, err = s.UpdateMessage(ctx, chatsync.Message{ID: m1.ID})
	assert.ErrorIs(t, err, ErrInvalid)

	deleted, err := s.SoftDeleteMessage(ctx, m2.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	list, err = s.ListMessages(ctx, chatsync.MessageFilter{ConversationID: c.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = s.UpdateMessage(ctx, chatsync.Message{ID: m2.ID, Content: "back"})
	assert.ErrorIs(t, err, chatsync.ErrNotFound)

	_, err = s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.InsertMessage(ctx, chatsync.Message{ConversationID: chatsync.Confirmed("nope"), SenderID: "alice", Content: "x"})
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := createDirect(t, s, "alice", "bob")
	var ids []chatsync.ID
	for _, sender := range []string{"alice", "alice", "bob"} {
		m, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: sender, Content: "x"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	unread, err := s.ListMessages(ctx, chatsync.MessageFilter{ConversationID: c.ID, UnreadBy: "bob"})
	require.NoError(t, err)
	assert.Len(t, unread, 2, "own messages are never unread")

	delivered, err := s.MarkDelivered(ctx, c.ID, "bob", ids[:1])
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, []string{"bob"}, delivered[0].DeliveredTo)

	read, err := s.MarkRead(ctx, c.ID, "bob", nil)
	require.NoError(t, err)
	require.Len(t, read, 2)
	for _, m := range read {
		assert.Equal(t, []string{"bob"}, m.ReadBy)
		assert.Equal(t, []string{"bob"}, m.DeliveredTo, "reading implies delivery")
	}

	again, err := s.MarkRead(ctx, c.ID, "bob", nil)
	require.NoError(t, err)
	assert.Empty(t, again)
	unread, err = s.ListMessages(ctx, chatsync.MessageFilter{ConversationID: c.ID, UnreadBy: "bob"})
	require.NoError(t, err)
	assert.Empty(t, unread)

	_, err = s.MarkRead(ctx, c.ID, "", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestInsertsNotifyEveryScope(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := &recorder{}
	s.Notify(rec.notify)

	c := createDirect(t, s, "alice", "bob")
	assert.Equal(t, []string{
		"conversation:" + c.ID.Value(), "profile:alice",
		"conversation:" + c.ID.Value(), "profile:alice", "profile:bob",
	}, rec.scopes())

	rec.reset()
	m, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conversation:" + c.ID.Value(), "profile:alice", "profile:bob"}, rec.scopes())
	for _, n := range rec.got {
		assert.Equal(t, chatsync.NotifyInserted, n.Type)
		assert.Equal(t, chatsync.TableMessages, n.Table)
		var row chatsync.Message
		require.NoError(t, json.Unmarshal(n.Row, &row))
		assert.Equal(t, m.ID, row.ID)
	}

	rec.reset()
	_, err = s.UpdateMessage(ctx, chatsync.Message{ID: m.ID, Content: "edit"})
	require.NoError(t, err)
	_, err = s.MarkRead(ctx, c.ID, "bob", nil)
	require.NoError(t, err)
	assert.Empty(t, rec.scopes(), "only inserts are pushed")
}

func TestPurgeDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := createDirect(t, s, "alice", "bob")

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	old, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "old", ClientID: "tmp-old"})
	require.NoError(t, err)
	_, err = s.SoftDeleteMessage(ctx, old.ID)
	require.NoError(t, err)
	kept, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "kept"})
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	recent, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "recent"})
	require.NoError(t, err)
	_, err = s.SoftDeleteMessage(ctx, recent.ID)
	require.NoError(t, err)

	n, err := s.PurgeDeleted(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.SoftDeleteMessage(ctx, old.ID)
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	_, err = s.SoftDeleteMessage(ctx, recent.ID)
	assert.NoError(t, err)
	list, err := s.ListMessages(ctx, chatsync.MessageFilter{ConversationID: c.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)

	// The client id of a purged message may be reused.
	again, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "old", ClientID: "tmp-old"})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, again.ID)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := NewRetention(s, "not a cron", time.Hour, zerolog.Nop())
	assert.Error(t, err)

	r, err := NewRetention(s, "", time.Hour, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultPurgeCron, r.cron)

	c := createDirect(t, s, "alice", "bob")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	m, err := s.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "x"})
	require.NoError(t, err)
	_, err = s.SoftDeleteMessage(ctx, m.ID)
	require.NoError(t, err)

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deleted within keep")

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	c, err := s.CreateConversation(ctx, chatsync.Conversation{CreatorID: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	s, err = Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatorID)
}
