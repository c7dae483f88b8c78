package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(newBlockingFetcher())
	t.Cleanup(s.Close)
	return s
}

func msg(id ID, conv ID, sender, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		ReadBy:         []string{},
		DeliveredTo:    []string{},
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func countID(list []Message, id ID) int {
	n := 0
	for _, m := range list {
		if m.ID == id {
			n++
		}
	}
	return n
}

func cachedMessages(t *testing.T, s *Store, k Key) []Message {
	t.Helper()
	e, ok := s.Peek(k)
	require.True(t, ok, "no entry under %s", k)
	return listOf[Message](e.Value)
}

func TestRollbackRestoresExactly(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	m0 := msg(Confirmed("m0"), c1, "bob", "hi")

	s.Write(MessagesKey(c1), []Message{m0})
	s.Write(UnreadKey("alice", c1), []Message{m0})
	s.Write(UnreadKey("bob", c1), []Message{})
	s.Write(ConversationsKey("alice"), []Conversation{{ID: c1}})
	s.Invalidate(UnreadKey("bob", c1))
	before := s.Snapshot()

	tok := Apply(s, messageAdapter{}, MutationAdd, msg(Placeholder("tmp"), c1, "alice", "hello"))
	// The sender's own unread view is left alone.
	require.ElementsMatch(t, []Key{MessagesKey(c1), UnreadKey("bob", c1)}, tok.Keys())
	assert.NotEqual(t, before, s.Snapshot())
	assert.Len(t, cachedMessages(t, s, UnreadKey("bob", c1)), 1)

	require.True(t, tok.Rollback())
	assert.Equal(t, before, s.Snapshot())
}

func TestRollbackRemovesSeededEntries(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot()

	conv := Conversation{ID: Placeholder("tmp-c"), CreatorID: "alice"}
	tok := Apply(s, conversationAdapter{profiles: []string{"alice"}}, MutationAdd, conv)
	_, seeded := s.Peek(ConversationKey(conv.ID))
	require.True(t, seeded)
	_, listed := s.Peek(ConversationsKey("alice"))
	assert.False(t, listed, "a profile's list is never seeded from one conversation")

	tok2 := Apply(s, messageAdapter{}, MutationAdd, msg(Placeholder("tmp-m"), conv.ID, "alice", "first"))
	assert.Len(t, cachedMessages(t, s, MessagesKey(conv.ID)), 1)

	require.True(t, tok2.Rollback())
	require.True(t, tok.Rollback())
	assert.Equal(t, before, s.Snapshot())
}

func TestRollbackTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	s.Write(MessagesKey(c1), []Message{})

	tok := Apply(s, messageAdapter{}, MutationAdd, msg(Placeholder("tmp"), c1, "alice", "x"))
	assert.True(t, tok.Rollback())
	assert.False(t, tok.Rollback())
	assert.False(t, tok.Discard())

	tok = Apply(s, messageAdapter{}, MutationAdd, msg(Placeholder("tmp"), c1, "alice", "x"))
	assert.True(t, tok.Discard())
	assert.False(t, tok.Rollback())
	assert.Len(t, cachedMessages(t, s, MessagesKey(c1)), 1)
}

func TestReconcileLeavesOneCopy(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	m0 := msg(Confirmed("m0"), c1, "alice", "earlier")
	s.Write(MessagesKey(c1), []Message{m0})
	s.Write(UnreadKey("bob", c1), []Message{m0})
	s.Write(UnreadKey("alice", c1), []Message{})

	placeholder := msg(Placeholder("temp-1"), c1, "alice", "hello")
	tok := Apply(s, messageAdapter{}, MutationAdd, placeholder)
	server := placeholder
	server.ID = Confirmed("srv-42")

	// A realtime refetch of another collection already brought the row in.
	s.Write(UnreadKey("bob", c1), []Message{m0, placeholder, server})

	require.True(t, Reconcile(s, messageAdapter{}, placeholder, server))
	tok.Discard()

	for _, k := range []Key{MessagesKey(c1), UnreadKey("bob", c1)} {
		list := cachedMessages(t, s, k)
		assert.Equal(t, 1, countID(list, server.ID), k.String())
		assert.Zero(t, countID(list, placeholder.ID), k.String())
		assert.Equal(t, 1, countID(list, m0.ID), k.String())
	}
	assert.Empty(t, cachedMessages(t, s, UnreadKey("alice", c1)))
}

func TestReconcileKeepsPosition(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	a := msg(Confirmed("a"), c1, "bob", "a")
	placeholder := msg(Placeholder("tmp"), c1, "alice", "b")
	z := msg(Confirmed("z"), c1, "bob", "z")
	s.Write(MessagesKey(c1), []Message{a, placeholder, z})

	server := placeholder
	server.ID = Confirmed("b")
	Reconcile(s, messageAdapter{}, placeholder, server)

	list := cachedMessages(t, s, MessagesKey(c1))
	require.Len(t, list, 3)
	assert.Equal(t, []ID{a.ID, server.ID, z.ID}, []ID{list[0].ID, list[1].ID, list[2].ID})
}

func TestReconcileMissIsSilent(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	fresh := []Message{msg(Confirmed("srv-1"), c1, "alice", "hello")}
	s.Write(MessagesKey(c1), fresh)
	before := s.Snapshot()

	placeholder := msg(Placeholder("gone"), c1, "alice", "hello")
	server := fresh[0]
	assert.False(t, Reconcile(s, messageAdapter{}, placeholder, server))
	assert.Equal(t, before, s.Snapshot())
}

func TestReconcileMovesSingleConversation(t *testing.T) {
	s := newTestStore(t)
	s.Write(ConversationsKey("alice"), []Conversation{})

	placeholder := Conversation{ID: Placeholder("tmp"), CreatorID: "alice"}
	adapter := conversationAdapter{profiles: []string{"alice"}}
	Apply(s, adapter, MutationAdd, placeholder)

	server := placeholder
	server.ID = Confirmed("c-9")
	require.True(t, Reconcile(s, adapter, placeholder, server))

	_, ok := s.Peek(ConversationKey(placeholder.ID))
	assert.False(t, ok)
	e, ok := s.Peek(ConversationKey(server.ID))
	require.True(t, ok)
	assert.Equal(t, server, e.Value)

	e, _ = s.Peek(ConversationsKey("alice"))
	assert.Equal(t, []Conversation{server}, e.Value)
}

func TestApplyUpdateAndRemove(t *testing.T) {
	s := newTestStore(t)
	c1 := Confirmed("c1")
	m1 := msg(Confirmed("m1"), c1, "bob", "one")
	m2 := msg(Confirmed("m2"), c1, "bob", "two")
	s.Write(MessagesKey(c1), []Message{m1, m2})
	s.Write(UnreadKey("alice", c1), []Message{m1, m2})
	s.Write(UnreadKey("carol", c1), []Message{m1, m2})

	// Alice reads m1: it leaves her unread view only.
	Apply(s, receiptAdapter{}, MutationUpdate, []Message{{ID: m1.ID, ConversationID: c1, ReadBy: []string{"alice"}}})
	assert.Equal(t, []ID{m2.ID}, ids(cachedMessages(t, s, UnreadKey("alice", c1))))
	assert.Len(t, cachedMessages(t, s, UnreadKey("carol", c1)), 2)
	assert.Equal(t, []string{"alice"}, cachedMessages(t, s, MessagesKey(c1))[0].ReadBy)

	edit := m2
	edit.Content = "two, edited"
	Apply(s, messageAdapter{}, MutationUpdate, edit)
	assert.Equal(t, "two, edited", cachedMessages(t, s, MessagesKey(c1))[1].Content)

	Apply(s, messageAdapter{}, MutationRemove, m2)
	assert.Equal(t, []ID{m1.ID}, ids(cachedMessages(t, s, MessagesKey(c1))))
	assert.Empty(t, cachedMessages(t, s, UnreadKey("alice", c1)))
}

func TestPendingAddSurvivesColdLoad(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	s := NewStore(f)
	defer s.Close()
	c1 := Confirmed("c1")
	m0 := msg(Confirmed("m0"), c1, "bob", "hi")
	f.set(MessagesKey(c1), []Message{m0})

	tmp := msg(Placeholder("tmp"), c1, "alice", "hello")
	tok := Apply(s, messageAdapter{}, MutationAdd, tmp)
	_, ok := s.Peek(MessagesKey(c1))
	require.False(t, ok, "a confirmed conversation is not seeded")

	v, err := s.Fetch(ctx, MessagesKey(c1))
	require.NoError(t, err)
	assert.Equal(t, []ID{m0.ID, tmp.ID}, ids(listOf[Message](v)))
	assert.Equal(t, []ID{m0.ID, tmp.ID}, ids(cachedMessages(t, s, MessagesKey(c1))))

	// A later refetch still carries the pending message, once.
	s.Invalidate(MessagesKey(c1))
	_, err = s.Refetch(ctx, MessagesKey(c1))
	require.NoError(t, err)
	assert.Equal(t, 1, countID(cachedMessages(t, s, MessagesKey(c1)), tmp.ID))
	assert.Contains(t, tok.Keys(), MessagesKey(c1))

	require.True(t, tok.Rollback())
	assert.Equal(t, []ID{m0.ID}, ids(cachedMessages(t, s, MessagesKey(c1))))

	s.Invalidate(MessagesKey(c1))
	_, err = s.Refetch(ctx, MessagesKey(c1))
	require.NoError(t, err)
	assert.Equal(t, []ID{m0.ID}, ids(cachedMessages(t, s, MessagesKey(c1))))
}

func TestDiscardStopsReapplying(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	s := NewStore(f)
	defer s.Close()
	c1 := Confirmed("c1")
	f.set(MessagesKey(c1), []Message{})

	tok := Apply(s, messageAdapter{}, MutationAdd, msg(Placeholder("tmp"), c1, "alice", "hello"))
	require.True(t, tok.Discard())

	v, err := s.Fetch(ctx, MessagesKey(c1))
	require.NoError(t, err)
	assert.Empty(t, listOf[Message](v))
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.overlays)
}

func ids(list []Message) []ID {
	out := make([]ID, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}
