package chatsync

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ============================================================================
// Cache adapters
// ============================================================================

func messageIdentity(m Message) string { return m.ID.String() }

// mergeMessage applies an edit or a receipt onto old. Receipt sets are
// unioned, so they never lose members whatever order merges land in.
func mergeMessage(old, patch Message) Message {
	if patch.Content != "" {
		old.Content = patch.Content
	}
	if patch.AttachmentURL != "" {
		old.AttachmentURL = patch.AttachmentURL
	}
	old.ReadBy = unionIDs(old.ReadBy, patch.ReadBy)
	old.DeliveredTo = unionIDs(old.DeliveredTo, patch.DeliveredTo)
	if patch.DeletedAt != nil {
		old.DeletedAt = patch.DeletedAt
	}
	if patch.UpdatedAt.After(old.UpdatedAt) {
		old.UpdatedAt = patch.UpdatedAt
	}
	return old
}

// applyMessage computes the new value of one messages or unread entry.
func applyMessage(key Key, list []Message, kind MutationKind, m Message) ([]Message, bool) {
	unread := key.Kind == KindUnread
	switch kind {
	case MutationAdd:
		if unread && !m.UnreadBy(key.Profile) {
			return without(list, messageIdentity, messageIdentity(m))
		}
		return upsert(list, m, messageIdentity), true
	case MutationUpdate:
		next, ok := mergeInto(list, m, messageIdentity, mergeMessage)
		if !ok || !unread {
			return next, ok
		}
		i := indexOf(next, messageIdentity, messageIdentity(m))
		if !next[i].UnreadBy(key.Profile) {
			return without(next, messageIdentity, messageIdentity(m))
		}
		return next, true
	case MutationRemove:
		return without(list, messageIdentity, messageIdentity(m))
	}
	return list, false
}

// messageAdapter places a single message in the cache.
type messageAdapter struct{}

func (messageAdapter) Keys(m Message, kind MutationKind) []Key {
	return DeriveKeys(Descriptor{
		Entity:           EntityMessage,
		ConversationID:   m.ConversationID,
		EntityID:         m.ID,
		ReadStateChanged: kind != MutationUpdate || len(m.ReadBy) > 0,
	})
}

func (messageAdapter) Apply(key Key, current any, kind MutationKind, m Message) (any, EntryOp) {
	if key.Kind != KindMessages && key.Kind != KindUnread {
		return nil, OpKeep
	}
	if next, ok := applyMessage(key, listOf[Message](current), kind, m); ok {
		return next, OpWrite
	}
	return nil, OpKeep
}

// Seed fills the message list of a conversation that only exists locally.
func (messageAdapter) Seed(key Key, m Message) (any, bool) {
	if key.Kind == KindMessages && key.Conversation.IsPlaceholder() {
		return []Message{m}, true
	}
	return nil, false
}

func (messageAdapter) Replace(key Key, current any, placeholder, server Message) (any, EntryOp) {
	if key.Kind != KindMessages && key.Kind != KindUnread {
		return nil, OpKeep
	}
	list := listOf[Message](current)
	next, ok := swap(list, placeholder, server, messageIdentity)
	if !ok {
		return nil, OpKeep
	}
	if key.Kind == KindUnread && !server.UnreadBy(key.Profile) {
		next, _ = without(next, messageIdentity, messageIdentity(server))
	}
	return next, OpWrite
}

// receiptAdapter places a batch of receipt updates, all in one conversation,
// in the cache. Receipts only ever update.
type receiptAdapter struct{}

func (receiptAdapter) Keys(batch []Message, _ MutationKind) []Key {
	if len(batch) == 0 {
		return nil
	}
	return DeriveKeys(Descriptor{
		Entity:           EntityMessage,
		ConversationID:   batch[0].ConversationID,
		ReadStateChanged: true,
	})
}

func (receiptAdapter) Apply(key Key, current any, _ MutationKind, batch []Message) (any, EntryOp) {
	if key.Kind != KindMessages && key.Kind != KindUnread {
		return nil, OpKeep
	}
	list := listOf[Message](current)
	changed := false
	for _, m := range batch {
		if next, ok := applyMessage(key, list, MutationUpdate, m); ok {
			list, changed = next, true
		}
	}
	if !changed {
		return nil, OpKeep
	}
	return list, OpWrite
}

func (receiptAdapter) Seed(Key, []Message) (any, bool) { return nil, false }

func (a receiptAdapter) Replace(key Key, current any, _, server []Message) (any, EntryOp) {
	return a.Apply(key, current, MutationUpdate, server)
}

// ============================================================================
// MessagesClient
// ============================================================================

// NewMessage describes a message to send.
type NewMessage struct {
	ConversationID ID
	SenderID       string
	Content        string
	AttachmentURL  string
}

// MessagesClient reads and mutates messages and their receipts.
type MessagesClient struct {
	c *Client
}

// List returns the messages of conversationID, oldest first.
func (mc *MessagesClient) List(ctx context.Context, conversationID ID) ([]Message, error) {
	return readList[Message](ctx, mc.c.store, MessagesKey(conversationID))
}

// Peek returns the cached messages of conversationID without blocking.
func (mc *MessagesClient) Peek(conversationID ID) ([]Message, bool) {
	return peekList[Message](mc.c.store, MessagesKey(conversationID))
}

// UnreadList returns the messages of conversationID unread by profileID.
func (mc *MessagesClient) UnreadList(ctx context.Context, conversationID ID, profileID string) ([]Message, error) {
	return readList[Message](ctx, mc.c.store, UnreadKey(profileID, conversationID))
}

// Unread counts the messages unread by profileID across every conversation
// it takes part in. Counts are derived from cached messages on every call.
func (mc *MessagesClient) Unread(ctx context.Context, profileID string) (UnreadCounts, error) {
	convs, err := mc.c.Conversations.List(ctx, profileID)
	if err != nil {
		return UnreadCounts{}, err
	}
	var all []Message
	for _, conv := range convs {
		msgs, err := mc.UnreadList(ctx, conv.ID, profileID)
		if err != nil {
			return UnreadCounts{}, err
		}
		all = append(all, msgs...)
	}
	return UnreadFor(profileID, all), nil
}

// Send inserts a message. It is visible in the conversation under a
// placeholder id right away and swapped for the stored message once the
// backend confirms it.
func (mc *MessagesClient) Send(ctx context.Context, in NewMessage) *Pending[Message] {
	const op = "messages.send"
	if in.ConversationID.IsZero() || in.SenderID == "" {
		return failed(op, Message{}, errors.New("conversation id and sender id are required"))
	}
	if in.Content == "" && in.AttachmentURL == "" {
		return failed(op, Message{}, errors.New("message is empty"))
	}

	id := NewPlaceholder()
	now := time.Now().UTC()
	item := Message{
		ID:             id,
		ClientID:       id.Value(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		DeliveredTo:    []string{},
		ReadBy:         []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	remote := mc.c.remote
	return launch(ctx, mc.c, mutation[Message]{
		op:      op,
		kind:    MutationAdd,
		item:    item,
		adapter: messageAdapter{},
		call: func(ctx context.Context) (Message, error) {
			return remote.InsertMessage(ctx, item)
		},
	})
}

// Edit replaces the content of a sent message.
func (mc *MessagesClient) Edit(ctx context.Context, msg Message, content string) *Pending[Message] {
	const op = "messages.edit"
	if msg.ID.IsPlaceholder() {
		return failed(op, msg, errors.New("message is not confirmed yet"))
	}
	if content == "" {
		return failed(op, msg, errors.New("message is empty"))
	}
	msg.Content = content
	msg.UpdatedAt = time.Now().UTC()

	remote := mc.c.remote
	return launch(ctx, mc.c, mutation[Message]{
		op:      op,
		kind:    MutationUpdate,
		item:    msg,
		adapter: messageAdapter{},
		call: func(ctx context.Context) (Message, error) {
			return remote.UpdateMessage(ctx, msg)
		},
	})
}

// Delete soft-deletes a message. It disappears from every cached list at
// once; the backend keeps the row with its deletion time.
func (mc *MessagesClient) Delete(ctx context.Context, msg Message) *Pending[Message] {
	const op = "messages.delete"
	if msg.ID.IsPlaceholder() {
		return failed(op, msg, errors.New("message is not confirmed yet"))
	}

	remote := mc.c.remote
	return launch(ctx, mc.c, mutation[Message]{
		op:      op,
		kind:    MutationRemove,
		item:    msg,
		adapter: messageAdapter{},
		call: func(ctx context.Context) (Message, error) {
			return remote.SoftDeleteMessage(ctx, msg.ID)
		},
	})
}

// MarkRead records that profileID has read every message of conversationID it
// has not read yet. When the conversation's messages are cached only those
// are sent; otherwise the backend marks all of them.
func (mc *MessagesClient) MarkRead(ctx context.Context, conversationID ID, profileID string) *Pending[[]Message] {
	return mc.receipt(ctx, "messages.mark_read", conversationID, profileID,
		func(m Message) bool { return m.UnreadBy(profileID) },
		func(m *Message) { m.ReadBy = []string{profileID} },
		mc.c.remote.MarkRead)
}

// MarkDelivered records that the messages of conversationID reached
// profileID's device.
func (mc *MessagesClient) MarkDelivered(ctx context.Context, conversationID ID, profileID string) *Pending[[]Message] {
	return mc.receipt(ctx, "messages.mark_delivered", conversationID, profileID,
		func(m Message) bool {
			return m.SenderID != profileID && !m.Deleted() && !slices.Contains(m.DeliveredTo, profileID)
		},
		func(m *Message) { m.DeliveredTo = []string{profileID} },
		mc.c.remote.MarkDelivered)
}

type receiptCall func(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error)

func (mc *MessagesClient) receipt(ctx context.Context, op string, conversationID ID, profileID string,
	pending func(Message) bool, stamp func(*Message), call receiptCall) *Pending[[]Message] {
	if conversationID.IsZero() || profileID == "" {
		return failed[[]Message](op, nil, errors.New("conversation id and profile id are required"))
	}
	if conversationID.IsPlaceholder() {
		return failed[[]Message](op, nil, errors.New("conversation is not confirmed yet"))
	}

	var batch []Message
	var ids []ID
	if e, ok := mc.c.store.Peek(MessagesKey(conversationID)); ok {
		for _, m := range listOf[Message](e.Value) {
			if m.ID.IsPlaceholder() || !pending(m) {
				continue
			}
			patch := Message{ID: m.ID, ConversationID: conversationID}
			stamp(&patch)
			batch = append(batch, patch)
			ids = append(ids, m.ID)
		}
		if len(batch) == 0 {
			p := newPending(op, batch)
			p.settle(nil, nil)
			return p
		}
	}

	return launch(ctx, mc.c, mutation[[]Message]{
		op:      op,
		kind:    MutationUpdate,
		item:    batch,
		adapter: receiptAdapter{},
		call: func(ctx context.Context) ([]Message, error) {
			return call(ctx, conversationID, profileID, ids)
		},
		settleKeys: func([]Message) []Key {
			return DeriveKeys(Descriptor{Entity: EntityMessage, ConversationID: conversationID, ReadStateChanged: true})
		},
	})
}
