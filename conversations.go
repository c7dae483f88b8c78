package chatsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Cache adapter
// ============================================================================

func conversationIdentity(c Conversation) string { return c.ID.String() }

// conversationAdapter places a conversation in the cache. profiles lists the
// profiles whose conversation lists hold it; none means every list.
type conversationAdapter struct {
	profiles []string
}

func (a conversationAdapter) Keys(c Conversation, _ MutationKind) []Key {
	return DeriveKeys(Descriptor{Entity: EntityConversation, EntityID: c.ID, ProfileIDs: a.profiles})
}

func (a conversationAdapter) Apply(key Key, current any, kind MutationKind, c Conversation) (any, EntryOp) {
	switch key.Kind {
	case KindConversation:
		switch kind {
		case MutationRemove:
			return nil, OpEvict
		case MutationUpdate:
			old, ok := current.(Conversation)
			if !ok {
				return nil, OpKeep
			}
			return mergeConversation(old, c), OpWrite
		}
		return c, OpWrite

	case KindConversations:
		list := listOf[Conversation](current)
		switch kind {
		case MutationAdd:
			return upsert(list, c, conversationIdentity), OpWrite
		case MutationUpdate:
			if next, ok := mergeInto(list, c, conversationIdentity, mergeConversation); ok {
				return next, OpWrite
			}
		case MutationRemove:
			if next, ok := without(list, conversationIdentity, conversationIdentity(c)); ok {
				return next, OpWrite
			}
		}
	}
	return nil, OpKeep
}

// Seed only fills the single-conversation entry. A profile's conversation
// list is never seeded from one item since the rest of it is unknown.
func (a conversationAdapter) Seed(key Key, c Conversation) (any, bool) {
	if key.Kind == KindConversation {
		return c, true
	}
	return nil, false
}

func (a conversationAdapter) Replace(key Key, current any, placeholder, server Conversation) (any, EntryOp) {
	switch key.Kind {
	case KindConversation:
		if key.Conversation == placeholder.ID && placeholder.ID != server.ID {
			return nil, OpEvict
		}
		if key.Conversation == server.ID {
			if _, ok := current.(Conversation); ok {
				return server, OpWrite
			}
		}
	case KindConversations:
		if next, ok := swap(listOf[Conversation](current), placeholder, server, conversationIdentity); ok {
			return next, OpWrite
		}
	}
	return nil, OpKeep
}

// mergeConversation applies the editable fields of patch onto old.
func mergeConversation(old, patch Conversation) Conversation {
	old.Title = patch.Title
	old.IsGroup = patch.IsGroup
	old.AvatarURL = patch.AvatarURL
	if !patch.UpdatedAt.IsZero() {
		old.UpdatedAt = patch.UpdatedAt
	}
	return old
}

// ============================================================================
// ConversationsClient
// ============================================================================

// NewConversation describes a conversation to create.
type NewConversation struct {
	CreatorID string
	Title     *string
	IsGroup   bool
	AvatarURL string
	// Members are added as participants after the conversation is created.
	// The creator always joins as admin.
	Members []string
}

// ConversationsClient reads and mutates conversations.
type ConversationsClient struct {
	c *Client
}

// List returns the conversations profileID takes part in.
func (cc *ConversationsClient) List(ctx context.Context, profileID string) ([]Conversation, error) {
	return readList[Conversation](ctx, cc.c.store, ConversationsKey(profileID))
}

// Get returns a single conversation.
func (cc *ConversationsClient) Get(ctx context.Context, id ID) (Conversation, error) {
	v, err := cc.c.store.Fetch(ctx, ConversationKey(id))
	if err != nil {
		return Conversation{}, err
	}
	conv, ok := v.(Conversation)
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

// Peek returns the cached conversation list of profileID without blocking.
func (cc *ConversationsClient) Peek(profileID string) ([]Conversation, bool) {
	return peekList[Conversation](cc.c.store, ConversationsKey(profileID))
}

// Create inserts a conversation and its members. The conversation shows up in
// every member's cached list immediately under a placeholder id.
//
// Creation takes several remote writes and is not transactional. If adding a
// member fails, the conversation and the members added so far stay on the
// backend, the local cache is rolled back and the returned error wraps
// ErrPartialFailure.
func (cc *ConversationsClient) Create(ctx context.Context, in NewConversation) *Pending[Conversation] {
	const op = "conversations.create"
	if in.CreatorID == "" {
		return failed(op, Conversation{}, errors.New("creator id is required"))
	}
	if !in.IsGroup && in.Title != nil {
		in.Title = nil
	}

	id := NewPlaceholder()
	item := Conversation{
		ID:        id,
		ClientID:  id.Value(),
		CreatorID: in.CreatorID,
		Title:     in.Title,
		IsGroup:   in.IsGroup,
		AvatarURL: in.AvatarURL,
		UpdatedAt: time.Now().UTC(),
	}

	members := []string{in.CreatorID}
	for _, m := range in.Members {
		if m != "" && m != in.CreatorID {
			members = append(members, m)
		}
	}

	remote := cc.c.remote
	return launch(ctx, cc.c, mutation[Conversation]{
		op:      op,
		kind:    MutationAdd,
		item:    item,
		adapter: conversationAdapter{profiles: members},
		call: func(ctx context.Context) (Conversation, error) {
			created, err := remote.CreateConversation(ctx, item)
			if err != nil {
				return Conversation{}, err
			}
			for _, pid := range members {
				role := RoleMember
				if pid == in.CreatorID {
					role = RoleAdmin
				}
				_, err := remote.AddParticipant(ctx, Participant{ConversationID: created.ID, ProfileID: pid, Role: role})
				if err != nil {
					return created, fmt.Errorf("add participant %s: %w", pid, errors.Join(ErrPartialFailure, err))
				}
			}
			return created, nil
		},
		settleKeys: func(server Conversation) []Key {
			if server.ID.IsZero() {
				return nil
			}
			return DeriveKeys(Descriptor{Entity: EntityParticipant, ConversationID: server.ID, ProfileIDs: members})
		},
	})
}

// Update changes the title, avatar or group flag of conv.
func (cc *ConversationsClient) Update(ctx context.Context, conv Conversation) *Pending[Conversation] {
	const op = "conversations.update"
	if conv.ID.IsZero() {
		return failed(op, conv, errors.New("conversation id is required"))
	}
	conv.UpdatedAt = time.Now().UTC()

	remote := cc.c.remote
	return launch(ctx, cc.c, mutation[Conversation]{
		op:      op,
		kind:    MutationUpdate,
		item:    conv,
		adapter: conversationAdapter{},
		call: func(ctx context.Context) (Conversation, error) {
			return remote.UpdateConversation(ctx, conv)
		},
	})
}

// Delete removes a 1:1 conversation. Group conversations are never deleted;
// their membership changes instead.
func (cc *ConversationsClient) Delete(ctx context.Context, id ID) *Pending[Conversation] {
	const op = "conversations.delete"
	conv := Conversation{ID: id}
	if e, ok := cc.c.store.Peek(ConversationKey(id)); ok {
		if cached, ok := e.Value.(Conversation); ok {
			conv = cached
		}
	}
	if conv.IsGroup {
		return failed(op, conv, ErrGroupDelete)
	}

	remote := cc.c.remote
	return launch(ctx, cc.c, mutation[Conversation]{
		op:      op,
		kind:    MutationRemove,
		item:    conv,
		adapter: conversationAdapter{},
		call: func(ctx context.Context) (Conversation, error) {
			return conv, remote.DeleteConversation(ctx, id)
		},
		settleKeys: func(Conversation) []Key {
			return []Key{ParticipantsKey(id), MessagesKey(id), UnreadKey("", id)}
		},
	})
}
