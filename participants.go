package chatsync

import (
	"context"
	"errors"
	"time"
)

func participantIdentity(p Participant) string {
	return p.ConversationID.String() + "/" + p.ProfileID
}

// participantAdapter places a participant in the cache. conv, when known, is
// the conversation joined; it lets an add show up in the profile's
// conversation list before the backend confirms it.
type participantAdapter struct {
	conv *Conversation
}

func (a participantAdapter) Keys(p Participant, _ MutationKind) []Key {
	return DeriveKeys(Descriptor{
		Entity:         EntityParticipant,
		ConversationID: p.ConversationID,
		ProfileIDs:     []string{p.ProfileID},
	})
}

func (a participantAdapter) Apply(key Key, current any, kind MutationKind, p Participant) (any, EntryOp) {
	switch key.Kind {
	case KindParticipants:
		list := listOf[Participant](current)
		switch kind {
		case MutationAdd:
			return upsert(list, p, participantIdentity), OpWrite
		case MutationUpdate:
			if next, ok := mergeInto(list, p, participantIdentity, mergeParticipant); ok {
				return next, OpWrite
			}
		case MutationRemove:
			if next, ok := without(list, participantIdentity, participantIdentity(p)); ok {
				return next, OpWrite
			}
		}

	case KindConversations:
		list := listOf[Conversation](current)
		switch kind {
		case MutationAdd:
			if a.conv != nil {
				return upsert(list, *a.conv, conversationIdentity), OpWrite
			}
		case MutationRemove:
			if next, ok := without(list, conversationIdentity, p.ConversationID.String()); ok {
				return next, OpWrite
			}
		}
	}
	return nil, OpKeep
}

// Seed fills the participant list of a conversation that only exists locally.
func (a participantAdapter) Seed(key Key, p Participant) (any, bool) {
	if key.Kind == KindParticipants && key.Conversation.IsPlaceholder() {
		return []Participant{p}, true
	}
	return nil, false
}

func (a participantAdapter) Replace(key Key, current any, placeholder, server Participant) (any, EntryOp) {
	if key.Kind != KindParticipants {
		return nil, OpKeep
	}
	if next, ok := swap(listOf[Participant](current), placeholder, server, participantIdentity); ok {
		return next, OpWrite
	}
	return nil, OpKeep
}

func mergeParticipant(old, patch Participant) Participant {
	if patch.Role != "" {
		old.Role = patch.Role
	}
	return old
}

// ============================================================================
// ParticipantsClient
// ============================================================================

// ParticipantsClient reads and mutates conversation membership.
type ParticipantsClient struct {
	c *Client
}

// List returns the participants of conversationID.
func (pc *ParticipantsClient) List(ctx context.Context, conversationID ID) ([]Participant, error) {
	return readList[Participant](ctx, pc.c.store, ParticipantsKey(conversationID))
}

// Peek returns the cached participants of conversationID without blocking.
func (pc *ParticipantsClient) Peek(conversationID ID) ([]Participant, bool) {
	return peekList[Participant](pc.c.store, ParticipantsKey(conversationID))
}

// Add makes profileID a participant of conversationID.
func (pc *ParticipantsClient) Add(ctx context.Context, conversationID ID, profileID string, role Role) *Pending[Participant] {
	const op = "participants.add"
	if conversationID.IsZero() || profileID == "" {
		return failed(op, Participant{}, errors.New("conversation id and profile id are required"))
	}
	if role == "" {
		role = RoleMember
	}
	item := Participant{ConversationID: conversationID, ProfileID: profileID, Role: role, JoinedAt: time.Now().UTC()}

	adapter := participantAdapter{}
	if e, ok := pc.c.store.Peek(ConversationKey(conversationID)); ok {
		if conv, ok := e.Value.(Conversation); ok {
			adapter.conv = &conv
		}
	}

	remote := pc.c.remote
	return launch(ctx, pc.c, mutation[Participant]{
		op:      op,
		kind:    MutationAdd,
		item:    item,
		adapter: adapter,
		call: func(ctx context.Context) (Participant, error) {
			return remote.AddParticipant(ctx, item)
		},
	})
}

// UpdateRole changes the role of profileID in conversationID.
func (pc *ParticipantsClient) UpdateRole(ctx context.Context, conversationID ID, profileID string, role Role) *Pending[Participant] {
	const op = "participants.update_role"
	if role != RoleMember && role != RoleAdmin {
		return failed(op, Participant{}, errors.New("unknown role "+string(role)))
	}
	item := Participant{ConversationID: conversationID, ProfileID: profileID, Role: role}

	remote := pc.c.remote
	return launch(ctx, pc.c, mutation[Participant]{
		op:      op,
		kind:    MutationUpdate,
		item:    item,
		adapter: participantAdapter{},
		call: func(ctx context.Context) (Participant, error) {
			return remote.UpdateParticipant(ctx, item)
		},
	})
}

// Remove takes profileID out of conversationID. The conversation itself is
// kept even when nobody is left in it.
func (pc *ParticipantsClient) Remove(ctx context.Context, conversationID ID, profileID string) *Pending[Participant] {
	const op = "participants.remove"
	item := Participant{ConversationID: conversationID, ProfileID: profileID}

	remote := pc.c.remote
	return launch(ctx, pc.c, mutation[Participant]{
		op:      op,
		kind:    MutationRemove,
		item:    item,
		adapter: participantAdapter{},
		call: func(ctx context.Context) (Participant, error) {
			return item, remote.RemoveParticipant(ctx, conversationID, profileID)
		},
		settleKeys: func(Participant) []Key {
			return []Key{UnreadKey(profileID, conversationID)}
		},
	})
}
