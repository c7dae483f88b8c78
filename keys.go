package chatsync

import "strings"

// KeyKind names a family of cached query results.
type KeyKind string

const (
	// KindConversations is the list of conversations a profile takes part in.
	KindConversations KeyKind = "conversations"
	// KindConversation is a single conversation.
	KindConversation KeyKind = "conversation"
	// KindParticipants is the participant list of a conversation.
	KindParticipants KeyKind = "participants"
	// KindMessages is the message list of a conversation.
	KindMessages KeyKind = "messages"
	// KindUnread is the list of messages of a conversation unread by a profile.
	KindUnread KeyKind = "unread"
)

// Key identifies a cache entry. A Key with an empty field that its kind uses
// acts as a pattern: it matches every entry of the same kind whose non-empty
// fields agree with it.
type Key struct {
	Kind         KeyKind
	Profile      string
	Conversation ID
}

// ConversationsKey is the conversation list of profileID.
func ConversationsKey(profileID string) Key {
	return Key{Kind: KindConversations, Profile: profileID}
}

// ConversationKey is the single conversation id.
func ConversationKey(id ID) Key {
	return Key{Kind: KindConversation, Conversation: id}
}

// ParticipantsKey is the participant list of conversationID.
func ParticipantsKey(conversationID ID) Key {
	return Key{Kind: KindParticipants, Conversation: conversationID}
}

// MessagesKey is the message list of conversationID.
func MessagesKey(conversationID ID) Key {
	return Key{Kind: KindMessages, Conversation: conversationID}
}

// UnreadKey is the unread view of profileID in conversationID. Either side
// may be empty to build a pattern.
func UnreadKey(profileID string, conversationID ID) Key {
	return Key{Kind: KindUnread, Profile: profileID, Conversation: conversationID}
}

// Exact reports whether k names a single entry rather than a pattern.
func (k Key) Exact() bool {
	switch k.Kind {
	case KindConversations:
		return k.Profile != ""
	case KindConversation, KindParticipants, KindMessages:
		return !k.Conversation.IsZero()
	case KindUnread:
		return k.Profile != "" && !k.Conversation.IsZero()
	}
	return false
}

// Matches reports whether the concrete key other is covered by k.
func (k Key) Matches(other Key) bool {
	if k.Kind != other.Kind {
		return false
	}
	if k.Profile != "" && k.Profile != other.Profile {
		return false
	}
	if !k.Conversation.IsZero() && k.Conversation != other.Conversation {
		return false
	}
	return true
}

func (k Key) String() string {
	parts := []string{string(k.Kind)}
	if k.Profile != "" {
		parts = append(parts, "p="+k.Profile)
	}
	if !k.Conversation.IsZero() {
		parts = append(parts, "c="+k.Conversation.String())
	}
	return strings.Join(parts, "/")
}

// ============================================================================
// Key derivation
// ============================================================================

// EntityKind selects the derivation rules of a Descriptor.
type EntityKind string

const (
	EntityConversation EntityKind = "conversation"
	EntityParticipant  EntityKind = "participant"
	EntityMessage      EntityKind = "message"
)

// Descriptor is a partial description of an entity. Unset fields narrow the
// set of derived keys.
type Descriptor struct {
	Entity         EntityKind
	ProfileIDs     []string
	ConversationID ID
	EntityID       ID
	// ReadStateChanged marks message changes that can move a message in or
	// out of somebody's unread view: inserts, removals, read receipts.
	ReadStateChanged bool
}

// DeriveKeys returns every key whose cached contents include or are affected
// by the described entity. It never fails and performs no I/O.
func DeriveKeys(d Descriptor) []Key {
	var keys []Key
	add := func(k Key) {
		for _, existing := range keys {
			if existing == k {
				return
			}
		}
		keys = append(keys, k)
	}
	profileLists := func() {
		for _, p := range d.ProfileIDs {
			if p != "" {
				add(ConversationsKey(p))
			}
		}
	}

	switch d.Entity {
	case EntityConversation:
		id := d.EntityID
		if id.IsZero() {
			id = d.ConversationID
		}
		if !id.IsZero() {
			add(ConversationKey(id))
		}
		if len(d.ProfileIDs) > 0 {
			profileLists()
		} else {
			// Any profile's list may hold the conversation.
			add(Key{Kind: KindConversations})
		}

	case EntityParticipant:
		if !d.ConversationID.IsZero() {
			add(ParticipantsKey(d.ConversationID))
		}
		profileLists()

	case EntityMessage:
		if d.ConversationID.IsZero() {
			break
		}
		add(MessagesKey(d.ConversationID))
		if d.ReadStateChanged {
			add(UnreadKey("", d.ConversationID))
		}
	}
	return keys
}
