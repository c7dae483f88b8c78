package chatsync

import "context"

// ConversationRemote is the authoritative store of conversations.
type ConversationRemote interface {
	ListConversations(ctx context.Context, profileID string) ([]Conversation, error)
	GetConversation(ctx context.Context, id ID) (Conversation, error)
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	UpdateConversation(ctx context.Context, c Conversation) (Conversation, error)
	DeleteConversation(ctx context.Context, id ID) error
}

// ParticipantRemote is the authoritative store of conversation membership.
type ParticipantRemote interface {
	ListParticipants(ctx context.Context, conversationID ID) ([]Participant, error)
	AddParticipant(ctx context.Context, p Participant) (Participant, error)
	UpdateParticipant(ctx context.Context, p Participant) (Participant, error)
	RemoveParticipant(ctx context.Context, conversationID ID, profileID string) error
}

// MessageFilter narrows ListMessages. UnreadBy keeps only messages unread by
// that profile. Soft-deleted messages are never listed.
type MessageFilter struct {
	ConversationID ID
	UnreadBy       string
}

// MessageRemote is the authoritative store of messages.
type MessageRemote interface {
	ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error)
	InsertMessage(ctx context.Context, m Message) (Message, error)
	UpdateMessage(ctx context.Context, m Message) (Message, error)
	SoftDeleteMessage(ctx context.Context, id ID) (Message, error)
	MarkRead(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error)
	MarkDelivered(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error)
}

// Remote is the full request/response boundary of the backend.
type Remote interface {
	ConversationRemote
	ParticipantRemote
	MessageRemote
}
