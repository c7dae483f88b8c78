package chatsync

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when the remote store has no row for an id.
	ErrNotFound = errors.New("chatsync: not found")
	// ErrGroupDelete is returned when deleting a group conversation. Groups
	// change membership instead of being deleted.
	ErrGroupDelete = errors.New("chatsync: group conversations cannot be deleted")
	// ErrPartialFailure marks a multi-step mutation that failed after some of
	// its remote writes were already committed.
	ErrPartialFailure = errors.New("chatsync: mutation partially applied")
	// ErrClosed is returned by operations on a closed client or store.
	ErrClosed = errors.New("chatsync: closed")
)

// APIError represents an error reported by the remote store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps well-known codes onto sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeGroupDelete:
		return ErrGroupDelete
	}
	return nil
}

// Error codes shared by the remote store and the reference backend.
const (
	CodeNotFound    = "NOT_FOUND"
	CodeInvalid     = "INVALID_INPUT"
	CodeGroupDelete = "GROUP_DELETE"
	CodeInternal    = "INTERNAL"
)

// MutationError is returned by Pending.Wait when the remote call of a
// mutation failed. The local cache has already been rolled back.
type MutationError struct {
	Op      string
	Partial bool
	Err     error
}

func (e *MutationError) Error() string {
	if e.Partial {
		return e.Op + ": partially applied: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *MutationError) Unwrap() error { return e.Err }

// ============================================================================
// Wire envelope
// ============================================================================

// Result is the generic response envelope of the remote store.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Entities
// ============================================================================

// Role of a participant inside a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Conversation is a 1:1 or group chat.
type Conversation struct {
	ID        ID        `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatorID string    `json:"creator_id"`
	Title     *string   `json:"title"`
	IsGroup   bool      `json:"is_group"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant links a profile to a conversation. Its identity is the
// (ConversationID, ProfileID) pair.
type Participant struct {
	ConversationID ID        `json:"conversation_id"`
	ProfileID      string    `json:"profile_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Message is a chat message. ReadBy and DeliveredTo only ever grow.
type Message struct {
	ID             ID         `json:"id"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID ID         `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	DeliveredTo    []string   `json:"delivered_to"`
	ReadBy         []string   `json:"read_by"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// UnreadBy reports whether profileID has not read m yet.
func (m Message) UnreadBy(profileID string) bool {
	return m.SenderID != profileID && !m.Deleted() && !slices.Contains(m.ReadBy, profileID)
}

// unionIDs returns a ∪ b keeping the order of first appearance.
func unionIDs(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
