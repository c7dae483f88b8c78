package chatsync

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// ID identifies an entity. It is either a placeholder generated on the client
// for an optimistic insert, or the confirmed id assigned by the remote store.
// The two variants never compare equal, even when their values match.
type ID struct {
	value       string
	placeholder bool
}

// Placeholder returns a client-side placeholder identity.
func Placeholder(clientID string) ID { return ID{value: clientID, placeholder: true} }

// Confirmed returns an authoritative server identity.
func Confirmed(serverID string) ID { return ID{value: serverID} }

// NewPlaceholder returns a placeholder with a fresh random client id.
func NewPlaceholder() ID { return Placeholder(uuid.NewString()) }

// IsPlaceholder reports whether id has not been confirmed by the server yet.
func (id ID) IsPlaceholder() bool { return id.placeholder }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id.value == "" }

// Value returns the raw id without its variant.
func (id ID) Value() string { return id.value }

// String renders the id. Placeholders carry a "~" marker so that a placeholder
// and a confirmed id with the same value never collide as map or cache keys.
func (id ID) String() string {
	if id.placeholder {
		return "~" + id.value
	}
	return id.value
}

// MarshalJSON encodes confirmed ids as strings. Placeholders are never sent as
// ids; entities carry them in their client_id field instead.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.placeholder || id.value == "" {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a string into a confirmed id.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = Confirmed(s)
	return nil
}
