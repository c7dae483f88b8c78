package chatsync

// UnreadCounts is the unread state of one profile.
type UnreadCounts struct {
	Total int `json:"total"`
	// PerConversation maps a conversation id to its unread count. Only
	// conversations with at least one unread message are present.
	PerConversation map[string]int `json:"per_conversation"`
}

// UnreadFor counts the messages unread by profileID. A message counts once
// even if it appears in several of the given collections; messages without an
// id are never treated as duplicates. The result is
// computed from scratch on every call.
func UnreadFor(profileID string, messages []Message) UnreadCounts {
	counts := UnreadCounts{PerConversation: make(map[string]int)}
	seen := make(map[ID]struct{}, len(messages))
	for _, m := range messages {
		if !m.ID.IsZero() {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		if !m.UnreadBy(profileID) {
			continue
		}
		counts.Total++
		counts.PerConversation[m.ConversationID.String()]++
	}
	return counts
}
