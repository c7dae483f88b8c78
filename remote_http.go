package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// HTTPRemote
// ============================================================================

// HTTPRemote implements Remote against the JSON API of the chatsync backend.
type HTTPRemote struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPOption configures an HTTPRemote.
type HTTPOption func(*HTTPRemote)

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(r *HTTPRemote) { r.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRemote) { r.httpClient = client }
}

// WithToken sends token as a bearer token on every request.
func WithToken(token string) HTTPOption {
	return func(r *HTTPRemote) { r.token = token }
}

// NewHTTPRemote creates a remote for the backend at baseURL.
func NewHTTPRemote(baseURL string, opts ...HTTPOption) *HTTPRemote {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BaseURL returns the backend address.
func (r *HTTPRemote) BaseURL() string { return r.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (r *HTTPRemote) doRequest(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("%s %s: HTTP %d: %w", method, path, resp.StatusCode, err)
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func idPath(id ID) string { return url.PathEscape(id.Value()) }

// ============================================================================
// Conversations
// ============================================================================

func (r *HTTPRemote) ListConversations(ctx context.Context, profileID string) ([]Conversation, error) {
	out := []Conversation{}
	err := r.doRequest(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(profileID)+"/conversations", nil, nil, &out)
	return out, err
}

func (r *HTTPRemote) GetConversation(ctx context.Context, id ID) (Conversation, error) {
	var out Conversation
	err := r.doRequest(ctx, http.MethodGet, "/api/conversations/"+idPath(id), nil, nil, &out)
	return out, err
}

func (r *HTTPRemote) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	var out Conversation
	err := r.doRequest(ctx, http.MethodPost, "/api/conversations", c, nil, &out)
	return out, err
}

func (r *HTTPRemote) UpdateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	var out Conversation
	err := r.doRequest(ctx, http.MethodPatch, "/api/conversations/"+idPath(c.ID), c, nil, &out)
	return out, err
}

func (r *HTTPRemote) DeleteConversation(ctx context.Context, id ID) error {
	return r.doRequest(ctx, http.MethodDelete, "/api/conversations/"+idPath(id), nil, nil, nil)
}

// ============================================================================
// Participants
// ============================================================================

func (r *HTTPRemote) ListParticipants(ctx context.Context, conversationID ID) ([]Participant, error) {
	out := []Participant{}
	err := r.doRequest(ctx, http.MethodGet, "/api/conversations/"+idPath(conversationID)+"/participants", nil, nil, &out)
	return out, err
}

func (r *HTTPRemote) AddParticipant(ctx context.Context, p Participant) (Participant, error) {
	var out Participant
	err := r.doRequest(ctx, http.MethodPost, "/api/conversations/"+idPath(p.ConversationID)+"/participants", p, nil, &out)
	return out, err
}

func (r *HTTPRemote) UpdateParticipant(ctx context.Context, p Participant) (Participant, error) {
	var out Participant
	path := "/api/conversations/" + idPath(p.ConversationID) + "/participants/" + url.PathEscape(p.ProfileID)
	err := r.doRequest(ctx, http.MethodPatch, path, p, nil, &out)
	return out, err
}

func (r *HTTPRemote) RemoveParticipant(ctx context.Context, conversationID ID, profileID string) error {
	path := "/api/conversations/" + idPath(conversationID) + "/participants/" + url.PathEscape(profileID)
	return r.doRequest(ctx, http.MethodDelete, path, nil, nil, nil)
}

// ============================================================================
// Messages
// ============================================================================

// ReceiptRequest is the body of the read and delivered endpoints. An empty
// MessageIDs covers every message of the conversation.
type ReceiptRequest struct {
	ProfileID  string `json:"profile_id"`
	MessageIDs []ID   `json:"message_ids,omitempty"`
}

func (r *HTTPRemote) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	var query url.Values
	if filter.UnreadBy != "" {
		query = url.Values{"unread_by": {filter.UnreadBy}}
	}
	out := []Message{}
	err := r.doRequest(ctx, http.MethodGet, "/api/conversations/"+idPath(filter.ConversationID)+"/messages", nil, query, &out)
	return out, err
}

func (r *HTTPRemote) InsertMessage(ctx context.Context, m Message) (Message, error) {
	var out Message
	err := r.doRequest(ctx, http.MethodPost, "/api/conversations/"+idPath(m.ConversationID)+"/messages", m, nil, &out)
	return out, err
}

func (r *HTTPRemote) UpdateMessage(ctx context.Context, m Message) (Message, error) {
	var out Message
	err := r.doRequest(ctx, http.MethodPatch, "/api/messages/"+idPath(m.ID), m, nil, &out)
	return out, err
}

func (r *HTTPRemote) SoftDeleteMessage(ctx context.Context, id ID) (Message, error) {
	var out Message
	err := r.doRequest(ctx, http.MethodDelete, "/api/messages/"+idPath(id), nil, nil, &out)
	return out, err
}

func (r *HTTPRemote) MarkRead(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error) {
	out := []Message{}
	err := r.doRequest(ctx, http.MethodPost, "/api/conversations/"+idPath(conversationID)+"/read",
		ReceiptRequest{ProfileID: profileID, MessageIDs: ids}, nil, &out)
	return out, err
}

func (r *HTTPRemote) MarkDelivered(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error) {
	out := []Message{}
	err := r.doRequest(ctx, http.MethodPost, "/api/conversations/"+idPath(conversationID)+"/delivered",
		ReceiptRequest{ProfileID: profileID, MessageIDs: ids}, nil, &out)
	return out, err
}

var _ Remote = (*HTTPRemote)(nil)
