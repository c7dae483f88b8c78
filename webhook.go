package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// WebhookSource identifies webhook payloads sent by the chatsync backend.
const WebhookSource = "chatsync"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body the backend POSTs to a webhook endpoint.
type WebhookPayload struct {
	Source       string       `json:"source"`
	Event        string       `json:"event"`
	Timestamp    int64        `json:"timestamp"`
	Notification Notification `json:"notification"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Notification.Scope.Kind == "" || payload.Notification.Scope.ID == "" {
		return nil, fmt.Errorf("missing scope in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// WebhookChannel
// ============================================================================

// WebhookChannel is a Channel fed by signed HTTP pushes from the backend.
// Mount HTTPHandler where the backend delivers its webhooks; Subscribe only
// filters which scopes reach the handlers.
type WebhookChannel struct {
	secret string
	log    zerolog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[Scope]map[int]func(Notification)
}

// NewWebhookChannel creates a webhook receiver verifying bodies with secret.
func NewWebhookChannel(secret string, log zerolog.Logger) (*WebhookChannel, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookChannel{
		secret:   secret,
		log:      log,
		handlers: make(map[Scope]map[int]func(Notification)),
	}, nil
}

// Subscribe implements Channel.
func (w *WebhookChannel) Subscribe(_ context.Context, scope Scope, handler func(Notification)) (Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	if w.handlers[scope] == nil {
		w.handlers[scope] = make(map[int]func(Notification))
	}
	w.handlers[scope][id] = handler

	return SubscriptionFunc(func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers[scope], id)
		if len(w.handlers[scope]) == 0 {
			delete(w.handlers, scope)
		}
		return nil
	}), nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookChannel) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify, parse, dispatch) and returns
// the status code and response body for the caller to write.
func (w *WebhookChannel) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n := payload.Notification
	if n.Type == "" {
		n.Type = payload.Event
	}

	w.mu.RLock()
	handlers := make([]func(Notification), 0, len(w.handlers[n.Scope]))
	for _, h := range w.handlers[n.Scope] {
		handlers = append(handlers, h)
	}
	w.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
	w.log.Debug().Str("scope", n.Scope.String()).Int("handlers", len(handlers)).Msg("webhook_dispatched")
	return http.StatusOK, map[string]any{"ok": true, "delivered": len(handlers)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookChannel("secret", zerolog.Nop())
//	http.Handle("/webhook", wh.HTTPHandler())
//	client := chatsync.New(remote, chatsync.WithChannel(wh))
func (w *WebhookChannel) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeWebhookJSON(rw, statusCode, data)
	})
}

func writeWebhookJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
