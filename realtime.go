package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Wire types
// ============================================================================

// Notification types pushed by a realtime channel.
const (
	// NotifyInserted reports a new row under a scope.
	NotifyInserted = "row.inserted"
	// NotifyResync is produced locally after a transport reconnects; events
	// may have been missed while it was down.
	NotifyResync = "channel.resync"
)

// Tables that can appear in a notification.
const (
	TableConversations = "conversations"
	TableParticipants  = "participants"
	TableMessages      = "messages"
)

// ScopeKind is what a realtime subscription is keyed by.
type ScopeKind string

const (
	ScopeConversation ScopeKind = "conversation"
	ScopeProfile      ScopeKind = "profile"
)

// Scope names the rows a realtime subscription receives.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// ConversationScope receives inserts inside conversation id.
func ConversationScope(id ID) Scope { return Scope{Kind: ScopeConversation, ID: id.Value()} }

// ProfileScope receives inserts that concern profileID.
func ProfileScope(profileID string) Scope { return Scope{Kind: ScopeProfile, ID: profileID} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// ParseScope parses the form produced by Scope.String.
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
	switch ScopeKind(kind) {
	case ScopeConversation, ScopeProfile:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}

// Notification is one push event.
type Notification struct {
	Type           string          `json:"type"`
	Scope          Scope           `json:"scope"`
	Table          string          `json:"table,omitempty"`
	ConversationID ID              `json:"conversation_id"`
	Row            json.RawMessage `json:"row,omitempty"`
}

// Envelope is the wire format of every server-to-client realtime frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame (WebSocket only).
type Command struct {
	Type      string `json:"type"`
	Scope     *Scope `json:"scope,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// PongPayload answers a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// ErrorPayload is sent when the server rejects a command.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a push subscription transport. Handlers may be called from any
// goroutine.
type Channel interface {
	Subscribe(ctx context.Context, scope Scope, handler func(Notification)) (Subscription, error)
}

// Subscription is one physical subscription returned by a Channel.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error { return f() }

// ============================================================================
// Transport configuration
// ============================================================================

// RealtimeConfig configures the network channels.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

// DefaultRealtimeConfig reconnects automatically and logs nothing.
func DefaultRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{AutoReconnect: true, Logger: zerolog.Nop()}
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState is the connection state of a network channel.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// Listener
// ============================================================================

type listenerSub struct {
	refs int
	sub  Subscription
	// ready is closed when the open in progress finishes.
	ready chan struct{}
}

// Listener keeps one channel subscription per scope, shared by every caller
// watching that scope, and turns notifications into cache invalidations. It
// never writes entity content into the cache.
type Listener struct {
	channel Channel
	store   *Store
	log     zerolog.Logger

	// onInvalidate is called after each handled notification.
	onInvalidate func(Notification, []Key)

	mu     sync.Mutex
	subs   map[Scope]*listenerSub
	closed bool
}

// NewListener creates a listener invalidating store. A nil channel makes
// Subscribe a no-op.
func NewListener(channel Channel, store *Store, log zerolog.Logger) *Listener {
	return &Listener{
		channel: channel,
		store:   store,
		log:     log,
		subs:    make(map[Scope]*listenerSub),
	}
}

// Subscribe registers interest in scope and returns the function that
// releases it. The physical subscription is opened by the first caller and
// closed when the last one releases it; callers arriving while it opens wait
// for it instead of opening another. Failures to subscribe are logged and
// retried by the next Subscribe for the scope.
func (l *Listener) Subscribe(ctx context.Context, scope Scope) func() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}
	s, ok := l.subs[scope]
	if !ok {
		s = &listenerSub{}
		l.subs[scope] = s
	}
	s.refs++
	var ready chan struct{}
	opener := false
	if s.sub == nil && l.channel != nil {
		if s.ready == nil {
			s.ready = make(chan struct{})
			opener = true
		}
		ready = s.ready
	}
	l.mu.Unlock()

	switch {
	case opener:
		l.open(ctx, scope, s, ready)
	case ready != nil:
		select {
		case <-ready:
		case <-ctx.Done():
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(scope) })
	}
}

// open runs outside the lock. If s was released or the listener closed in
// the meantime, the new subscription is closed again.
func (l *Listener) open(ctx context.Context, scope Scope, s *listenerSub, ready chan struct{}) {
	defer close(ready)
	sub, err := l.channel.Subscribe(ctx, scope, func(n Notification) { l.handle(scope, n) })

	l.mu.Lock()
	if s.ready == ready {
		s.ready = nil
	}
	if err != nil {
		l.mu.Unlock()
		l.log.Warn().Err(err).Str("scope", scope.String()).Msg("realtime_subscribe_failed")
		return
	}
	if l.subs[scope] != s || l.closed {
		l.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.sub = sub
	l.mu.Unlock()
	l.log.Debug().Str("scope", scope.String()).Msg("realtime_subscribed")
}

func (l *Listener) release(scope Scope) {
	l.mu.Lock()
	s, ok := l.subs[scope]
	if !ok {
		l.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		l.mu.Unlock()
		return
	}
	delete(l.subs, scope)
	sub := s.sub
	l.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			l.log.Warn().Err(err).Str("scope", scope.String()).Msg("realtime_unsubscribe_failed")
		}
	}
	l.log.Debug().Str("scope", scope.String()).Msg("realtime_unsubscribed")
}

// Scopes returns the scopes with at least one subscriber, sorted.
func (l *Listener) Scopes() []Scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Scope, 0, len(l.subs))
	for s := range l.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Close drops every subscription.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = make(map[Scope]*listenerSub)
	l.mu.Unlock()

	for scope, s := range subs {
		if s.sub == nil {
			continue
		}
		if err := s.sub.Close(); err != nil {
			l.log.Warn().Err(err).Str("scope", scope.String()).Msg("realtime_unsubscribe_failed")
		}
	}
}

func (l *Listener) handle(scope Scope, n Notification) {
	if n.Scope.Kind == "" {
		n.Scope = scope
	}
	keys := NotificationKeys(n)
	count := l.store.Invalidate(keys...)
	l.log.Debug().
		Str("scope", scope.String()).
		Str("type", n.Type).
		Str("table", n.Table).
		Int("entries", count).
		Msg("realtime_invalidated")
	if l.onInvalidate != nil {
		l.onInvalidate(n, keys)
	}
}

// NotificationKeys derives the cache keys a notification makes stale.
func NotificationKeys(n Notification) []Key {
	var profiles []string
	conv := n.ConversationID
	switch n.Scope.Kind {
	case ScopeProfile:
		profiles = []string{n.Scope.ID}
	case ScopeConversation:
		if conv.IsZero() {
			conv = Confirmed(n.Scope.ID)
		}
	}

	if n.Type == NotifyResync {
		if n.Scope.Kind == ScopeProfile {
			return []Key{ConversationsKey(n.Scope.ID), {Kind: KindUnread, Profile: n.Scope.ID}}
		}
		return []Key{ConversationKey(conv), ParticipantsKey(conv), MessagesKey(conv), UnreadKey("", conv)}
	}

	switch n.Table {
	case TableConversations:
		return DeriveKeys(Descriptor{Entity: EntityConversation, EntityID: conv, ProfileIDs: profiles})
	case TableParticipants:
		if conv.IsZero() {
			var p Participant
			if json.Unmarshal(n.Row, &p) == nil {
				conv = p.ConversationID
			}
		}
		return DeriveKeys(Descriptor{Entity: EntityParticipant, ConversationID: conv, ProfileIDs: profiles})
	default:
		if conv.IsZero() {
			var m Message
			if json.Unmarshal(n.Row, &m) == nil {
				conv = m.ConversationID
			}
		}
		keys := DeriveKeys(Descriptor{Entity: EntityMessage, ConversationID: conv, ReadStateChanged: true})
		for _, p := range profiles {
			keys = append(keys, ConversationsKey(p))
			if conv.IsZero() {
				keys = append(keys, Key{Kind: KindUnread, Profile: p})
			}
		}
		return keys
	}
}

// ============================================================================
// MemoryChannel
// ============================================================================

// MemoryChannel is an in-process Channel. Publish delivers synchronously.
type MemoryChannel struct {
	mu     sync.Mutex
	nextID int
	subs   map[Scope]map[int]func(Notification)
	opened map[Scope]int
	// FailSubscribe, when set, is returned by the next Subscribe call.
	FailSubscribe error
}

// NewMemoryChannel returns an empty channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs:   make(map[Scope]map[int]func(Notification)),
		opened: make(map[Scope]int),
	}
}

func (m *MemoryChannel) Subscribe(_ context.Context, scope Scope, handler func(Notification)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailSubscribe; err != nil {
		m.FailSubscribe = nil
		return nil, err
	}
	m.nextID++
	id := m.nextID
	if m.subs[scope] == nil {
		m.subs[scope] = make(map[int]func(Notification))
	}
	m.subs[scope][id] = handler
	m.opened[scope]++

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[scope], id)
			if len(m.subs[scope]) == 0 {
				delete(m.subs, scope)
			}
			m.mu.Unlock()
		})
		return nil
	}), nil
}

// Publish delivers n to every subscriber of n.Scope and reports how many
// received it.
func (m *MemoryChannel) Publish(n Notification) int {
	if n.Type == "" {
		n.Type = NotifyInserted
	}
	m.mu.Lock()
	handlers := make([]func(Notification), 0, len(m.subs[n.Scope]))
	for _, h := range m.subs[n.Scope] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
	return len(handlers)
}

// Active returns the number of open subscriptions for scope.
func (m *MemoryChannel) Active(scope Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[scope])
}

// Opened returns how many subscriptions were ever opened for scope.
func (m *MemoryChannel) Opened(scope Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[scope]
}

var errNotConnected = errors.New("chatsync: realtime channel not connected")
