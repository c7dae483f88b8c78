// Package chatsync keeps a client-side cache of chat conversations,
// participants and messages in step with a remote store.
//
// Mutations are written to the cache immediately with a placeholder identity,
// then confirmed or rolled back once the remote call returns. Every settled
// mutation and every realtime notification invalidates the affected cache
// entries, and the next read refetches them, so the cache converges to what
// the backend holds.
//
// Example:
//
//	remote := chatsync.NewHTTPRemote("http://localhost:8080")
//	client := chatsync.New(remote, chatsync.WithChannel(chatsync.NewWSChannel("http://localhost:8080", nil)))
//	defer client.Close()
//
//	stop := client.Subscribe(ctx, chatsync.ConversationScope(convID))
//	defer stop()
//
//	p := client.Messages.Send(ctx, chatsync.NewMessage{ConversationID: convID, SenderID: "alice", Content: "hi"})
//	msgs, _ := client.Messages.List(ctx, convID) // already holds the placeholder
//	msg, err := p.Wait(ctx)                      // confirmed, or rolled back with err
package chatsync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

// Client is the entry point used by UI code. It owns the cache store, the
// realtime listener and one sub-client per entity.
type Client struct {
	emitter

	remote   Remote
	channel  Channel
	store    *Store
	listener *Listener
	log      zerolog.Logger

	staleTime  time.Duration
	registerer prometheus.Registerer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	Conversations *ConversationsClient
	Participants  *ParticipantsClient
	Messages      *MessagesClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithChannel sets the realtime channel used by Subscribe.
func WithChannel(ch Channel) ClientOption {
	return func(c *Client) { c.channel = ch }
}

// WithLogger sets the logger shared by the client, its store and listener.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithMetrics registers the cache metrics on reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.registerer = reg }
}

// WithCacheStaleTime makes cached entries stale after d.
func WithCacheStaleTime(d time.Duration) ClientOption {
	return func(c *Client) { c.staleTime = d }
}

// New creates a client backed by remote.
func New(remote Remote, opts ...ClientOption) *Client {
	c := &Client{
		emitter: emitter{listeners: make(map[string][]EventHandler)},
		remote:  remote,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = NewStore(FetcherFunc(c.fetch),
		WithStoreLogger(c.log.With().Str("component", "store").Logger()),
		WithStaleTime(c.staleTime),
		WithRegisterer(c.registerer),
	)
	c.listener = NewListener(c.channel, c.store, c.log.With().Str("component", "listener").Logger())
	c.listener.onInvalidate = func(n Notification, keys []Key) {
		c.emit(EventInvalidated, InvalidationEvent{Notification: n, Keys: keys})
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Participants = &ParticipantsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// Subscribe starts listening for remote inserts under scope and returns the
// function that stops it. Subscribing twice to the same scope shares one
// channel subscription.
func (c *Client) Subscribe(ctx context.Context, scope Scope) func() {
	return c.listener.Subscribe(ctx, scope)
}

// Store returns the cache store for introspection.
func (c *Client) Store() *Store { return c.store }

// Close waits for in-flight mutations, drops subscriptions and stops the cache.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	c.listener.Close()
	c.store.Close()
	c.removeAll()
}

// track counts a background mutation against Close. It reports false once
// the client is closed.
func (c *Client) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// fetch loads one key from the remote store.
func (c *Client) fetch(ctx context.Context, key Key) (any, error) {
	switch key.Kind {
	case KindConversations:
		return c.remote.ListConversations(ctx, key.Profile)

	case KindConversation:
		if key.Conversation.IsPlaceholder() {
			return nil, fmt.Errorf("conversation %s: %w", key.Conversation, ErrNotFound)
		}
		return c.remote.GetConversation(ctx, key.Conversation)

	case KindParticipants:
		if key.Conversation.IsPlaceholder() {
			return []Participant{}, nil
		}
		return c.remote.ListParticipants(ctx, key.Conversation)

	case KindMessages:
		if key.Conversation.IsPlaceholder() {
			return []Message{}, nil
		}
		return c.remote.ListMessages(ctx, MessageFilter{ConversationID: key.Conversation})

	case KindUnread:
		if key.Conversation.IsPlaceholder() {
			return []Message{}, nil
		}
		return c.remote.ListMessages(ctx, MessageFilter{ConversationID: key.Conversation, UnreadBy: key.Profile})
	}
	return nil, fmt.Errorf("chatsync: no fetcher for key %s", key)
}

// ============================================================================
// Typed reads
// ============================================================================

// readList returns a copy of the list cached under key, loading it when
// missing. Stale lists are returned as-is while a refetch runs.
func readList[T any](ctx context.Context, s *Store, key Key) ([]T, error) {
	v, err := s.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]T)
	if !ok && v != nil {
		return nil, fmt.Errorf("chatsync: unexpected value %T under %s", v, key)
	}
	return slices.Clone(list), nil
}

// peekList returns the cached list under key without blocking.
func peekList[T any](s *Store, key Key) ([]T, bool) {
	l := s.Get(key)
	if !l.Found {
		return nil, false
	}
	list, _ := l.Value.([]T)
	return slices.Clone(list), true
}
