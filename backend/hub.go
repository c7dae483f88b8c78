package backend

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
)

// subscriber is one push connection. Frames are dropped when it falls behind;
// the client resyncs through invalidation and refetch anyway.
type subscriber struct {
	send chan []byte
	once sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{send: make(chan []byte, 64)}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans notifications out to the push connections subscribed to their
// scope.
type Hub struct {
	log     zerolog.Logger
	metrics *serverMetrics

	mu     sync.RWMutex
	scopes map[chatsync.Scope]map[*subscriber]struct{}
}

func newHub(log zerolog.Logger, metrics *serverMetrics) *Hub {
	return &Hub{
		log:     log,
		metrics: metrics,
		scopes:  make(map[chatsync.Scope]map[*subscriber]struct{}),
	}
}

func (h *Hub) subscribe(scope chatsync.Scope, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scopes[scope] == nil {
		h.scopes[scope] = make(map[*subscriber]struct{})
	}
	h.scopes[scope][sub] = struct{}{}
	h.metrics.subscriptions.Inc()
}

func (h *Hub) unsubscribe(scope chatsync.Scope, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.scopes[scope][sub]; !ok {
		return
	}
	delete(h.scopes[scope], sub)
	if len(h.scopes[scope]) == 0 {
		delete(h.scopes, scope)
	}
	h.metrics.subscriptions.Dec()
}

// drop removes sub from every scope.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	for scope, subs := range h.scopes {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			h.metrics.subscriptions.Dec()
			if len(subs) == 0 {
				delete(h.scopes, scope)
			}
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish sends n to every subscriber of n.Scope.
func (h *Hub) Publish(n chatsync.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.log.Error().Err(err).Msg("notification_marshal_failed")
		return
	}
	frame, _ := json.Marshal(chatsync.Envelope{Type: chatsync.NotifyInserted, Payload: payload})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.scopes[n.Scope] {
		select {
		case sub.send <- frame:
			h.metrics.pushed.Inc()
		default:
			h.metrics.dropped.Inc()
			h.log.Warn().Str("scope", n.Scope.String()).Msg("push_dropped_slow_subscriber")
		}
	}
}

// Subscribers returns the number of subscribers of scope.
func (h *Hub) Subscribers(scope chatsync.Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes[scope])
}

func envelope(typ string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	frame, _ := json.Marshal(chatsync.Envelope{Type: typ, Payload: raw})
	return frame
}
