package chatsync

import "sync"

// Lifecycle events emitted by a Client.
const (
	EventApplied     = "mutation.applied"
	EventReconciled  = "mutation.reconciled"
	EventRolledBack  = "mutation.rolled_back"
	EventSettled     = "mutation.settled"
	EventInvalidated = "realtime.invalidated"
)

// MutationEvent is the payload of the mutation.* events.
type MutationEvent struct {
	Op   string
	Kind MutationKind
	Keys []Key
	Err  error
}

// InvalidationEvent is the payload of realtime.invalidated.
type InvalidationEvent struct {
	Notification Notification
	Keys         []Key
}

// EventHandler handles client events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
