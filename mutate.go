package chatsync

import (
	"sync"
)

// MutationKind is the shape of an optimistic change.
type MutationKind int

const (
	MutationAdd MutationKind = iota + 1
	MutationUpdate
	MutationRemove
)

func (k MutationKind) String() string {
	switch k {
	case MutationAdd:
		return "add"
	case MutationUpdate:
		return "update"
	case MutationRemove:
		return "remove"
	}
	return "unknown"
}

// EntryOp tells the mutator what to do with one cache entry.
type EntryOp int

const (
	OpKeep EntryOp = iota
	OpWrite
	OpEvict
)

// EntityAdapter teaches the generic mutation primitives how one entity type
// lives inside the cache. Implementations must not modify current values;
// they return new ones.
type EntityAdapter[T any] interface {
	// Keys derives the keys affected by kind applied to item.
	Keys(item T, kind MutationKind) []Key
	// Apply computes the new value of one cached entry.
	Apply(key Key, current any, kind MutationKind, item T) (any, EntryOp)
	// Seed returns the value for a missing exact key when item is added.
	Seed(key Key, item T) (any, bool)
	// Replace swaps placeholder for server inside one cached entry. It
	// reports OpKeep when placeholder is not there.
	Replace(key Key, current any, placeholder, server T) (any, EntryOp)
}

// ============================================================================
// Rollback token
// ============================================================================

type snapshot struct {
	entry   Entry
	present bool
}

// overlay re-applies a pending mutation to values loaded while it is in
// flight, so a refetch cannot hide it.
type overlay struct {
	pattern Key
	tok     *RollbackToken
	apply   func(key Key, current any) (any, EntryOp)
}

// RollbackToken holds the entries an optimistic write replaced. It is
// consumed at most once, by Discard or by Rollback.
type RollbackToken struct {
	store *Store

	mu     sync.Mutex
	keys   []Key
	prior  map[Key]snapshot
	loaded map[Key]bool
	used   bool
}

func newRollbackToken(s *Store) *RollbackToken {
	return &RollbackToken{store: s, prior: make(map[Key]snapshot), loaded: make(map[Key]bool)}
}

func (t *RollbackToken) remember(key Key, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.prior[key]; ok {
		return
	}
	snap := snapshot{}
	if e != nil {
		snap = snapshot{entry: e.Entry, present: true}
	}
	t.prior[key] = snap
	t.keys = append(t.keys, key)
}

// rememberLoaded records what a refetch brought in before the overlay of t
// was applied to it. Later refetches replace the record.
func (t *RollbackToken) rememberLoaded(key Key, fetched Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.prior[key]; ok && !t.loaded[key] {
		return
	}
	if _, ok := t.prior[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.prior[key] = snapshot{entry: fetched, present: true}
	t.loaded[key] = true
}

func (t *RollbackToken) touched(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.prior[key]
	return ok
}

// Keys returns the keys the optimistic write touched.
func (t *RollbackToken) Keys() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Key(nil), t.keys...)
}

func (t *RollbackToken) consume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used {
		return false
	}
	t.used = true
	return true
}

// Discard consumes the token without restoring anything.
func (t *RollbackToken) Discard() bool {
	if !t.consume() {
		return false
	}
	s := t.store
	s.mu.Lock()
	s.dropOverlaysLocked(t)
	s.mu.Unlock()
	return true
}

// Rollback writes every snapshot back verbatim. Entries written by other
// mutations since the optimistic write are overwritten as well.
func (t *RollbackToken) Rollback() bool {
	if !t.consume() {
		return false
	}
	s := t.store
	s.mu.Lock()
	s.dropOverlaysLocked(t)
	t.mu.Lock()
	n := len(t.keys)
	for _, k := range t.keys {
		snap := t.prior[k]
		s.restoreLocked(k, snap.entry, snap.present)
	}
	t.mu.Unlock()
	s.mu.Unlock()
	s.metrics.rollbacks.Inc()
	s.log.Debug().Int("entries", n).Msg("optimistic_rolled_back")
	return true
}

// ============================================================================
// Mutation primitives
// ============================================================================

// Apply writes kind applied to item into every affected cache entry and
// returns the token able to undo it. It performs no I/O. Until the token is
// consumed, values loaded for the affected keys get the change re-applied,
// including keys that were not cached yet.
func Apply[T any](s *Store, a EntityAdapter[T], kind MutationKind, item T) *RollbackToken {
	tok := newRollbackToken(s)
	s.mu.Lock()
	for _, k := range a.Keys(item, kind) {
		s.overlays = append(s.overlays, &overlay{
			pattern: k,
			tok:     tok,
			apply: func(key Key, current any) (any, EntryOp) {
				return a.Apply(key, current, kind, item)
			},
		})
		matched := s.matchLocked(k)
		if len(matched) == 0 && kind == MutationAdd && k.Exact() {
			if v, ok := a.Seed(k, item); ok {
				tok.remember(k, nil)
				s.putLocked(k, v)
			}
			continue
		}
		for _, mk := range matched {
			if tok.touched(mk) {
				continue
			}
			e := s.entries[mk]
			next, op := a.Apply(mk, e.Value, kind, item)
			switch op {
			case OpWrite:
				tok.remember(mk, e)
				s.putLocked(mk, next)
			case OpEvict:
				tok.remember(mk, e)
				s.evictLocked(mk)
			}
		}
	}
	s.mu.Unlock()
	s.metrics.optimistic.Inc()
	s.log.Debug().Str("kind", kind.String()).Int("entries", len(tok.Keys())).Msg("optimistic_applied")
	return tok
}

// Reconcile replaces placeholder with server in every entry that still holds
// it, in place, without leaving a copy under either identity. It reports
// false when the placeholder was already gone, which is not an error: a
// refetch has superseded it.
func Reconcile[T any](s *Store, a EntityAdapter[T], placeholder, server T) bool {
	keys := append(a.Keys(placeholder, MutationAdd), a.Keys(server, MutationAdd)...)
	hit := false
	var evicted []KeyKind

	s.mu.Lock()
	done := make(map[Key]struct{})
	for _, k := range keys {
		for _, mk := range s.matchLocked(k) {
			if _, ok := done[mk]; ok {
				continue
			}
			done[mk] = struct{}{}
			next, op := a.Replace(mk, s.entries[mk].Value, placeholder, server)
			switch op {
			case OpWrite:
				s.putLocked(mk, next)
				hit = true
			case OpEvict:
				s.evictLocked(mk)
				evicted = append(evicted, mk.Kind)
				hit = true
			}
		}
	}
	// A single-entity entry cached under the placeholder identity moves to
	// the server identity.
	for _, kind := range evicted {
		for _, k := range a.Keys(server, MutationAdd) {
			if k.Kind != kind || !k.Exact() {
				continue
			}
			if _, ok := s.entries[k]; ok {
				continue
			}
			if v, ok := a.Seed(k, server); ok {
				s.putLocked(k, v)
			}
		}
	}
	s.mu.Unlock()

	if !hit {
		s.metrics.reconcileMisses.Inc()
		s.log.Debug().Msg("reconcile_miss")
	}
	return hit
}

// ============================================================================
// Collection helpers
// ============================================================================

// listOf returns current as a []T, or nil when it holds something else.
func listOf[T any](current any) []T {
	list, _ := current.([]T)
	return list
}

func indexOf[T any](list []T, identity func(T) string, id string) int {
	for i, item := range list {
		if identity(item) == id {
			return i
		}
	}
	return -1
}

// upsert appends item, or replaces the element with the same identity.
func upsert[T any](list []T, item T, identity func(T) string) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, list...)
	if i := indexOf(out, identity, identity(item)); i >= 0 {
		out[i] = item
		return out
	}
	return append(out, item)
}

// mergeInto merges item into the element with the same identity.
func mergeInto[T any](list []T, item T, identity func(T) string, merge func(old, patch T) T) ([]T, bool) {
	i := indexOf(list, identity, identity(item))
	if i < 0 {
		return list, false
	}
	out := append([]T(nil), list...)
	out[i] = merge(out[i], item)
	return out, true
}

// without filters out the element with id.
func without[T any](list []T, identity func(T) string, id string) ([]T, bool) {
	if indexOf(list, identity, id) < 0 {
		return list, false
	}
	out := make([]T, 0, len(list))
	for _, item := range list {
		if identity(item) != id {
			out = append(out, item)
		}
	}
	return out, true
}

// swap puts server where placeholder was and drops any other copy of server.
func swap[T any](list []T, placeholder, server T, identity func(T) string) ([]T, bool) {
	pid, sid := identity(placeholder), identity(server)
	i := indexOf(list, identity, pid)
	if i < 0 {
		return list, false
	}
	out := make([]T, 0, len(list))
	for j, item := range list {
		switch {
		case j == i:
			out = append(out, server)
		case identity(item) == sid || identity(item) == pid:
		default:
			out = append(out, item)
		}
	}
	return out, true
}
