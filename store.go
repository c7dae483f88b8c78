package chatsync

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Fetcher
// ============================================================================

// Fetcher loads the authoritative value of a key from the remote store.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key Key) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, key Key) (any, error) { return f(ctx, key) }

// ============================================================================
// Entries
// ============================================================================

// Entry is a copy of a cache entry. Values are treated as immutable: every
// write replaces the value instead of modifying it.
type Entry struct {
	Value     any
	Stale     bool
	FetchedAt time.Time
}

type entry struct {
	Entry
	// version moves on every write, invalidation and restore. A fetch only
	// lands if the version it started from is still current.
	version uint64
}

// Lookup is the result of a non-blocking read.
type Lookup struct {
	Value any
	Found bool
	Stale bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used by the store.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithStaleTime makes entries stale once they are older than d. Zero keeps
// entries fresh until invalidated.
func WithStaleTime(d time.Duration) StoreOption {
	return func(s *Store) { s.staleTime = d }
}

// WithRegisterer registers the cache metrics on reg.
func WithRegisterer(reg prometheus.Registerer) StoreOption {
	return func(s *Store) { s.registerer = reg }
}

// ============================================================================
// Store
// ============================================================================

// Store is a keyed cache of query results with stale-while-revalidate reads.
// It is safe for concurrent use. Cache operations never block on I/O.
type Store struct {
	fetcher    Fetcher
	log        zerolog.Logger
	staleTime  time.Duration
	registerer prometheus.Registerer
	metrics    *storeMetrics
	now        func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	clock   uint64
	closed  bool
	// overlays of mutations still in flight, in apply order.
	overlays []*overlay

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store that loads missing and stale keys with fetcher.
func NewStore(fetcher Fetcher, opts ...StoreOption) *Store {
	s := &Store{
		fetcher: fetcher,
		log:     zerolog.Nop(),
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newStoreMetrics(s.registerer, s.log)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Get returns the cached value of key without blocking. Missing and stale
// keys trigger one background refetch; until it lands a stale key keeps
// returning its last known value.
func (s *Store) Get(key Key) Lookup {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && !s.staleLocked(e) {
		v := e.Value
		s.mu.Unlock()
		s.metrics.hits.Inc()
		return Lookup{Value: v, Found: true}
	}
	var l Lookup
	if ok {
		l = Lookup{Value: e.Value, Found: true, Stale: true}
	}
	if !s.closed {
		s.revalidateLocked(key)
	}
	s.mu.Unlock()

	s.metrics.misses.Inc()
	return l
}

// Peek returns a copy of the entry under key. Unlike Get it never schedules a
// refetch.
func (s *Store) Peek(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	out := e.Entry
	out.Stale = s.staleLocked(e)
	return out, true
}

// Fetch returns the cached value of key, blocking on the remote store only
// when nothing is cached yet.
func (s *Store) Fetch(ctx context.Context, key Key) (any, error) {
	if l := s.Get(key); l.Found {
		return l.Value, nil
	}
	return s.Refetch(ctx, key)
}

// Refetch loads key from the remote store and waits for the result.
// Concurrent refetches of the same key share a single remote call.
func (s *Store) Refetch(ctx context.Context, key Key) (any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	ch := s.group.DoChan(key.String(), func() (any, error) { return s.load(key) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write stores a fresh value for key.
func (s *Store) Write(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.entries[key] = &entry{
		Entry:   Entry{Value: value, FetchedAt: s.now()},
		version: s.clock,
	}
}

// Invalidate marks every entry matched by keys stale. It does not fetch; the
// next read of each entry does. It returns the number of entries marked.
func (s *Store) Invalidate(keys ...Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	seen := make(map[Key]struct{})
	for _, k := range keys {
		for _, mk := range s.matchLocked(k) {
			if _, dup := seen[mk]; dup {
				continue
			}
			seen[mk] = struct{}{}
			e := s.entries[mk]
			e.Stale = true
			s.clock++
			e.version = s.clock
			n++
		}
	}
	s.metrics.invalidations.Add(float64(n))
	if n > 0 {
		s.log.Debug().Int("entries", n).Msg("cache_invalidated")
	}
	return n
}

// Keys returns the keys currently cached, sorted.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[Key]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Entry
	}
	return out
}

// WaitIdle blocks until every background refetch has finished.
func (s *Store) WaitIdle() {
	s.wg.Wait()
}

// Close cancels background refetches and waits for them to return.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// revalidateLocked starts a background refetch of key. Holding mu keeps the
// wait group from growing once Close has started waiting.
func (s *Store) revalidateLocked(key Key) {
	s.wg.Add(1)
	ch := s.group.DoChan(key.String(), func() (any, error) { return s.load(key) })
	go func() {
		defer s.wg.Done()
		<-ch
	}()
}

func (s *Store) load(key Key) (any, error) {
	s.mu.Lock()
	var start uint64
	if e, ok := s.entries[key]; ok {
		start = e.version
	}
	s.mu.Unlock()

	s.metrics.refetches.Inc()
	value, err := s.fetcher.Fetch(s.ctx, key)
	if err != nil {
		s.metrics.refetchErrors.Inc()
		s.log.Warn().Err(err).Str("key", key.String()).Msg("refetch_failed")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return value, nil
	}
	e, ok := s.entries[key]
	switch {
	case ok && e.version != start:
		s.metrics.superseded.Inc()
		s.log.Debug().Str("key", key.String()).Msg("refetch_superseded")
		return e.Value, nil
	case !ok && start != 0:
		// Evicted while in flight; do not resurrect it.
		s.metrics.superseded.Inc()
		return value, nil
	}
	now := s.now()
	value, keep := s.overlayLocked(key, Entry{Value: value, FetchedAt: now})
	if !keep {
		return value, nil
	}
	s.clock++
	s.entries[key] = &entry{
		Entry:   Entry{Value: value, FetchedAt: now},
		version: s.clock,
	}
	return value, nil
}

// overlayLocked applies the pending mutations covering key to a freshly
// loaded value. It reports false when one of them removes the entry.
func (s *Store) overlayLocked(key Key, fetched Entry) (any, bool) {
	value := fetched.Value
	for _, o := range s.overlays {
		if !o.pattern.Matches(key) {
			continue
		}
		next, op := o.apply(key, value)
		switch op {
		case OpWrite:
			o.tok.rememberLoaded(key, Entry{Value: value, FetchedAt: fetched.FetchedAt})
			value = next
		case OpEvict:
			return fetched.Value, false
		}
	}
	return value, true
}

func (s *Store) dropOverlaysLocked(tok *RollbackToken) {
	s.overlays = slices.DeleteFunc(s.overlays, func(o *overlay) bool { return o.tok == tok })
}

func (s *Store) staleLocked(e *entry) bool {
	if e.Stale {
		return true
	}
	return s.staleTime > 0 && s.now().Sub(e.FetchedAt) > s.staleTime
}

// matchLocked returns the cached keys covered by pattern, sorted.
func (s *Store) matchLocked(pattern Key) []Key {
	if pattern.Exact() {
		if _, ok := s.entries[pattern]; ok {
			return []Key{pattern}
		}
		return nil
	}
	var out []Key
	for k := range s.entries {
		if pattern.Matches(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// putLocked replaces the value of key, keeping its freshness. A missing key is
// created fresh.
func (s *Store) putLocked(key Key, value any) {
	s.clock++
	if e, ok := s.entries[key]; ok {
		e.Value = value
		e.version = s.clock
		return
	}
	s.entries[key] = &entry{
		Entry:   Entry{Value: value, FetchedAt: s.now()},
		version: s.clock,
	}
}

func (s *Store) evictLocked(key Key) {
	delete(s.entries, key)
}

func (s *Store) restoreLocked(key Key, prior Entry, present bool) {
	if !present {
		delete(s.entries, key)
		return
	}
	s.clock++
	s.entries[key] = &entry{Entry: prior, version: s.clock}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
