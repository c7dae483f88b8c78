// Package backend is a reference chat backend for chatsync clients: a pebble
// backed store, a JSON REST API and websocket/SSE/webhook push of inserts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
)

// ErrInvalid is returned for requests missing required fields.
var ErrInvalid = errors.New("invalid input")

// Notifier receives a notification for every committed insert.
type Notifier func(chatsync.Notification)

// Key layout:
//
//	conv:<conv>                     conversation
//	conv_client:<client_id>         conversation id for an idempotent create
//	part:<conv>:<profile>           participant
//	member:<profile>:<conv>         reverse index of part
//	msg:<conv>:<ts>-<seq>           message, in insertion order
//	msg_id:<msg>                    key of the message row
//	msg_client:<client_id>          message id for an idempotent insert
const (
	prefixConv       = "conv:"
	prefixConvClient = "conv_client:"
	prefixPart       = "part:"
	prefixMember     = "member:"
	prefixMsg        = "msg:"
	prefixMsgID      = "msg_id:"
	prefixMsgClient  = "msg_client:"
)

// Store persists conversations, participants and messages in pebble. It
// implements chatsync.Remote.
type Store struct {
	db  *pebble.DB
	log zerolog.Logger
	now func() time.Time
	seq uint64

	// mu serializes read-modify-write sequences.
	mu        sync.Mutex
	notifyMu  sync.RWMutex
	notifiers []Notifier
}

// Open opens (or creates) a store under dir. An empty dir keeps everything
// in memory.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	opts := &pebble.Options{}
	path := dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = "chatsync"
	}
	log.Info().Str("path", dir).Bool("memory", dir == "").Msg("opening_pebble_db")
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error().Err(err).Str("path", dir).Msg("pebble_open_failed")
		return nil, err
	}
	log.Info().Str("path", dir).Msg("pebble_opened")
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	s.log.Info().Msg("pebble_closed")
	return nil
}

// Notify registers fn to be called after every committed insert.
func (s *Store) Notify(fn Notifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifiers = append(s.notifiers, fn)
}

func (s *Store) publish(n chatsync.Notification) {
	n.Type = chatsync.NotifyInserted
	s.notifyMu.RLock()
	notifiers := slices.Clone(s.notifiers)
	s.notifyMu.RUnlock()
	for _, fn := range notifiers {
		fn(n)
	}
}

// publishAll sends n to the conversation scope and to each profile scope.
func (s *Store) publishAll(n chatsync.Notification, profiles []string) {
	n.Scope = chatsync.ConversationScope(n.ConversationID)
	s.publish(n)
	for _, p := range profiles {
		n.Scope = chatsync.ProfileScope(p)
		s.publish(n)
	}
}

// ============================================================================
// Low-level helpers
// ============================================================================

func (s *Store) getJSON(key string, v any) error {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return chatsync.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *Store) getString(key string) (string, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", chatsync.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}

// scan calls fn with every key/value under prefix, in key order.
func (s *Store) scan(prefix string, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(prefix)) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

type batch struct {
	b   *pebble.Batch
	err error
}

func (s *Store) newBatch() *batch { return &batch{b: s.db.NewBatch()} }

func (b *batch) setJSON(key string, v any) {
	if b.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.err = err
		return
	}
	b.err = b.b.Set([]byte(key), data, nil)
}

func (b *batch) setString(key, v string) {
	if b.err == nil {
		b.err = b.b.Set([]byte(key), []byte(v), nil)
	}
}

func (b *batch) delete(key string) {
	if b.err == nil {
		b.err = b.b.Delete([]byte(key), nil)
	}
}

func (b *batch) commit() error {
	defer b.b.Close()
	if b.err != nil {
		return b.err
	}
	return b.b.Commit(pebble.Sync)
}

func (s *Store) nextMessageKey(conv chatsync.ID) string {
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%s%s:%020d-%06d", prefixMsg, conv.Value(), s.now().UnixNano(), n%1000000)
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Store) ListConversations(_ context.Context, profileID string) ([]chatsync.Conversation, error) {
	if profileID == "" {
		return nil, fmt.Errorf("profile id: %w", ErrInvalid)
	}
	out := []chatsync.Conversation{}
	err := s.scan(prefixMember+profileID+":", func(key, _ []byte) error {
		id := strings.TrimPrefix(string(key), prefixMember+profileID+":")
		var c chatsync.Conversation
		if err := s.getJSON(prefixConv+id, &c); err != nil {
			if errors.Is(err, chatsync.ErrNotFound) {
				return nil
			}
			return err
		}
		out = append(out, c)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

func (s *Store) GetConversation(_ context.Context, id chatsync.ID) (chatsync.Conversation, error) {
	var c chatsync.Conversation
	if err := s.getJSON(prefixConv+id.Value(), &c); err != nil {
		return chatsync.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return c, nil
}

// CreateConversation stores c under a new id. A repeated ClientID returns the
// conversation created the first time.
func (s *Store) CreateConversation(ctx context.Context, c chatsync.Conversation) (chatsync.Conversation, error) {
	if c.CreatorID == "" {
		return chatsync.Conversation{}, fmt.Errorf("creator id: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ClientID != "" {
		if id, err := s.getString(prefixConvClient + c.ClientID); err == nil {
			return s.GetConversation(ctx, chatsync.Confirmed(id))
		}
	}

	c.ID = chatsync.Confirmed(uuid.NewString())
	c.UpdatedAt = s.now()
	if !c.IsGroup {
		c.Title = nil
	}
	b := s.newBatch()
	b.setJSON(prefixConv+c.ID.Value(), c)
	if c.ClientID != "" {
		b.setString(prefixConvClient+c.ClientID, c.ID.Value())
	}
	if err := b.commit(); err != nil {
		return chatsync.Conversation{}, err
	}
	s.log.Debug().Str("conversation", c.ID.Value()).Msg("conversation_created")
	return c, nil
}

func (s *Store) UpdateConversation(_ context.Context, c chatsync.Conversation) (chatsync.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur chatsync.Conversation
	if err := s.getJSON(prefixConv+c.ID.Value(), &cur); err != nil {
		return chatsync.Conversation{}, fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	cur.Title = c.Title
	cur.AvatarURL = c.AvatarURL
	// A 1:1 chat can become a group; a group never goes back.
	cur.IsGroup = cur.IsGroup || c.IsGroup
	cur.UpdatedAt = s.now()

	b := s.newBatch()
	b.setJSON(prefixConv+cur.ID.Value(), cur)
	if err := b.commit(); err != nil {
		return chatsync.Conversation{}, err
	}
	return cur, nil
}

// DeleteConversation removes a 1:1 conversation with its participants and
// messages.
func (s *Store) DeleteConversation(_ context.Context, id chatsync.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur chatsync.Conversation
	if err := s.getJSON(prefixConv+id.Value(), &cur); err != nil {
		return fmt.Errorf("conversation %s: %w", id, err)
	}
	if cur.IsGroup {
		return chatsync.ErrGroupDelete
	}

	b := s.newBatch()
	b.delete(prefixConv + id.Value())
	if cur.ClientID != "" {
		b.delete(prefixConvClient + cur.ClientID)
	}
	err := s.scan(prefixPart+id.Value()+":", func(key, _ []byte) error {
		profile := strings.TrimPrefix(string(key), prefixPart+id.Value()+":")
		b.delete(string(key))
		b.delete(prefixMember + profile + ":" + id.Value())
		return nil
	})
	if err != nil {
		b.b.Close()
		return err
	}
	err = s.scan(prefixMsg+id.Value()+":", func(key, value []byte) error {
		var m chatsync.Message
		if json.Unmarshal(value, &m) == nil {
			b.delete(prefixMsgID + m.ID.Value())
			if m.ClientID != "" {
				b.delete(prefixMsgClient + m.ClientID)
			}
		}
		b.delete(string(key))
		return nil
	})
	if err != nil {
		b.b.Close()
		return err
	}
	if err := b.commit(); err != nil {
		return err
	}
	s.log.Debug().Str("conversation", id.Value()).Msg("conversation_deleted")
	return nil
}

// ============================================================================
// Participants
// ============================================================================

func (s *Store) ListParticipants(_ context.Context, conversationID chatsync.ID) ([]chatsync.Participant, error) {
	out := []chatsync.Participant{}
	err := s.scan(prefixPart+conversationID.Value()+":", func(_, value []byte) error {
		var p chatsync.Participant
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, err
}

func (s *Store) profilesOf(conversationID chatsync.ID) []string {
	var out []string
	_ = s.scan(prefixPart+conversationID.Value()+":", func(key, _ []byte) error {
		out = append(out, strings.TrimPrefix(string(key), prefixPart+conversationID.Value()+":"))
		return nil
	})
	return out
}

// AddParticipant adds or re-adds a profile. Adding an existing participant
// keeps its join time and takes the new role.
func (s *Store) AddParticipant(_ context.Context, p chatsync.Participant) (chatsync.Participant, error) {
	if p.ProfileID == "" || p.ConversationID.IsZero() {
		return chatsync.Participant{}, fmt.Errorf("participant: %w", ErrInvalid)
	}
	if p.Role == "" {
		p.Role = chatsync.RoleMember
	}

	s.mu.Lock()
	var conv chatsync.Conversation
	if err := s.getJSON(prefixConv+p.ConversationID.Value(), &conv); err != nil {
		s.mu.Unlock()
		return chatsync.Participant{}, fmt.Errorf("conversation %s: %w", p.ConversationID, err)
	}
	key := prefixPart + p.ConversationID.Value() + ":" + p.ProfileID
	var cur chatsync.Participant
	if err := s.getJSON(key, &cur); err == nil {
		p.JoinedAt = cur.JoinedAt
	} else {
		p.JoinedAt = s.now()
	}

	b := s.newBatch()
	b.setJSON(key, p)
	b.setString(prefixMember+p.ProfileID+":"+p.ConversationID.Value(), "")
	err := b.commit()
	profiles := s.profilesOf(p.ConversationID)
	s.mu.Unlock()
	if err != nil {
		return chatsync.Participant{}, err
	}

	row, _ := json.Marshal(p)
	s.publishAll(chatsync.Notification{
		Table:          chatsync.TableParticipants,
		ConversationID: p.ConversationID,
		Row:            row,
	}, profiles)
	return p, nil
}

func (s *Store) UpdateParticipant(_ context.Context, p chatsync.Participant) (chatsync.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefixPart + p.ConversationID.Value() + ":" + p.ProfileID
	var cur chatsync.Participant
	if err := s.getJSON(key, &cur); err != nil {
		return chatsync.Participant{}, fmt.Errorf("participant %s: %w", p.ProfileID, err)
	}
	if p.Role != "" {
		cur.Role = p.Role
	}
	b := s.newBatch()
	b.setJSON(key, cur)
	if err := b.commit(); err != nil {
		return chatsync.Participant{}, err
	}
	return cur, nil
}

// RemoveParticipant never removes the conversation, even when it empties it.
func (s *Store) RemoveParticipant(_ context.Context, conversationID chatsync.ID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefixPart + conversationID.Value() + ":" + profileID
	var cur chatsync.Participant
	if err := s.getJSON(key, &cur); err != nil {
		return fmt.Errorf("participant %s: %w", profileID, err)
	}
	b := s.newBatch()
	b.delete(key)
	b.delete(prefixMember + profileID + ":" + conversationID.Value())
	return b.commit()
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns the messages of a conversation in insertion order,
// without soft-deleted ones.
func (s *Store) ListMessages(_ context.Context, filter chatsync.MessageFilter) ([]chatsync.Message, error) {
	out := []chatsync.Message{}
	err := s.scan(prefixMsg+filter.ConversationID.Value()+":", func(_, value []byte) error {
		var m chatsync.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		if m.Deleted() {
			return nil
		}
		if filter.UnreadBy != "" && !m.UnreadBy(filter.UnreadBy) {
			return nil
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// InsertMessage appends m to its conversation. A repeated ClientID returns the
// message stored the first time.
func (s *Store) InsertMessage(_ context.Context, m chatsync.Message) (chatsync.Message, error) {
	if m.SenderID == "" || m.ConversationID.IsZero() {
		return chatsync.Message{}, fmt.Errorf("message: %w", ErrInvalid)
	}
	if m.Content == "" && m.AttachmentURL == "" {
		return chatsync.Message{}, fmt.Errorf("empty message: %w", ErrInvalid)
	}

	s.mu.Lock()
	if m.ClientID != "" {
		if id, err := s.getString(prefixMsgClient + m.ClientID); err == nil {
			defer s.mu.Unlock()
			return s.getMessageLocked(chatsync.Confirmed(id))
		}
	}
	var conv chatsync.Conversation
	if err := s.getJSON(prefixConv+m.ConversationID.Value(), &conv); err != nil {
		s.mu.Unlock()
		return chatsync.Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, err)
	}

	now := s.now()
	m.ID = chatsync.Confirmed(uuid.NewString())
	m.ReadBy = []string{}
	m.DeliveredTo = []string{}
	m.DeletedAt = nil
	m.CreatedAt = now
	m.UpdatedAt = now
	conv.UpdatedAt = now

	key := s.nextMessageKey(m.ConversationID)
	b := s.newBatch()
	b.setJSON(key, m)
	b.setString(prefixMsgID+m.ID.Value(), key)
	if m.ClientID != "" {
		b.setString(prefixMsgClient+m.ClientID, m.ID.Value())
	}
	b.setJSON(prefixConv+conv.ID.Value(), conv)
	err := b.commit()
	profiles := s.profilesOf(m.ConversationID)
	s.mu.Unlock()
	if err != nil {
		return chatsync.Message{}, err
	}
	s.log.Debug().Str("conversation", m.ConversationID.Value()).Str("message", m.ID.Value()).Msg("message_saved")

	row, _ := json.Marshal(m)
	s.publishAll(chatsync.Notification{
		Table:          chatsync.TableMessages,
		ConversationID: m.ConversationID,
		Row:            row,
	}, profiles)
	return m, nil
}

func (s *Store) getMessageLocked(id chatsync.ID) (chatsync.Message, error) {
	key, err := s.getString(prefixMsgID + id.Value())
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	var m chatsync.Message
	if err := s.getJSON(key, &m); err != nil {
		return chatsync.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return m, nil
}

// updateMessage applies fn to the stored message id and saves it.
func (s *Store) updateMessage(id chatsync.ID, fn func(*chatsync.Message) error) (chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.getString(prefixMsgID + id.Value())
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	var m chatsync.Message
	if err := s.getJSON(key, &m); err != nil {
		return chatsync.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	if err := fn(&m); err != nil {
		return chatsync.Message{}, err
	}
	b := s.newBatch()
	b.setJSON(key, m)
	if err := b.commit(); err != nil {
		return chatsync.Message{}, err
	}
	return m, nil
}

func (s *Store) UpdateMessage(_ context.Context, patch chatsync.Message) (chatsync.Message, error) {
	return s.updateMessage(patch.ID, func(m *chatsync.Message) error {
		if m.Deleted() {
			return fmt.Errorf("message %s: %w", m.ID, chatsync.ErrNotFound)
		}
		if patch.Content == "" && patch.AttachmentURL == "" {
			return fmt.Errorf("empty message: %w", ErrInvalid)
		}
		m.Content = patch.Content
		if patch.AttachmentURL != "" {
			m.AttachmentURL = patch.AttachmentURL
		}
		m.UpdatedAt = s.now()
		return nil
	})
}

// SoftDeleteMessage stamps the deletion time. The row is kept.
func (s *Store) SoftDeleteMessage(_ context.Context, id chatsync.ID) (chatsync.Message, error) {
	return s.updateMessage(id, func(m *chatsync.Message) error {
		if m.DeletedAt == nil {
			now := s.now()
			m.DeletedAt = &now
			m.UpdatedAt = now
		}
		return nil
	})
}

func (s *Store) MarkRead(ctx context.Context, conversationID chatsync.ID, profileID string, ids []chatsync.ID) ([]chatsync.Message, error) {
	return s.receipt(conversationID, profileID, ids, func(m *chatsync.Message) bool {
		if slices.Contains(m.ReadBy, profileID) {
			return false
		}
		m.ReadBy = append(m.ReadBy, profileID)
		// Reading implies delivery.
		if !slices.Contains(m.DeliveredTo, profileID) {
			m.DeliveredTo = append(m.DeliveredTo, profileID)
		}
		return true
	})
}

func (s *Store) MarkDelivered(ctx context.Context, conversationID chatsync.ID, profileID string, ids []chatsync.ID) ([]chatsync.Message, error) {
	return s.receipt(conversationID, profileID, ids, func(m *chatsync.Message) bool {
		if slices.Contains(m.DeliveredTo, profileID) {
			return false
		}
		m.DeliveredTo = append(m.DeliveredTo, profileID)
		return true
	})
}

// receipt applies stamp to the listed messages of a conversation, or to all
// of them when ids is empty, skipping the profile's own and deleted messages.
// It returns the messages that changed.
func (s *Store) receipt(conversationID chatsync.ID, profileID string, ids []chatsync.ID, stamp func(*chatsync.Message) bool) ([]chatsync.Message, error) {
	if profileID == "" {
		return nil, fmt.Errorf("profile id: %w", ErrInvalid)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id.Value()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []chatsync.Message{}
	b := s.newBatch()
	err := s.scan(prefixMsg+conversationID.Value()+":", func(key, value []byte) error {
		var m chatsync.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		if len(want) > 0 {
			if _, ok := want[m.ID.Value()]; !ok {
				return nil
			}
		}
		if m.Deleted() || m.SenderID == profileID {
			return nil
		}
		if !stamp(&m) {
			return nil
		}
		b.setJSON(string(key), m)
		out = append(out, m)
		return nil
	})
	if err != nil {
		b.b.Close()
		return nil, err
	}
	if err := b.commit(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ chatsync.Remote = (*Store)(nil)

// PurgeDeleted removes messages soft-deleted before cutoff, with their id
// index entries. It returns how many rows were removed.
func (s *Store) PurgeDeleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	b := s.newBatch()
	err := s.scan(prefixMsg, func(key, value []byte) error {
		var m chatsync.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		if m.DeletedAt == nil || !m.DeletedAt.Before(cutoff) {
			return nil
		}
		b.delete(string(key))
		b.delete(prefixMsgID + m.ID.Value())
		if m.ClientID != "" {
			b.delete(prefixMsgClient + m.ClientID)
		}
		n++
		return nil
	})
	if err != nil {
		b.b.Close()
		return 0, err
	}
	if err := b.commit(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s.log.Info().Int("count", n).Time("cutoff", cutoff).Msg("deleted_messages_purged")
	return n, nil
}
