package chatsync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// fakeRemote is an in-memory Remote. Calls can be held back with hold and
// made to fail with failNext.
type fakeRemote struct {
	mu     sync.Mutex
	seq    int
	convs  map[string]Conversation
	order  []string
	parts  map[string][]Participant
	msgs   map[string][]Message
	calls  map[string]int
	fail   map[string]error
	gates  map[string]chan struct{}
	onCall func(method string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		convs: make(map[string]Conversation),
		parts: make(map[string][]Participant),
		msgs:  make(map[string][]Message),
		calls: make(map[string]int),
		fail:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

// hold makes calls to method block until the returned release is called.
func (f *fakeRemote) hold(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[method] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, method)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// failNext makes the next call to method return err.
func (f *fakeRemote) failNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *fakeRemote) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records the call, waits on its gate and returns an injected failure.
func (f *fakeRemote) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	gate := f.gates[method]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(method)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[method]; ok {
		delete(f.fail, method)
		return err
	}
	return nil
}

func (f *fakeRemote) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// ============================================================================
// Seeding helpers
// ============================================================================

func (f *fakeRemote) seedConversation(id string, isGroup bool, members ...string) Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := Conversation{ID: Confirmed(id), CreatorID: members[0], IsGroup: isGroup, UpdatedAt: time.Now().UTC()}
	f.convs[id] = c
	f.order = append(f.order, id)
	for i, m := range members {
		role := RoleMember
		if i == 0 {
			role = RoleAdmin
		}
		f.parts[id] = append(f.parts[id], Participant{ConversationID: c.ID, ProfileID: m, Role: role})
	}
	return c
}

func (f *fakeRemote) seedMessage(conv, sender, content string, readBy ...string) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	m := Message{
		ID:             Confirmed(f.nextID("m")),
		ConversationID: Confirmed(conv),
		SenderID:       sender,
		Content:        content,
		ReadBy:         append([]string{}, readBy...),
		DeliveredTo:    []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.msgs[conv] = append(f.msgs[conv], m)
	return m
}

// ============================================================================
// Remote
// ============================================================================

func (f *fakeRemote) ListConversations(ctx context.Context, profileID string) ([]Conversation, error) {
	if err := f.enter(ctx, "ListConversations"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Conversation{}
	for _, id := range f.order {
		c, ok := f.convs[id]
		if !ok {
			continue
		}
		if slices.ContainsFunc(f.parts[id], func(p Participant) bool { return p.ProfileID == profileID }) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) GetConversation(ctx context.Context, id ID) (Conversation, error) {
	if err := f.enter(ctx, "GetConversation"); err != nil {
		return Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id.Value()]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRemote) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if err := f.enter(ctx, "CreateConversation"); err != nil {
		return Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = Confirmed(f.nextID("c"))
	c.UpdatedAt = time.Now().UTC()
	f.convs[c.ID.Value()] = c
	f.order = append(f.order, c.ID.Value())
	return c, nil
}

func (f *fakeRemote) UpdateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if err := f.enter(ctx, "UpdateConversation"); err != nil {
		return Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.convs[c.ID.Value()]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	cur = mergeConversation(cur, c)
	f.convs[c.ID.Value()] = cur
	return cur, nil
}

func (f *fakeRemote) DeleteConversation(ctx context.Context, id ID) error {
	if err := f.enter(ctx, "DeleteConversation"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id.Value()]
	if !ok {
		return ErrNotFound
	}
	if c.IsGroup {
		return ErrGroupDelete
	}
	delete(f.convs, id.Value())
	delete(f.parts, id.Value())
	delete(f.msgs, id.Value())
	return nil
}

func (f *fakeRemote) ListParticipants(ctx context.Context, conversationID ID) ([]Participant, error) {
	if err := f.enter(ctx, "ListParticipants"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Participant{}, f.parts[conversationID.Value()]...), nil
}

func (f *fakeRemote) AddParticipant(ctx context.Context, p Participant) (Participant, error) {
	if err := f.enter(ctx, "AddParticipant"); err != nil {
		return Participant{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.convs[p.ConversationID.Value()]; !ok {
		return Participant{}, ErrNotFound
	}
	p.JoinedAt = time.Now().UTC()
	f.parts[p.ConversationID.Value()] = upsert(f.parts[p.ConversationID.Value()], p, participantIdentity)
	return p, nil
}

func (f *fakeRemote) UpdateParticipant(ctx context.Context, p Participant) (Participant, error) {
	if err := f.enter(ctx, "UpdateParticipant"); err != nil {
		return Participant{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list, ok := mergeInto(f.parts[p.ConversationID.Value()], p, participantIdentity, mergeParticipant)
	if !ok {
		return Participant{}, ErrNotFound
	}
	f.parts[p.ConversationID.Value()] = list
	return list[indexOf(list, participantIdentity, participantIdentity(p))], nil
}

func (f *fakeRemote) RemoveParticipant(ctx context.Context, conversationID ID, profileID string) error {
	if err := f.enter(ctx, "RemoveParticipant"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list, _ := without(f.parts[conversationID.Value()], participantIdentity,
		participantIdentity(Participant{ConversationID: conversationID, ProfileID: profileID}))
	f.parts[conversationID.Value()] = list
	return nil
}

func (f *fakeRemote) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	if err := f.enter(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Message{}
	for _, m := range f.msgs[filter.ConversationID.Value()] {
		if m.Deleted() {
			continue
		}
		if filter.UnreadBy != "" && !m.UnreadBy(filter.UnreadBy) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRemote) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if err := f.enter(ctx, "InsertMessage"); err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := m.ConversationID.Value()
	if m.ClientID != "" {
		for _, existing := range f.msgs[conv] {
			if existing.ClientID == m.ClientID {
				return existing, nil
			}
		}
	}
	m.ID = Confirmed(f.nextID("m"))
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	f.msgs[conv] = append(f.msgs[conv], m)
	return m, nil
}

func (f *fakeRemote) updateMessage(id ID, fn func(*Message)) (Message, error) {
	for conv, list := range f.msgs {
		for i := range list {
			if list[i].ID == id {
				fn(&f.msgs[conv][i])
				return f.msgs[conv][i], nil
			}
		}
	}
	return Message{}, ErrNotFound
}

func (f *fakeRemote) UpdateMessage(ctx context.Context, m Message) (Message, error) {
	if err := f.enter(ctx, "UpdateMessage"); err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateMessage(m.ID, func(cur *Message) { cur.Content = m.Content })
}

func (f *fakeRemote) SoftDeleteMessage(ctx context.Context, id ID) (Message, error) {
	if err := f.enter(ctx, "SoftDeleteMessage"); err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateMessage(id, func(cur *Message) {
		now := time.Now().UTC()
		cur.DeletedAt = &now
	})
}

func (f *fakeRemote) receipt(conversationID ID, ids []ID, stamp func(*Message) bool) []Message {
	out := []Message{}
	list := f.msgs[conversationID.Value()]
	for i := range list {
		if len(ids) > 0 && !slices.Contains(ids, list[i].ID) {
			continue
		}
		if stamp(&list[i]) {
			out = append(out, list[i])
		}
	}
	return out
}

func (f *fakeRemote) MarkRead(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error) {
	if err := f.enter(ctx, "MarkRead"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt(conversationID, ids, func(m *Message) bool {
		if !m.UnreadBy(profileID) {
			return false
		}
		m.ReadBy = append(slices.Clone(m.ReadBy), profileID)
		m.DeliveredTo = unionIDs(m.DeliveredTo, []string{profileID})
		return true
	}), nil
}

func (f *fakeRemote) MarkDelivered(ctx context.Context, conversationID ID, profileID string, ids []ID) ([]Message, error) {
	if err := f.enter(ctx, "MarkDelivered"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt(conversationID, ids, func(m *Message) bool {
		if m.SenderID == profileID || slices.Contains(m.DeliveredTo, profileID) {
			return false
		}
		m.DeliveredTo = append(slices.Clone(m.DeliveredTo), profileID)
		return true
	}), nil
}

var _ Remote = (*fakeRemote)(nil)
