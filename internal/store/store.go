package store

import (
	"sort"
	"sync"
	"time"
)

// Store is the single source of truth for rendering: an in-memory cache of
// conversations, their ordered message logs, and the adjacent ephemeral
// presence/typing state. All mutation goes through Apply; a batch is atomic
// with respect to readers, which only ever observe pre- or post-batch state.
type Store struct {
	mu          sync.RWMutex
	currentUser string

	convs map[string]*Conversation
	order []string // conversation ids by LastMessageAt descending, derived

	msgs      map[string][]Message // per conversation, ascending (CreatedAt, key)
	confirmed map[string]string    // server id -> conversation id
	pending   map[string]string    // correlation id -> conversation id

	presence map[string]PresenceEntry
	typing   map[string]map[string]TypingState // conversation -> user

	version uint64
}

// New creates an empty store scoped to the given user. The current user id
// is needed to derive unread counts (messages addressed to this user).
func New(currentUser string) *Store {
	s := &Store{currentUser: currentUser}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.convs = make(map[string]*Conversation)
	s.order = nil
	s.msgs = make(map[string][]Message)
	s.confirmed = make(map[string]string)
	s.pending = make(map[string]string)
	s.presence = make(map[string]PresenceEntry)
	s.typing = make(map[string]map[string]TypingState)
}

// Reset drops all state and rebinds the store to a new user. Called when the
// auth context changes; the engine resubscribes and repolls afterwards.
func (s *Store) Reset(currentUser string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = currentUser
	s.reset()
	s.version++
}

// CurrentUser returns the user id the store is scoped to.
func (s *Store) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// Version increments on every applied batch. Cheap change detection for
// consumers that poll the store.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Apply runs a batch of patches atomically and recomputes derived state
// (unread counts, conversation ordering) once at the end of the batch.
func (s *Store) Apply(patches ...Patch) {
	if len(patches) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := make(map[string]struct{})
	for _, p := range patches {
		switch p := p.(type) {
		case UpsertConversation:
			s.applyUpsertConversation(p, dirty)
		case UpsertMessage:
			s.applyUpsertMessage(p.Message, dirty)
		case ReplaceMessage:
			s.applyReplaceMessage(p, dirty)
		case RemoveMessage:
			s.applyRemoveMessage(p, dirty)
		case SetPresence:
			s.applySetPresence(p)
		case SetTyping:
			s.applySetTyping(p)
		}
	}

	s.recompute(dirty)
	s.version++
}

func (s *Store) applyUpsertConversation(p UpsertConversation, dirty map[string]struct{}) {
	c := p.Conversation
	existing, ok := s.convs[c.ID]
	if ok {
		derivedUnread := existing.UnreadCount
		*existing = c
		existing.UnreadCount = derivedUnread
	} else {
		cc := c
		s.convs[c.ID] = &cc
	}
	dirty[c.ID] = struct{}{}
}

// ensureConversation creates a skeleton conversation for a message whose
// thread has not been loaded yet; the next poll or conversation event fills
// in the rest.
func (s *Store) ensureConversation(m *Message) {
	if _, ok := s.convs[m.ConversationID]; ok {
		return
	}
	s.convs[m.ConversationID] = &Conversation{
		ID:             m.ConversationID,
		ParticipantAID: m.SenderID,
		ParticipantBID: m.ReceiverID,
		LastMessageAt:  m.CreatedAt,
		CreatedAt:      m.CreatedAt,
	}
}

func (s *Store) applyUpsertMessage(m Message, dirty map[string]struct{}) {
	s.ensureConversation(&m)
	dirty[m.ConversationID] = struct{}{}

	if m.ID != "" {
		m.CorrelationID = "" // confirmed entries never carry a correlation id
		if convID, ok := s.confirmed[m.ID]; ok {
			s.updateInPlace(convID, m.ID, m)
			return
		}
		s.insertSorted(m)
		s.confirmed[m.ID] = m.ConversationID
		return
	}

	// Pending: at most one live entry per correlation id.
	if convID, ok := s.pending[m.CorrelationID]; ok {
		s.updateInPlace(convID, m.CorrelationID, m)
		return
	}
	s.insertSorted(m)
	s.pending[m.CorrelationID] = m.ConversationID
}

func (s *Store) applyReplaceMessage(p ReplaceMessage, dirty map[string]struct{}) {
	confirmed := p.Confirmed
	confirmed.CorrelationID = ""
	dirty[confirmed.ConversationID] = struct{}{}

	if convID, ok := s.pending[p.CorrelationID]; ok {
		s.removeByKey(convID, p.CorrelationID)
		delete(s.pending, p.CorrelationID)
		dirty[convID] = struct{}{}
	}

	// Idempotent on the server id: the push event may have landed first.
	if convID, ok := s.confirmed[confirmed.ID]; ok {
		s.updateInPlace(convID, confirmed.ID, confirmed)
		return
	}
	s.ensureConversation(&confirmed)
	s.insertSorted(confirmed)
	s.confirmed[confirmed.ID] = confirmed.ConversationID
}

func (s *Store) applyRemoveMessage(p RemoveMessage, dirty map[string]struct{}) {
	if p.CorrelationID != "" {
		if convID, ok := s.pending[p.CorrelationID]; ok {
			s.removeByKey(convID, p.CorrelationID)
			delete(s.pending, p.CorrelationID)
			dirty[convID] = struct{}{}
		}
	}
	if p.ID != "" {
		if convID, ok := s.confirmed[p.ID]; ok {
			s.removeByKey(convID, p.ID)
			delete(s.confirmed, p.ID)
			dirty[convID] = struct{}{}
		}
	}
}

func (s *Store) applySetPresence(p SetPresence) {
	if p.Snapshot {
		s.presence = make(map[string]PresenceEntry, len(p.Entries))
	}
	for _, e := range p.Entries {
		s.presence[e.UserID] = e
	}
	for _, id := range p.Left {
		delete(s.presence, id)
	}
}

func (s *Store) applySetTyping(p SetTyping) {
	byUser := s.typing[p.ConversationID]
	if p.ExpiresAt <= 0 {
		if byUser != nil {
			delete(byUser, p.UserID)
			if len(byUser) == 0 {
				delete(s.typing, p.ConversationID)
			}
		}
		return
	}
	if byUser == nil {
		byUser = make(map[string]TypingState)
		s.typing[p.ConversationID] = byUser
	}
	byUser[p.UserID] = TypingState{
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		ExpiresAt:      p.ExpiresAt,
	}
}

// insertSorted places m at its position in the conversation's ascending
// (CreatedAt, key) order. Reconciliation never reorders, only substitutes,
// so position is decided exactly once per representation.
func (s *Store) insertSorted(m Message) {
	list := s.msgs[m.ConversationID]
	key := m.sortKey()
	i := sort.Search(len(list), func(i int) bool {
		if list[i].CreatedAt != m.CreatedAt {
			return list[i].CreatedAt > m.CreatedAt
		}
		return list[i].sortKey() > key
	})
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	s.msgs[m.ConversationID] = list
}

func (s *Store) updateInPlace(convID, key string, m Message) {
	list := s.msgs[convID]
	for i := range list {
		if list[i].sortKey() == key {
			if list[i].CreatedAt == m.CreatedAt {
				list[i] = m
				return
			}
			// Timestamp moved (rare server correction): reposition.
			copy(list[i:], list[i+1:])
			s.msgs[convID] = list[:len(list)-1]
			s.insertSorted(m)
			return
		}
	}
	s.insertSorted(m)
}

func (s *Store) removeByKey(convID, key string) {
	list := s.msgs[convID]
	for i := range list {
		if list[i].sortKey() == key {
			copy(list[i:], list[i+1:])
			s.msgs[convID] = list[:len(list)-1]
			return
		}
	}
}

// recompute refreshes derived state for the conversations touched by a batch:
// unread counts from the message log (never a mutable counter) and the global
// LastMessageAt-descending ordering.
func (s *Store) recompute(dirty map[string]struct{}) {
	for id := range dirty {
		c, ok := s.convs[id]
		if !ok {
			continue
		}
		unread := 0
		var last int64
		for i := range s.msgs[id] {
			m := &s.msgs[id][i]
			if m.ReceiverID == s.currentUser && !m.IsRead {
				unread++
			}
			if m.CreatedAt > last {
				last = m.CreatedAt
			}
		}
		c.UnreadCount = unread
		if last > c.LastMessageAt {
			c.LastMessageAt = last
		}
	}

	s.order = s.order[:0]
	for id := range s.convs {
		s.order = append(s.order, id)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.convs[s.order[i]], s.convs[s.order[j]]
		if a.LastMessageAt != b.LastMessageAt {
			return a.LastMessageAt > b.LastMessageAt
		}
		return a.ID < b.ID
	})
}

// Conversations returns the conversation list ordered by last activity,
// newest first. The returned slice is a copy.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.convs[id])
	}
	return out
}

// Conversation returns a single conversation by id, or false.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns the ordered message log for a conversation. The returned
// slice is a copy.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// UnreadCount returns the derived unread count for a conversation.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

// PendingCount returns the number of not-yet-confirmed messages.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// PendingMessage returns the pending entry for a correlation id, or false.
func (s *Store) PendingMessage(correlationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.pending[correlationID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.msgs[convID] {
		if m.CorrelationID == correlationID {
			return m, true
		}
	}
	return Message{}, false
}

// HasMessage reports whether a confirmed server id is present.
func (s *Store) HasMessage(serverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.confirmed[serverID]
	return ok
}

// IsOnline reports whether a user is in the current online set.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.presence[userID]
	return ok
}

// OnlineUsers returns the current online set, unordered.
func (s *Store) OnlineUsers() []PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(s.presence))
	for _, e := range s.presence {
		out = append(out, e)
	}
	return out
}

// TypingUsers returns user ids with a live typing indicator in the
// conversation. Entries past their TTL are filtered even if the sweep has
// not removed them yet.
func (s *Store) TypingUsers(conversationID string) []string {
	now := time.Now().UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, st := range s.typing[conversationID] {
		if st.ExpiresAt > now {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ExpiredTyping returns typing entries whose TTL elapsed at or before now.
// The sweep turns these into SetTyping clear patches.
func (s *Store) ExpiredTyping(now int64) []TypingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TypingState
	for _, byUser := range s.typing {
		for _, st := range byUser {
			if st.ExpiresAt <= now {
				out = append(out, st)
			}
		}
	}
	return out
}
