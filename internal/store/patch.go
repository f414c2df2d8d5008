package store

// Patch is the closed set of store mutations. Every producer (multiplexer,
// outbox, poller, presence, typing) mutates the store exclusively through
// Apply with these variants; there is no other write path.
type Patch interface {
	isPatch()
}

// UpsertConversation inserts or updates a conversation. Conversations are
// never removed; archival is a flag.
type UpsertConversation struct {
	Conversation Conversation
}

// UpsertMessage inserts or updates a message. A confirmed message (ID set)
// updates in place when already present; a pending message (CorrelationID
// set) replaces any pending entry with the same correlation id.
type UpsertMessage struct {
	Message Message
}

// ReplaceMessage atomically substitutes a pending entry with its confirmed
// counterpart. If the confirmed id is already in the store the patch only
// removes the leftover pending entry, keeping exactly one representation.
type ReplaceMessage struct {
	CorrelationID string
	Confirmed     Message
}

// RemoveMessage deletes a message, addressed by server id or correlation id.
// Used for discarding exhausted pending sends and for server-side deletes.
type RemoveMessage struct {
	ConversationID string
	ID             string
	CorrelationID  string
}

// SetPresence mutates the online set. Snapshot replaces the whole set
// (presence is rebuilt from full syncs, never diffed across reconnects);
// otherwise Joined and Left are applied incrementally.
type SetPresence struct {
	Snapshot bool
	Entries  []PresenceEntry
	Left     []string
}

// SetTyping records or clears a typing indicator. ExpiresAt <= 0 clears.
type SetTyping struct {
	ConversationID string
	UserID         string
	ExpiresAt      int64
}

func (UpsertConversation) isPatch() {}
func (UpsertMessage) isPatch()      {}
func (ReplaceMessage) isPatch()     {}
func (RemoveMessage) isPatch()      {}
func (SetPresence) isPatch()        {}
func (SetTyping) isPatch()          {}
