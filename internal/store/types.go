package store

// ContentType distinguishes message payload kinds.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentFile ContentType = "file"
)

// DeliveryState tracks a message through the optimistic-send lifecycle.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Conversation is a two-party message thread, optionally tied to a listing.
type Conversation struct {
	ID             string
	ParticipantAID string
	ParticipantBID string
	ListingRef     string
	Starred        bool
	Archived       bool
	LastMessageAt  int64
	CreatedAt      int64

	// UnreadCount is derived from the message log on every apply batch,
	// never patched directly.
	UnreadCount int
}

// OtherParticipant returns the participant that is not the given user.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// Message is a single conversation entry. Exactly one of ID (server-assigned,
// confirmed) or CorrelationID (client-generated, pending) identifies it at any
// time; a confirmed message never carries a correlation id inside the store.
type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	ContentType    ContentType
	CreatedAt      int64
	IsRead         bool
	IsDelivered    bool
	DeliveryState  DeliveryState
}

// Pending reports whether the message is still awaiting server confirmation.
func (m *Message) Pending() bool {
	return m.ID == ""
}

// sortKey is the tiebreaker for messages sharing a timestamp.
func (m *Message) sortKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// PresenceEntry marks a user as currently online.
type PresenceEntry struct {
	UserID     string
	LastSeenAt int64
}

// TypingState is an ephemeral, self-expiring typing indicator.
type TypingState struct {
	UserID         string
	ConversationID string
	ExpiresAt      int64
}
